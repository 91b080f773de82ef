package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
)

// keyringService is the OS keyring service secrets are stored under; the
// account is the dotted config key.
const keyringService = "refleya"

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

type keyringReader struct{}

func (keyringReader) Get(service, account string) (string, error) {
	v, err := keyring.Get(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

// SetSecret stores a secret config value in the OS keyring.
func SetSecret(key, value string) error {
	if !isSecret(key) {
		return fmt.Errorf("%q is not a secret key", key)
	}
	if err := keyring.Set(keyringService, key, value); err != nil {
		return fmt.Errorf("storing %s in keyring: %w", key, err)
	}
	return nil
}

// DeleteSecret removes a secret from the OS keyring. A missing entry is not an error.
func DeleteSecret(key string) error {
	err := keyring.Delete(keyringService, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("removing %s from keyring: %w", key, err)
	}
	return nil
}

// loadDotEnv reads .env files into the process environment. Variables that
// are already set win. Missing files are ignored.
func loadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

func isSecret(key string) bool {
	for _, s := range specs {
		if s.key == key {
			return s.secret
		}
	}
	return false
}
