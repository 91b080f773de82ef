package config

import (
	"fmt"
	"time"
)

// Setting is one row of `refleya config show`.
type Setting struct {
	Key    string
	Env    string
	Value  string
	Secret bool
}

// Settings lists every key with its effective value. Secrets show only
// whether they are set.
func Settings(cfg Config) []Setting {
	out := make([]Setting, len(specs))
	for i, s := range specs {
		v := fmt.Sprint(s.extract(cfg))
		switch {
		case s.secret && v == "":
			v = "(not set)"
		case s.secret:
			v = "********"
		}
		out[i] = Setting{Key: s.key, Env: s.env, Value: v, Secret: s.secret}
	}
	return out
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// ValidKeys returns every settable key in display order.
func ValidKeys() []string {
	keys := make([]string, len(specs))
	for i, s := range specs {
		keys[i] = s.key
	}
	return keys
}

// SetKey persists one value. Secrets go to the OS keyring, everything else
// to the config file. An empty secret removes it from the keyring.
func SetKey(key, value string) error {
	return setKey(newFileBackend(ConfigFilePath()), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret && value == "" {
		return DeleteSecret(key)
	}
	if s.secret {
		return SetSecret(key, value)
	}

	v, err := s.parse(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	switch s.typ {
	case kInt:
		return b.SetInt(key, v.(int))
	case kDuration:
		// Normalised so "90s" is stored as "1m30s".
		return b.SetString(key, v.(time.Duration).String())
	}
	return b.SetString(key, value)
}
