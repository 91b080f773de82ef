// Package openrouter calls the OpenRouter chat completion API. The llama and
// deepseek providers are OpenRouter models and share this client.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

// ErrNoChoices is returned when a completion comes back without any choices.
var ErrNoChoices = errors.New("openrouter: completion has no choices")

// StatusError is a non-200 answer. Body holds at most the first 4 KiB.
type StatusError struct {
	Status     int
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Status == http.StatusTooManyRequests {
		return fmt.Sprintf("openrouter: rate limited (HTTP %d)", e.Status)
	}
	if e.Body == "" {
		return fmt.Sprintf("openrouter: HTTP %d", e.Status)
	}
	return fmt.Sprintf("openrouter: HTTP %d: %s", e.Status, e.Body)
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another OpenAI-compatible endpoint.
// An empty url keeps the default.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithRetries sets how many times a 429 is attempted in total and the first
// backoff, which doubles on every retry.
func WithRetries(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.attempts = max(attempts, 1)
		c.backoff = backoff
	}
}

type Client struct {
	apiKey   string
	baseURL  string
	http     *http.Client
	attempts int
	backoff  time.Duration
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:   apiKey,
		baseURL:  DefaultBaseURL,
		http:     &http.Client{Timeout: 60 * time.Second},
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Chat posts req to /chat/completions. Rate-limited requests are retried,
// waiting for Retry-After when the server sends it.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openrouter: encoding request: %w", err)
	}

	wait := c.backoff
	for attempt := 1; ; attempt++ {
		var out ChatResponse
		err := c.call(ctx, http.MethodPost, "/chat/completions", body, &out)
		if err == nil {
			return &out, nil
		}

		var se *StatusError
		if !errors.As(err, &se) || se.Status != http.StatusTooManyRequests {
			return nil, err
		}
		if attempt == c.attempts {
			return nil, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		d := wait
		if se.retryAfter > 0 {
			d = se.retryAfter
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		wait *= 2
	}
}

// Complete sends prompt as the only user message and returns the first
// choice's text.
func (c *Client) Complete(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	resp, err := c.Chat(ctx, ChatRequest{
		Model:       model,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: &temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

// Models returns the IDs of the models OpenRouter advertises.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, "/models", nil, &list); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("openrouter: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/refleya/companion")
	req.Header.Set("X-Title", "refleya")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("openrouter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.retryAfter = time.Duration(secs) * time.Second
		}
		return se
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("openrouter: decoding %s response: %w", path, err)
	}
	return nil
}
