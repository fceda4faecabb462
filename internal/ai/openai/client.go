// Package openai talks to OpenAI-compatible HTTP APIs: OpenAI itself, vLLM,
// Ollama and OpenRouter all expose the same transcription and chat routes.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/memoflow/internal/ai/apierr"
)

// Config selects an endpoint and model.
type Config struct {
	// Name is reported by Name() and stored with generated content.
	Name    string
	BaseURL string
	APIKey  string
	Model   string
	// Timeout bounds each HTTP exchange. Zero leaves it to the caller's context.
	Timeout time.Duration
	// MaxUploadBytes rejects larger audio before it is sent. Zero disables the check.
	MaxUploadBytes int64
}

type client struct {
	cfg  Config
	http *http.Client
}

func newClient(cfg Config) client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c client) setHeaders(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// do sends req and returns the body of a 2xx response.
func (c client) do(req *http.Request) ([]byte, error) {
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.FromTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.FromTransport(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierr.FromResponse(resp.StatusCode, body)
	}
	return body, nil
}

func (c client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}
