// Package anthropic implements memo generation with the Anthropic Messages API.
package anthropic

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
	"github.com/kiranshivaraju/memoflow/internal/ai/prompt"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

const apiVersion = "2023-06-01"

// Config selects the endpoint and model.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Generator implements models.Generator using Anthropic.
type Generator struct {
	cfg    Config
	client *http.Client
}

var _ models.Generator = (*Generator)(nil)

func NewGenerator(cfg Config) *Generator {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}
	return &Generator{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (g *Generator) Name() string { return "anthropic" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (g *Generator) Generate(ctx context.Context, req models.GenerationRequest) (models.GeneratedContent, error) {
	data, err := json.Marshal(messagesRequest{
		Model:     g.cfg.Model,
		MaxTokens: g.cfg.MaxTokens,
		System:    prompt.System,
		Messages:  []message{{Role: "user", Content: prompt.User(req)}},
	})
	if err != nil {
		return models.GeneratedContent{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return models.GeneratedContent{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", g.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return models.GeneratedContent{}, apierr.FromTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.GeneratedContent{}, apierr.FromTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.GeneratedContent{}, apierr.FromResponse(resp.StatusCode, body)
	}

	var mr messagesResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return models.GeneratedContent{}, fmt.Errorf("%w: decoding message: %v", apierr.ErrInvalidResponse, err)
	}
	var text strings.Builder
	for _, block := range mr.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	content, err := prompt.ParseContent(text.String())
	if err != nil {
		return models.GeneratedContent{}, err
	}
	content.Provider = g.Name()
	content.Model = mr.Model
	return content, nil
}
