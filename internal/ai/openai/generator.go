package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/memoflow/internal/ai/apierr"
	"github.com/kiranshivaraju/memoflow/internal/ai/prompt"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// Generator implements models.Generator with POST /chat/completions.
type Generator struct {
	client
}

var _ models.Generator = (*Generator)(nil)

func NewGenerator(cfg Config) *Generator {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	return &Generator{client: newClient(cfg)}
}

func (g *Generator) Name() string { return g.cfg.Name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model,omitempty"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (g *Generator) Generate(ctx context.Context, req models.GenerationRequest) (models.GeneratedContent, error) {
	raw, err := g.postJSON(ctx, "/chat/completions", chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.User(req)},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return models.GeneratedContent{}, err
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.GeneratedContent{}, fmt.Errorf("%w: decoding completion: %v", apierr.ErrInvalidResponse, err)
	}
	if len(resp.Choices) == 0 {
		return models.GeneratedContent{}, fmt.Errorf("%w: no choices in completion", apierr.ErrInvalidResponse)
	}

	content, err := prompt.ParseContent(resp.Choices[0].Message.Content)
	if err != nil {
		return models.GeneratedContent{}, err
	}
	content.Provider = g.cfg.Name
	content.Model = resp.Model
	if content.Model == "" {
		content.Model = g.cfg.Model
	}
	return content, nil
}
