package ai

import (
	"fmt"
	"time"

	"github.com/kiranshivaraju/memoflow/internal/ai/anthropic"
	"github.com/kiranshivaraju/memoflow/internal/ai/mock"
	"github.com/kiranshivaraju/memoflow/internal/ai/openai"
	"github.com/kiranshivaraju/memoflow/internal/config"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// NewTranscriber constructs the speech-to-text provider named in cfg.
// Called once at server startup.
func NewTranscriber(cfg config.TranscriptionConfig, timeout time.Duration, maxUploadBytes int64) (models.Transcriber, error) {
	switch cfg.Provider {
	case "openai", "vllm":
		return openai.NewTranscriber(openai.Config{
			Name:           cfg.Provider,
			BaseURL:        cfg.BaseURL,
			APIKey:         cfg.APIKey,
			Model:          cfg.Model,
			Timeout:        timeout,
			MaxUploadBytes: maxUploadBytes,
		}), nil
	case "mock":
		return mock.NewMockTranscriber(), nil
	default:
		return nil, fmt.Errorf("unknown transcription provider %q: must be one of openai, vllm, mock", cfg.Provider)
	}
}

// NewGenerator constructs the memo generation provider named in cfg.
// vLLM, Ollama and OpenRouter all speak the OpenAI chat completions API.
func NewGenerator(cfg config.GenerationConfig, timeout time.Duration) (models.Generator, error) {
	switch cfg.Provider {
	case "openai", "vllm", "ollama", "openrouter":
		return openai.NewGenerator(openai.Config{
			Name:    cfg.Provider,
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: timeout,
		}), nil
	case "anthropic":
		return anthropic.NewGenerator(anthropic.Config{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   timeout,
		}), nil
	case "mock":
		return mock.NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q: must be one of openai, vllm, ollama, openrouter, anthropic, mock", cfg.Provider)
	}
}
