package ai_test

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/memoflow/internal/ai"
	"github.com/kiranshivaraju/memoflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTranscriber_OpenAI(t *testing.T) {
	cfg := config.TranscriptionConfig{Provider: "openai", BaseURL: "https://api.openai.com/v1", APIKey: "sk-test", Model: "whisper-1"}
	tr, err := ai.NewTranscriber(cfg, time.Minute, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "openai", tr.Name())
}

func TestNewTranscriber_VLLM(t *testing.T) {
	cfg := config.TranscriptionConfig{Provider: "vllm", BaseURL: "http://localhost:8000/v1", Model: "whisper-large-v3"}
	tr, err := ai.NewTranscriber(cfg, time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, "vllm", tr.Name())
}

func TestNewTranscriber_Mock(t *testing.T) {
	tr, err := ai.NewTranscriber(config.TranscriptionConfig{Provider: "mock"}, time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, "mock", tr.Name())
}

func TestNewTranscriber_Unknown(t *testing.T) {
	_, err := ai.NewTranscriber(config.TranscriptionConfig{Provider: "sherpa"}, time.Minute, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transcription provider")
	assert.Contains(t, err.Error(), "sherpa")
}

func TestNewGenerator_OpenAICompatible(t *testing.T) {
	for _, provider := range []string{"openai", "vllm", "ollama", "openrouter"} {
		t.Run(provider, func(t *testing.T) {
			cfg := config.GenerationConfig{Provider: provider, BaseURL: "http://localhost:8000/v1", Model: "m"}
			g, err := ai.NewGenerator(cfg, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, provider, g.Name())
		})
	}
}

func TestNewGenerator_Anthropic(t *testing.T) {
	cfg := config.GenerationConfig{Provider: "anthropic", APIKey: "sk-ant-test", Model: "claude-sonnet-4-5-20250929"}
	g, err := ai.NewGenerator(cfg, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", g.Name())
}

func TestNewGenerator_Mock(t *testing.T) {
	g, err := ai.NewGenerator(config.GenerationConfig{Provider: "mock"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "mock", g.Name())
}

func TestNewGenerator_Empty(t *testing.T) {
	_, err := ai.NewGenerator(config.GenerationConfig{}, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown generation provider")
}
