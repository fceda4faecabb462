package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/memoflow/internal/ai/apierr"
	"github.com/kiranshivaraju/memoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))

		var body messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 2048, body.MaxTokens)
		assert.NotEmpty(t, body.System)

		_, _ = w.Write([]byte(`{"model":"claude-sonnet-4-5","content":[{"type":"text","text":"{\"summary\":\"Planned Q4.\",\"key_points\":[\"budget\"],\"action_items\":[],\"decisions\":[\"hire two\"]}"}]}`))
	}))
	defer ts.Close()

	g := NewGenerator(Config{BaseURL: ts.URL, APIKey: "sk-ant-test", Model: "claude-sonnet-4-5", Timeout: 5 * time.Second})
	got, err := g.Generate(context.Background(), models.GenerationRequest{Transcript: "..."})
	require.NoError(t, err)
	assert.Equal(t, "Planned Q4.", got.Summary)
	assert.Equal(t, []string{"hire two"}, got.Decisions)
	assert.Equal(t, "anthropic", got.Provider)
}

func TestGenerate_Overloaded(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer ts.Close()

	_, err := NewGenerator(Config{BaseURL: ts.URL}).Generate(context.Background(), models.GenerationRequest{})
	assert.ErrorIs(t, err, apierr.ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "Overloaded")
}
