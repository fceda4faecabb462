package mock

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/memoflow/internal/ai/apierr"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// MockTranscriber satisfies models.Transcriber for testing and local runs.
type MockTranscriber struct {
	Name_          string
	TranscribeFunc func(ctx context.Context, req models.TranscriptionRequest) (models.TranscriptionResult, error)
}

func (m *MockTranscriber) Name() string { return m.Name_ }

func (m *MockTranscriber) Transcribe(ctx context.Context, req models.TranscriptionRequest) (models.TranscriptionResult, error) {
	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, req)
	}
	return models.TranscriptionResult{}, nil
}

// MockGenerator satisfies models.Generator for testing and local runs.
type MockGenerator struct {
	Name_        string
	GenerateFunc func(ctx context.Context, req models.GenerationRequest) (models.GeneratedContent, error)
}

func (m *MockGenerator) Name() string { return m.Name_ }

func (m *MockGenerator) Generate(ctx context.Context, req models.GenerationRequest) (models.GeneratedContent, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return models.GeneratedContent{}, nil
}

// MockSecondsPerKB is the simulated audio length the default transcriber
// assigns per kilobyte of input, so billing has something to count.
const MockSecondsPerKB = 6.0

// NewMockTranscriber returns a MockTranscriber with a deterministic transcript.
func NewMockTranscriber() *MockTranscriber {
	return &MockTranscriber{
		Name_: "mock",
		TranscribeFunc: func(_ context.Context, req models.TranscriptionRequest) (models.TranscriptionResult, error) {
			duration := float64(len(req.Audio)) / 1024 * MockSecondsPerKB
			if duration < 1 {
				duration = 1
			}
			lang := req.Language
			if lang == "" {
				lang = "en"
			}
			half := duration / 2
			return models.TranscriptionResult{
				Text:     "Mock transcript. We agreed to ship on Friday. Alex will update the release notes.",
				Language: lang,
				Segments: []models.Segment{
					{Index: 0, Start: 0, End: half, Text: "Mock transcript. We agreed to ship on Friday."},
					{Index: 1, Start: half, End: duration, Text: "Alex will update the release notes."},
				},
				DurationSeconds: duration,
			}, nil
		},
	}
}

// NewMockGenerator returns a MockGenerator that derives a memo from the transcript.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		Name_: "mock",
		GenerateFunc: func(_ context.Context, req models.GenerationRequest) (models.GeneratedContent, error) {
			owner := "Alex"
			priority := "medium"
			summary := "Mock summary"
			if req.Title != "" {
				summary = fmt.Sprintf("Mock summary of %s", req.Title)
			}
			firstSentence, _, _ := strings.Cut(req.Transcript, ".")
			return models.GeneratedContent{
				Summary:   summary,
				KeyPoints: []string{strings.TrimSpace(firstSentence)},
				ActionItems: []models.ActionItem{
					{Task: "Update the release notes", Owner: &owner, Priority: &priority},
				},
				Decisions: []string{"Ship on Friday"},
				Model:     "mock-v1",
			}, nil
		},
	}
}

// NewFailingTranscriber returns a MockTranscriber that always returns err.
func NewFailingTranscriber(err error) *MockTranscriber {
	return &MockTranscriber{
		Name_: "mock-failing",
		TranscribeFunc: func(_ context.Context, _ models.TranscriptionRequest) (models.TranscriptionResult, error) {
			return models.TranscriptionResult{}, err
		},
	}
}

// NewFailingGenerator returns a MockGenerator that always returns err.
func NewFailingGenerator(err error) *MockGenerator {
	return &MockGenerator{
		Name_: "mock-failing",
		GenerateFunc: func(_ context.Context, _ models.GenerationRequest) (models.GeneratedContent, error) {
			return models.GeneratedContent{}, err
		},
	}
}

// NewTimeoutTranscriber returns a MockTranscriber that blocks until ctx is done.
func NewTimeoutTranscriber() *MockTranscriber {
	return &MockTranscriber{
		Name_: "mock-timeout",
		TranscribeFunc: func(ctx context.Context, _ models.TranscriptionRequest) (models.TranscriptionResult, error) {
			<-ctx.Done()
			return models.TranscriptionResult{}, apierr.ErrInferenceTimeout
		},
	}
}

// NewTimeoutGenerator returns a MockGenerator that blocks until ctx is done.
func NewTimeoutGenerator() *MockGenerator {
	return &MockGenerator{
		Name_: "mock-timeout",
		GenerateFunc: func(ctx context.Context, _ models.GenerationRequest) (models.GeneratedContent, error) {
			<-ctx.Done()
			return models.GeneratedContent{}, apierr.ErrInferenceTimeout
		},
	}
}

// Compile-time checks.
var (
	_ models.Transcriber = (*MockTranscriber)(nil)
	_ models.Generator   = (*MockGenerator)(nil)
)
