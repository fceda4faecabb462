// Package models contains shared data models used across the memoflow codebase.
package models

import (
	"context"
	"time"
)

// Transcriber turns recorded audio into text. Never call a concrete
// speech-to-text client directly; inject this interface.
type Transcriber interface {
	// Transcribe performs one blocking transcription call.
	Transcribe(ctx context.Context, req TranscriptionRequest) (TranscriptionResult, error)
	// Name returns the provider identifier (e.g., "openai", "mock").
	Name() string
}

// Generator turns a transcript into structured memo content.
type Generator interface {
	// Generate performs one blocking generation call. Output is validated by the caller.
	Generate(ctx context.Context, req GenerationRequest) (GeneratedContent, error)
	// Name returns the provider identifier.
	Name() string
}

// TranscriptionRequest is the input to a transcription call.
type TranscriptionRequest struct {
	Audio       []byte
	ContentType string
	Filename    string
	Language    string // empty means auto-detect
}

// TranscriptionResult is what a transcription provider returns.
type TranscriptionResult struct {
	Text            string
	Segments        []Segment
	Language        string
	DurationSeconds float64
}

// GenerationRequest is the input to a generation call.
type GenerationRequest struct {
	Transcript      string
	Title           string
	Language        string
	DurationMinutes float64
	RecordedAt      time.Time
}
