package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/kiranshivaraju/memoflow/internal/ai/apierr"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// Transcriber implements models.Transcriber with POST /audio/transcriptions.
type Transcriber struct {
	client
}

var _ models.Transcriber = (*Transcriber)(nil)

func NewTranscriber(cfg Config) *Transcriber {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	return &Transcriber{client: newClient(cfg)}
}

func (t *Transcriber) Name() string { return t.cfg.Name }

type verboseTranscription struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (t *Transcriber) Transcribe(ctx context.Context, req models.TranscriptionRequest) (models.TranscriptionResult, error) {
	if t.cfg.MaxUploadBytes > 0 && int64(len(req.Audio)) > t.cfg.MaxUploadBytes {
		return models.TranscriptionResult{}, fmt.Errorf("%w: %d bytes exceeds limit of %d",
			apierr.ErrPayloadTooLarge, len(req.Audio), t.cfg.MaxUploadBytes)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	filename := req.Filename
	if filename == "" {
		filename = "audio"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if req.ContentType != "" {
		h.Set("Content-Type", req.ContentType)
	}
	part, err := w.CreatePart(h)
	if err != nil {
		return models.TranscriptionResult{}, fmt.Errorf("building upload: %w", err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return models.TranscriptionResult{}, fmt.Errorf("building upload: %w", err)
	}
	fields := map[string]string{
		"model":                     t.cfg.Model,
		"response_format":           "verbose_json",
		"timestamp_granularities[]": "segment",
	}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return models.TranscriptionResult{}, fmt.Errorf("building upload: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return models.TranscriptionResult{}, fmt.Errorf("building upload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return models.TranscriptionResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	raw, err := t.do(httpReq)
	if err != nil {
		return models.TranscriptionResult{}, err
	}

	var vt verboseTranscription
	if err := json.Unmarshal(raw, &vt); err != nil {
		return models.TranscriptionResult{}, fmt.Errorf("%w: decoding transcription: %v", apierr.ErrInvalidResponse, err)
	}

	result := models.TranscriptionResult{
		Text:            vt.Text,
		Language:        vt.Language,
		DurationSeconds: vt.Duration,
		Segments:        make([]models.Segment, 0, len(vt.Segments)),
	}
	for i, s := range vt.Segments {
		result.Segments = append(result.Segments, models.Segment{Index: i, Start: s.Start, End: s.End, Text: s.Text})
	}
	if result.DurationSeconds == 0 && len(vt.Segments) > 0 {
		result.DurationSeconds = vt.Segments[len(vt.Segments)-1].End
	}
	return result, nil
}
