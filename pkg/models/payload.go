package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Payload is the stage-specific body of a job. The set of implementations is
// closed: every Stage has exactly one payload type.
type Payload interface {
	Stage() Stage
	Memo() uuid.UUID
	isPayload()
}

// TranscribePayload asks the transcription stage to process a memo's audio.
type TranscribePayload struct {
	MemoID   uuid.UUID `json:"memo_id"`
	Round    int       `json:"round"`
	Language string    `json:"language,omitempty"`
}

func (TranscribePayload) Stage() Stage      { return StageTranscribe }
func (p TranscribePayload) Memo() uuid.UUID { return p.MemoID }
func (TranscribePayload) isPayload()        {}

// GeneratePayload asks the generation stage to build a memo from its transcript.
type GeneratePayload struct {
	MemoID uuid.UUID `json:"memo_id"`
	Round  int       `json:"round"`
}

func (GeneratePayload) Stage() Stage      { return StageGenerate }
func (p GeneratePayload) Memo() uuid.UUID { return p.MemoID }
func (GeneratePayload) isPayload()        {}

// EncodePayload serializes a payload for storage alongside its stage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	return json.Marshal(p)
}

// DecodePayload restores the typed payload stored for stage.
func DecodePayload(stage Stage, data []byte) (Payload, error) {
	switch stage {
	case StageTranscribe:
		var p TranscribePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", stage, err)
		}
		return p, nil
	case StageGenerate:
		var p GeneratePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", stage, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("decode payload: unknown stage %q", stage)
	}
}
