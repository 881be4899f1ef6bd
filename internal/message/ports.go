package message

import (
	"context"

	"civicbeacon/internal/model"
)

// GenerationRequest gives the generator minimal, anonymized context. No raw
// detection data crosses this boundary.
type GenerationRequest struct {
	Category string
	Language string
	Location string
	Tone     model.Tone
	Severity model.Severity
}

// Generator is the AI text-generation collaborator. Implementations are
// expected to be slow and unreliable; the engine bounds every call.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// Synthesizer is the text-to-speech collaborator.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}
