package tts

import (
	"context"

	"github.com/example/polyglot-tts/internal/audio"
)

// Engine loads voice models for one synthesis backend.
type Engine interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Load prepares v for synthesis. It may be slow; callers cache the result.
	Load(ctx context.Context, v Voice) (Model, error)
}

// Model is a loaded voice. Implementations must be safe for concurrent use.
type Model interface {
	// Generate synthesizes text. lengthScale stretches phoneme duration:
	// values below 1 speak faster, above 1 slower.
	Generate(ctx context.Context, text string, lengthScale float64) (audio.Buffer, error)
}
