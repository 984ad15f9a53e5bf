package engine

import "github.com/kalambet/ragmux/internal/ollama"

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
	Temperature   float64
	NumCtx        int
}

// Detect returns the inference backend for the given config. Ollama is the
// only supported backend.
func Detect(cfg DetectConfig) (Engine, error) {
	return NewOllamaEngine(cfg.OllamaBaseURL, ollama.WithOptions(ollama.Options{
		Temperature: cfg.Temperature,
		NumCtx:      cfg.NumCtx,
	})), nil
}
