// Package engine wraps the inference servers behind the GGUF and
// tensor-framework model loaders. Both engines delegate the actual decoding to
// a runner subprocess.
package engine

import "errors"

var (
	ErrModelNotLoaded   = errors.New("model not loaded")
	ErrModelFileMissing = errors.New("model file not found")
)

type SamplerConfig struct {
	MaxTokens   int
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64 // 1.0 = no penalty, > 1.0 = penalty
	Seed        int64   // <= 0 leaves the server's seed alone
}

// DefaultSampler mirrors llama.cpp's defaults for the knobs the nodes expose.
func DefaultSampler() SamplerConfig {
	return SamplerConfig{
		MaxTokens:   512,
		Temperature: 0.7,
		TopK:        40,
		TopP:        0.9,
		RepPenalty:  1.1,
	}
}

func (s SamplerConfig) withDefaults() SamplerConfig {
	if s.MaxTokens <= 0 {
		s.MaxTokens = 512
	}
	if s.RepPenalty <= 0 {
		s.RepPenalty = 1
	}
	return s
}
