package remote

import (
	"fmt"
	"strings"
)

// APIType selects the request dialect of a chat-completion server.
type APIType string

const (
	Ollama   APIType = "ollama"
	Nexa     APIType = "nexa"
	LMStudio APIType = "lmstudio"
	OpenAI   APIType = "openai"
)

var defaultPorts = map[APIType]int{
	Ollama:   11434,
	Nexa:     8080,
	LMStudio: 1234,
	OpenAI:   1234,
}

// labels are the names the host UI shows in its api_type dropdowns.
var labels = map[string]APIType{
	"ollama":            Ollama,
	"nexa sdk":          Nexa,
	"nexa":              Nexa,
	"lm studio":         LMStudio,
	"lmstudio":          LMStudio,
	"openai compatible": OpenAI,
	"openai":            OpenAI,
}

// ParseAPIType accepts an API type key or UI label, case-insensitively.
func ParseAPIType(s string) (APIType, error) {
	if t, ok := labels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown api type %q", s)
}

// DefaultPort returns the port the service listens on out of the box, or 0.
func (t APIType) DefaultPort() int {
	return defaultPorts[t]
}

// Label returns the UI label for t.
func (t APIType) Label() string {
	switch t {
	case Ollama:
		return "Ollama"
	case Nexa:
		return "Nexa SDK"
	case LMStudio:
		return "LM Studio"
	case OpenAI:
		return "OpenAI Compatible"
	}
	return string(t)
}

func (t APIType) Valid() bool {
	_, ok := defaultPorts[t]
	return ok
}
