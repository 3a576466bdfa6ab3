package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-vlm/internal/gguf"
	"github.com/23skdu/longbow-vlm/internal/registry"
)

type Kind int

const (
	KindText Kind = iota
	KindVision
)

func (k Kind) String() string {
	if k == KindVision {
		return "vision"
	}
	return "text"
}

// Source names the rule that decided a classification.
type Source string

const (
	SourceCatalog  Source = "catalog"
	SourceSidecar  Source = "sidecar"
	SourceMetadata Source = "gguf"
	SourcePattern  Source = "pattern"
	SourceKeyword  Source = "keyword"
	SourceOllama   Source = "ollama"
	SourceDefault  Source = "default"
)

type Classification struct {
	File         string                `json:"file"`
	Kind         Kind                  `json:"-"`
	KindName     string                `json:"kind"`
	Source       Source                `json:"source"`
	BusinessType registry.BusinessType `json:"business_type,omitempty"`
}

var visionPatterns = []string{
	"qwen-vl", "qwen2-vl", "qwen2.5-vl", "qwen3-vl",
	"-vl-", "_vl_", ".vl.",
}

var visionKeywords = []string{
	"llava", "vision", "multimodal", "mm",
	"clip", "minicpm-v", "phi-3-vision",
	"internvl", "cogvlm", "mmproj",
}

// MatchesVisionName applies the file-name heuristics only.
func MatchesVisionName(name string) (bool, Source) {
	lower := strings.ToLower(name)
	for _, p := range visionPatterns {
		if strings.Contains(lower, p) {
			return true, SourcePattern
		}
	}
	for _, k := range visionKeywords {
		if strings.Contains(lower, k) {
			return true, SourceKeyword
		}
	}
	return false, SourceDefault
}

type sidecar struct {
	BusinessType string `json:"business_type"`
	Type         string `json:"type"`
}

// Classify decides whether a listed model is a vision or a text model. The
// catalog wins, then a JSON sidecar next to the file, then GGUF metadata,
// then name patterns and keywords.
func (l *Loader) Classify(file string) Classification {
	c := Classification{File: file}
	c.Kind, c.Source, c.BusinessType = l.classify(file)
	c.KindName = c.Kind.String()
	return c
}

func (l *Loader) classify(file string) (Kind, Source, registry.BusinessType) {
	if m, ok := l.Registry.FindByFilename(file); ok {
		return kindOf(m.BusinessType), SourceCatalog, m.BusinessType
	}

	if strings.HasPrefix(file, OllamaPrefix) {
		if l.Ollama != nil {
			if m, err := l.Ollama.Resolve(strings.TrimPrefix(file, OllamaPrefix)); err == nil && m.ProjectorPath != "" {
				return KindVision, SourceOllama, ""
			}
		}
		if vision, src := MatchesVisionName(strings.TrimPrefix(file, OllamaPrefix)); vision {
			return KindVision, src, ""
		}
		return KindText, SourceDefault, ""
	}

	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.Dir, filepath.FromSlash(file))
	}

	if bt, ok := readSidecar(path); ok {
		return kindOf(bt), SourceSidecar, bt
	}

	if meta, err := gguf.ReadMetadata(path); err == nil {
		if meta.IsProjector() || meta.HasVisionEncoder() {
			return KindVision, SourceMetadata, ""
		}
	}

	if vision, src := MatchesVisionName(file); vision {
		return KindVision, src, ""
	}
	return KindText, SourceDefault, ""
}

func kindOf(bt registry.BusinessType) Kind {
	if bt.IsVision() {
		return KindVision
	}
	return KindText
}

// readSidecar looks for "<file>.json" then "<stem>.json".
func readSidecar(path string) (registry.BusinessType, bool) {
	candidates := []string{
		path + ".json",
		strings.TrimSuffix(path, filepath.Ext(path)) + ".json",
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var s sidecar
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		for _, v := range []string{s.BusinessType, s.Type} {
			bt := registry.BusinessType(strings.ToLower(strings.TrimSpace(v)))
			if bt.Valid() {
				return bt, true
			}
			switch bt {
			case "vision", "image":
				return registry.ImageAnalysis, true
			case "video":
				return registry.VideoAnalysis, true
			case "text", "llm":
				return registry.TextGeneration, true
			}
		}
	}
	return "", false
}
