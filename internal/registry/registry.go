// Package registry holds the catalog of known downloadable models and the
// business type each one serves.
package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

type BusinessType string

const (
	TextGeneration BusinessType = "text_generation"
	ImageAnalysis  BusinessType = "image_analysis"
	VideoAnalysis  BusinessType = "video_analysis"
)

func (b BusinessType) Valid() bool {
	switch b {
	case TextGeneration, ImageAnalysis, VideoAnalysis:
		return true
	}
	return false
}

// IsVision is true for image and video analysis.
func (b BusinessType) IsVision() bool {
	return b == ImageAnalysis || b == VideoAnalysis
}

type Engine string

const (
	EngineGGUF         Engine = "gguf"
	EngineTransformers Engine = "transformers"
)

type Model struct {
	Name         string       `yaml:"name" json:"name"`
	BusinessType BusinessType `yaml:"business_type" json:"business_type"`
	Engine       Engine       `yaml:"engine" json:"engine"`
	Repo         string       `yaml:"repo" json:"repo"`
	File         string       `yaml:"file,omitempty" json:"file,omitempty"`
	MMProj       string       `yaml:"mmproj,omitempty" json:"mmproj,omitempty"`
	Description  string       `yaml:"description,omitempty" json:"description,omitempty"`
}

func (m Model) validate() error {
	switch {
	case m.Name == "":
		return errors.New("model name must not be empty")
	case !m.BusinessType.Valid():
		return fmt.Errorf("model %q: invalid business_type %q", m.Name, m.BusinessType)
	case m.Repo == "":
		return fmt.Errorf("model %q: repo must not be empty", m.Name)
	}
	switch m.Engine {
	case EngineGGUF:
		if m.File == "" {
			return fmt.Errorf("model %q: gguf entries need a file", m.Name)
		}
	case EngineTransformers:
	default:
		return fmt.Errorf("model %q: invalid engine %q", m.Name, m.Engine)
	}
	return nil
}

type catalog struct {
	Models []Model `yaml:"models"`
}

// Registry is an ordered, name-unique set of catalog entries.
type Registry struct {
	models []Model
	byName map[string]int
}

// Parse decodes a YAML catalog.
func Parse(data []byte) (*Registry, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	r := &Registry{byName: make(map[string]int, len(c.Models))}
	for _, m := range c.Models {
		if err := m.validate(); err != nil {
			return nil, err
		}
		r.put(m)
	}
	return r, nil
}

func (r *Registry) put(m Model) {
	if i, ok := r.byName[m.Name]; ok {
		r.models[i] = m
		return
	}
	r.byName[m.Name] = len(r.models)
	r.models = append(r.models, m)
}

// Default returns the embedded catalog.
func Default() *Registry {
	r, err := Parse(catalogYAML)
	if err != nil {
		panic("registry: invalid embedded catalog.yaml: " + err.Error())
	}
	return r
}

// Load returns the embedded catalog with the entries of the YAML file at
// overridePath merged over it. A missing file is not an error.
func Load(overridePath string) (*Registry, error) {
	r := Default()
	if overridePath == "" {
		return r, nil
	}
	data, err := os.ReadFile(overridePath)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	extra, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", overridePath, err)
	}
	for _, m := range extra.models {
		r.put(m)
	}
	return r, nil
}

func (r *Registry) All() []Model {
	out := make([]Model, len(r.models))
	copy(out, r.models)
	return out
}

func (r *Registry) Get(name string) (Model, bool) {
	i, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return Model{}, false
	}
	return r.models[i], true
}

// FindByFilename matches a local file (possibly a relative path) against the
// main and mmproj file names of every entry.
func (r *Registry) FindByFilename(filename string) (Model, bool) {
	base := strings.ToLower(filepath.Base(filepath.ToSlash(filename)))
	if base == "" || base == "." {
		return Model{}, false
	}
	for _, m := range r.models {
		if strings.ToLower(m.File) == base || (m.MMProj != "" && strings.ToLower(m.MMProj) == base) {
			return m, true
		}
	}
	return Model{}, false
}

// LocalChecker reports whether a model file is already on disk.
type LocalChecker interface {
	HasModel(filename string) bool
}

// Downloadable lists GGUF entries of the given business type whose main file
// is not present locally, in catalog order.
func (r *Registry) Downloadable(bt BusinessType, local LocalChecker) []Model {
	var out []Model
	for _, m := range r.models {
		if m.BusinessType != bt || m.Engine != EngineGGUF {
			continue
		}
		if local != nil && local.HasModel(m.File) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ByEngine lists entries served by the given engine, in catalog order.
func (r *Registry) ByEngine(e Engine) []Model {
	var out []Model
	for _, m := range r.models {
		if m.Engine == e {
			out = append(out, m)
		}
	}
	return out
}
