package ollama

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	DefaultTag         = "latest"
	DefaultRegistry    = "registry.ollama.ai"
	DefaultNamespace   = "library"
	MediaTypeModel     = "application/vnd.ollama.image.model"
	MediaTypeProjector = "application/vnd.ollama.image.projector"
)

var ErrModelNotFound = errors.New("ollama model not found")

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Model is a locally pulled Ollama model resolved to GGUF blobs.
type Model struct {
	Name          string
	ModelPath     string
	ProjectorPath string
	Size          int64
}

// Store reads the on-disk layout written by `ollama pull`.
type Store struct {
	Dir string
}

// DefaultDir is $OLLAMA_MODELS or ~/.ollama/models.
func DefaultDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

func DefaultStore() (*Store, error) {
	dir, err := DefaultDir()
	if err != nil {
		return nil, err
	}
	return &Store{Dir: dir}, nil
}

// ParseName splits "llava", "llava:13b" or "user/llava:13b" into a manifest
// namespace, repository and tag.
func ParseName(name string) (namespace, repo, tag string) {
	namespace, tag = DefaultNamespace, DefaultTag
	repo = strings.TrimSpace(name)
	if i := strings.LastIndex(repo, ":"); i > 0 && !strings.Contains(repo[i:], "/") {
		repo, tag = repo[:i], repo[i+1:]
	}
	if i := strings.Index(repo, "/"); i > 0 {
		namespace, repo = repo[:i], repo[i+1:]
	}
	return namespace, repo, tag
}

func (s *Store) manifestPath(name string) string {
	namespace, repo, tag := ParseName(name)
	return filepath.Join(s.Dir, "manifests", DefaultRegistry, namespace, repo, tag)
}

func (s *Store) blobPath(digest string) string {
	// "sha256:abc" is stored as "sha256-abc"
	return filepath.Join(s.Dir, "blobs", strings.Replace(digest, ":", "-", 1))
}

// Resolve finds the model blob and, when present, the vision projector blob.
func (s *Store) Resolve(name string) (*Model, error) {
	path := s.manifestPath(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: manifest %s", ErrModelNotFound, path)
		}
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	model := &Model{Name: name}
	for _, l := range m.Layers {
		switch l.MediaType {
		case MediaTypeModel:
			model.ModelPath = s.blobPath(l.Digest)
			model.Size = l.Size
		case MediaTypeProjector:
			model.ProjectorPath = s.blobPath(l.Digest)
		}
	}
	if model.ModelPath == "" {
		return nil, fmt.Errorf("no model layer found in manifest %s", path)
	}
	if _, err := os.Stat(model.ModelPath); err != nil {
		return nil, fmt.Errorf("model blob not found at %s: %w", model.ModelPath, err)
	}
	if model.ProjectorPath != "" {
		if _, err := os.Stat(model.ProjectorPath); err != nil {
			model.ProjectorPath = ""
		}
	}
	return model, nil
}

// List returns "repo:tag" names for every pulled model in the default
// namespace and "namespace/repo:tag" for others, sorted.
func (s *Store) List() ([]string, error) {
	root := filepath.Join(s.Dir, "manifests", DefaultRegistry)
	var names []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		name := parts[1] + ":" + parts[2]
		if parts[0] != DefaultNamespace {
			name = parts[0] + "/" + name
		}
		names = append(names, name)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// ResolveModelPath resolves name against the default store.
func ResolveModelPath(name string) (string, error) {
	s, err := DefaultStore()
	if err != nil {
		return "", err
	}
	m, err := s.Resolve(name)
	if err != nil {
		return "", err
	}
	return m.ModelPath, nil
}
