package models

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/ollama"
	"github.com/23skdu/longbow-vlm/internal/registry"
)

// OllamaPrefix marks model references served from the local Ollama store.
const OllamaPrefix = "ollama:"

var ErrModelNotFound = errors.New("model not found")

// Ref is a model reference resolved to files on disk.
type Ref struct {
	Name       string
	Path       string
	MMProjPath string
}

// Loader lists and resolves GGUF files under a models directory.
type Loader struct {
	Dir      string
	Registry *registry.Registry
	Ollama   *ollama.Store

	mu         sync.Mutex
	valid      bool
	files      []string
	projectors []string
}

func NewLoader(dir string, reg *registry.Registry, store *ollama.Store) *Loader {
	if reg == nil {
		reg = registry.Default()
	}
	return &Loader{Dir: dir, Registry: reg, Ollama: store}
}

// IsProjectorName reports whether a file name looks like a multimodal
// projector rather than a language model.
func IsProjectorName(name string) bool {
	return strings.Contains(strings.ToLower(filepath.Base(name)), "mmproj")
}

// ListModels returns model files relative to Dir (slash separated, sorted),
// excluding projector files, followed by "ollama:" references when an Ollama
// store is configured.
func (l *Loader) ListModels() ([]string, error) {
	if err := l.scan(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	out := append([]string(nil), l.files...)
	l.mu.Unlock()

	if l.Ollama != nil {
		names, err := l.Ollama.List()
		if err != nil {
			logger.Log.Warn("Failed to list ollama models", "dir", l.Ollama.Dir, "error", err)
		}
		for _, n := range names {
			out = append(out, OllamaPrefix+n)
		}
	}
	return out, nil
}

// Projectors returns the projector files found under Dir.
func (l *Loader) Projectors() ([]string, error) {
	if err := l.scan(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.projectors...), nil
}

// Invalidate drops the cached listing.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.valid = false
	l.mu.Unlock()
}

func (l *Loader) scan() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.valid {
		return nil
	}

	var files, projectors []string
	err := filepath.WalkDir(l.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == l.Dir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".gguf") {
			return nil
		}
		rel, err := filepath.Rel(l.Dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if IsProjectorName(rel) {
			projectors = append(projectors, rel)
		} else {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", l.Dir, err)
	}

	sort.Strings(files)
	sort.Strings(projectors)
	l.files, l.projectors, l.valid = files, projectors, true
	logger.Log.Debug("Scanned model directory", "dir", l.Dir, "models", len(files), "projectors", len(projectors))
	return nil
}

// HasModel reports whether a file with the given base name is present.
func (l *Loader) HasModel(filename string) bool {
	if filename == "" || l.scan() != nil {
		return false
	}
	base := strings.ToLower(filepath.Base(filename))
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, set := range [][]string{l.files, l.projectors} {
		for _, f := range set {
			if strings.ToLower(filepath.Base(f)) == base {
				return true
			}
		}
	}
	return false
}

// Resolve maps a model reference to files on disk. Accepted forms are a path
// relative to Dir, a bare file name anywhere under Dir, an absolute path and
// "ollama:<name>[:tag]".
func (l *Loader) Resolve(name string) (*Ref, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty model name", ErrModelNotFound)
	}

	if strings.HasPrefix(name, OllamaPrefix) {
		if l.Ollama == nil {
			return nil, fmt.Errorf("%w: no ollama store configured for %s", ErrModelNotFound, name)
		}
		m, err := l.Ollama.Resolve(strings.TrimPrefix(name, OllamaPrefix))
		if err != nil {
			return nil, err
		}
		return &Ref{Name: name, Path: m.ModelPath, MMProjPath: m.ProjectorPath}, nil
	}

	var rel string
	switch {
	case filepath.IsAbs(name):
		if _, err := os.Stat(name); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
		}
		return &Ref{Name: name, Path: name, MMProjPath: l.projectorBeside(name)}, nil
	case fileExists(filepath.Join(l.Dir, filepath.FromSlash(name))):
		rel = filepath.ToSlash(name)
	default:
		found, ok := l.findByBase(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s in %s", ErrModelNotFound, name, l.Dir)
		}
		rel = found
	}

	ref := &Ref{Name: rel, Path: filepath.Join(l.Dir, filepath.FromSlash(rel))}
	if p := l.FindProjector(rel); p != "" {
		ref.MMProjPath = filepath.Join(l.Dir, filepath.FromSlash(p))
	}
	return ref, nil
}

func (l *Loader) findByBase(name string) (string, bool) {
	if l.scan() != nil {
		return "", false
	}
	base := strings.ToLower(filepath.Base(name))
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.files {
		if strings.ToLower(filepath.Base(f)) == base {
			return f, true
		}
	}
	return "", false
}

// FindProjector picks the projector for a model file (relative to Dir): the
// catalog's mmproj file when present, otherwise the projector in the same
// directory sharing the longest name prefix with the model.
func (l *Loader) FindProjector(modelRel string) string {
	projectors, err := l.Projectors()
	if err != nil || len(projectors) == 0 {
		return ""
	}

	if m, ok := l.Registry.FindByFilename(modelRel); ok && m.MMProj != "" {
		want := strings.ToLower(m.MMProj)
		for _, p := range projectors {
			if strings.ToLower(filepath.Base(p)) == want {
				return p
			}
		}
	}

	dir := filepath.ToSlash(filepath.Dir(modelRel))
	base := strings.ToLower(filepath.Base(modelRel))
	best, bestLen := "", -1
	for _, p := range projectors {
		if filepath.ToSlash(filepath.Dir(p)) != dir {
			continue
		}
		n := commonPrefixLen(base, strings.ToLower(filepath.Base(p)))
		if n > bestLen {
			best, bestLen = p, n
		}
	}
	return best
}

func (l *Loader) projectorBeside(path string) string {
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return ""
	}
	base := strings.ToLower(filepath.Base(path))
	best, bestLen := "", -1
	for _, e := range entries {
		if e.IsDir() || !IsProjectorName(e.Name()) || !strings.EqualFold(filepath.Ext(e.Name()), ".gguf") {
			continue
		}
		if n := commonPrefixLen(base, strings.ToLower(e.Name())); n > bestLen {
			best, bestLen = filepath.Join(filepath.Dir(path), e.Name()), n
		}
	}
	return best
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Watch invalidates the listing whenever GGUF files appear, disappear or are
// renamed under Dir. It blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = w.Close()
	}()

	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return err
	}
	if err := addTree(w, l.Dir); err != nil {
		return err
	}
	logger.Log.Debug("Watching model directory", "dir", l.Dir)

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			l.handleEvent(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Log.Warn("Model directory watcher error", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Loader) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addTree(w, ev.Name); err != nil {
				logger.Log.Warn("Failed to watch new directory", "path", ev.Name, "error", err)
			}
			l.Invalidate()
			return
		}
	}
	if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if !strings.EqualFold(filepath.Ext(ev.Name), ".gguf") {
		return
	}
	logger.Log.Debug("Model directory changed", "path", ev.Name, "op", ev.Op.String())
	l.Invalidate()
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
