package models

import (
	"github.com/23skdu/longbow-vlm/internal/registry"
)

// Section headers of the categorised vision dropdown.
const (
	HeaderImageModels = "--- 🖼️ Image analysis ---"
	HeaderVideoModels = "--- 🎥 Video analysis ---"
	HeaderLocalModels = "--- 💾 Local models ---"
)

// IsHeader reports whether a dropdown entry is a section header.
func IsHeader(entry string) bool {
	switch entry {
	case HeaderImageModels, HeaderVideoModels, HeaderLocalModels:
		return true
	}
	return false
}

// VisionModelList builds the categorised vision dropdown: downloadable image
// models, downloadable video models, then local files that are vision models
// or unknown to the catalog. Empty groups get no header.
func (l *Loader) VisionModelList() ([]string, error) {
	all, err := l.ListModels()
	if err != nil {
		return nil, err
	}

	var local []string
	for _, f := range all {
		m, ok := l.Registry.FindByFilename(f)
		if !ok || m.BusinessType.IsVision() {
			local = append(local, f)
		}
	}

	images := l.Registry.Downloadable(registry.ImageAnalysis, l)
	videos := l.Registry.Downloadable(registry.VideoAnalysis, l)

	var out []string
	seen := map[string]bool{}
	add := func(header string, names []string) {
		var fresh []string
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				fresh = append(fresh, n)
			}
		}
		if len(fresh) == 0 {
			return
		}
		out = append(out, header)
		out = append(out, fresh...)
	}
	add(HeaderImageModels, names(images))
	add(HeaderVideoModels, names(videos))
	add(HeaderLocalModels, local)
	return out, nil
}

// TextModelList lists local text models followed by downloadable text
// models.
func (l *Loader) TextModelList() ([]string, error) {
	all, err := l.ListModels()
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []string
	for _, f := range all {
		if l.Classify(f).Kind == KindText && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, n := range names(l.Registry.Downloadable(registry.TextGeneration, l)) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

func names(ms []registry.Model) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Name)
	}
	return out
}
