package gguf

import (
	"fmt"
	"strings"
)

// ProjectorArchitecture is the general.architecture of multimodal projector
// (mmproj) files.
const ProjectorArchitecture = "clip"

func (f *File) KVString(key string) string {
	s, _ := f.KV[key].(string)
	return s
}

func (f *File) Architecture() string {
	return strings.ToLower(f.KVString("general.architecture"))
}

func (f *File) Name() string {
	return f.KVString("general.name")
}

// ContextLength is the trained context window, or 0 when absent.
func (f *File) ContextLength() int {
	return int(getKVInt(f.KV, f.Architecture()+".context_length", "general.context_length"))
}

// FileType names the dominant quantization, e.g. "Q4_K_M".
func (f *File) FileType() string {
	if _, ok := f.KV["general.file_type"]; !ok {
		return ""
	}
	ft := uint32(getKVInt(f.KV, "general.file_type"))
	if name, ok := fileTypeNames[ft]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%d", ft)
}

// IsProjector reports whether the file is a vision projector rather than a
// language model.
func (f *File) IsProjector() bool {
	return f.Architecture() == ProjectorArchitecture
}

// HasVisionEncoder is true for projector files carrying an image encoder and
// for single-file multimodal models that embed one.
func (f *File) HasVisionEncoder() bool {
	if b, ok := f.KV["clip.has_vision_encoder"].(bool); ok {
		return b
	}
	arch := f.Architecture()
	if arch == "" {
		return false
	}
	for key := range f.KV {
		if strings.HasPrefix(key, arch+".vision.") {
			return true
		}
	}
	return false
}

// Summary is a compact description used by listings and logs.
type Summary struct {
	Path          string `json:"path"`
	SizeBytes     int64  `json:"size_bytes"`
	Version       uint32 `json:"version"`
	Architecture  string `json:"architecture"`
	Name          string `json:"name,omitempty"`
	FileType      string `json:"file_type,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
	TensorCount   uint64 `json:"tensor_count"`
	Projector     bool   `json:"projector"`
	Vision        bool   `json:"vision"`
}

func (f *File) Summary() Summary {
	return Summary{
		Path:          f.Path,
		SizeBytes:     f.Size,
		Version:       f.Header.Version,
		Architecture:  f.Architecture(),
		Name:          f.Name(),
		FileType:      f.FileType(),
		ContextLength: f.ContextLength(),
		TensorCount:   f.Header.TensorCount,
		Projector:     f.IsProjector(),
		Vision:        f.HasVisionEncoder(),
	}
}

func getKVInt(kv map[string]interface{}, keys ...string) uint64 {
	for _, key := range keys {
		if val, ok := kv[key]; ok {
			switch v := val.(type) {
			case uint64:
				return v
			case int64:
				return uint64(v)
			case uint32:
				return uint64(v)
			case int32:
				return uint64(v)
			case uint16:
				return uint64(v)
			case int16:
				return uint64(v)
			case uint8:
				return uint64(v)
			case int8:
				return uint64(v)
			case int:
				return uint64(v)
			}
		}
	}
	return 0
}
