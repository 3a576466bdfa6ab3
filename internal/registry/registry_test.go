package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type localSet map[string]bool

func (l localSet) HasModel(name string) bool { return l[name] }

func TestDefaultCatalogIsValid(t *testing.T) {
	r := Default()
	all := r.All()
	require.NotEmpty(t, all)

	seen := map[BusinessType]bool{}
	for _, m := range all {
		seen[m.BusinessType] = true
	}
	assert.True(t, seen[TextGeneration])
	assert.True(t, seen[ImageAnalysis])
	assert.True(t, seen[VideoAnalysis])
}

func TestFindByFilename(t *testing.T) {
	r := Default()

	m, ok := r.FindByFilename("Qwen2.5-VL-7B-Instruct-Q4_K_M.gguf")
	require.True(t, ok)
	assert.Equal(t, ImageAnalysis, m.BusinessType)

	m, ok = r.FindByFilename("sub/dir/QWEN2.5-VL-7B-INSTRUCT-MMPROJ-F16.GGUF")
	require.True(t, ok, "mmproj names and nested paths should match case-insensitively")
	assert.Equal(t, "Qwen2.5-VL-7B-Instruct (Q4_K_M)", m.Name)

	_, ok = r.FindByFilename("my-own-finetune.gguf")
	assert.False(t, ok)

	_, ok = r.FindByFilename("")
	assert.False(t, ok)
}

func TestDownloadable(t *testing.T) {
	r := Default()

	images := r.Downloadable(ImageAnalysis, nil)
	require.NotEmpty(t, images)
	for _, m := range images {
		assert.Equal(t, ImageAnalysis, m.BusinessType)
		assert.Equal(t, EngineGGUF, m.Engine, "transformers checkpoints are not offered in GGUF lists")
	}

	local := localSet{images[0].File: true}
	filtered := r.Downloadable(ImageAnalysis, local)
	assert.Len(t, filtered, len(images)-1)
	for _, m := range filtered {
		assert.NotEqual(t, images[0].Name, m.Name)
	}
}

func TestParseRejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "models:\n  - business_type: text_generation\n    engine: gguf\n    repo: a/b\n    file: x.gguf\n"},
		{"bad business type", "models:\n  - name: x\n    business_type: audio\n    engine: gguf\n    repo: a/b\n    file: x.gguf\n"},
		{"gguf without file", "models:\n  - name: x\n    business_type: text_generation\n    engine: gguf\n    repo: a/b\n"},
		{"bad engine", "models:\n  - name: x\n    business_type: text_generation\n    engine: onnx\n    repo: a/b\n"},
		{"missing repo", "models:\n  - name: x\n    business_type: text_generation\n    engine: transformers\n"},
		{"not yaml", "models: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMergesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	body := `models:
  - name: Qwen2.5-7B-Instruct (Q4_K_M)
    business_type: text_generation
    engine: gguf
    repo: mirror/Qwen2.5-7B-Instruct-GGUF
    file: qwen2.5-7b-instruct-q4_k_m.gguf
  - name: Local Llava
    business_type: image_analysis
    engine: gguf
    repo: me/llava
    file: llava-local.gguf
    mmproj: llava-local-mmproj.gguf
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	base := Default()
	r, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, r.All(), len(base.All())+1)

	m, ok := r.Get("Qwen2.5-7B-Instruct (Q4_K_M)")
	require.True(t, ok)
	assert.Equal(t, "mirror/Qwen2.5-7B-Instruct-GGUF", m.Repo)

	m, ok = r.FindByFilename("llava-local-mmproj.gguf")
	require.True(t, ok)
	assert.Equal(t, "Local Llava", m.Name)
}

func TestLoadMissingOverride(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, len(Default().All()), len(r.All()))

	r, err = Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, r.All())
}

func TestByEngineAndBusinessType(t *testing.T) {
	r := Default()
	for _, m := range r.ByEngine(EngineTransformers) {
		assert.Equal(t, EngineTransformers, m.Engine)
		assert.True(t, m.BusinessType.IsVision())
	}
	assert.False(t, TextGeneration.IsVision())
	assert.False(t, BusinessType("audio").Valid())
}
