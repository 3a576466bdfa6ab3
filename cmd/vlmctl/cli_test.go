package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	configPath string
	ggufDir    string
	modelsDir  string
}

// newEnv writes a config pointing every directory into t.TempDir().
func newEnv(t *testing.T, endpoint string) env {
	t.Helper()
	root := t.TempDir()
	t.Setenv("LONGBOW_VLM_CONFIG_DIR", filepath.Join(root, "config"))
	t.Setenv("OLLAMA_MODELS", filepath.Join(root, "ollama"))
	for _, k := range []string{"LONGBOW_VLM_LOG_LEVEL", "LONGBOW_VLM_MODELS_DIR", "LONGBOW_VLM_HF_ENDPOINT", "HF_TOKEN"} {
		t.Setenv(k, "")
	}

	if endpoint == "" {
		endpoint = "http://127.0.0.1:1"
	}
	modelsDir := filepath.Join(root, "models")
	body := fmt.Sprintf(`[paths]
models_dir = %q
temp_dir = %q

[download]
required_space_gb = 0
endpoint = %q
max_retries = 1
backoff = "1ms"

[log]
level = "error"
`, modelsDir, root, endpoint)

	path := filepath.Join(root, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return env{
		configPath: path,
		modelsDir:  modelsDir,
		ggufDir:    filepath.Join(modelsDir, "LLM", "GGUF"),
	}
}

func (e env) touch(t *testing.T, name string) {
	t.Helper()
	p := filepath.Join(e.ggufDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("not a real gguf"), 0o644))
}

func (e env) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func modelService(t *testing.T, ids ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		data := []map[string]string{}
		for _, id := range ids {
			data = append(data, map[string]string{"id": id})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseInputs(t *testing.T) {
	values, err := parseInputs([]string{
		"action=Force GC",
		"max_tokens=512",
		"enable_thinking=false",
		"model_config={\"mode\":\"remote\"}",
		"prompt=12 apples",
		"empty=",
	})
	require.NoError(t, err)

	assert.Equal(t, "Force GC", values["action"])
	assert.Equal(t, json.Number("512"), values["max_tokens"])
	assert.Equal(t, false, values["enable_thinking"])
	assert.Equal(t, map[string]any{"mode": "remote"}, values["model_config"])
	assert.Equal(t, "12 apples", values["prompt"])
	assert.Equal(t, "", values["empty"])

	_, err = parseInputs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseInputs([]string{"=x"})
	assert.Error(t, err)
}

func TestModelsCmd(t *testing.T) {
	e := newEnv(t, "")

	out, err := e.execute(t, "models")
	require.NoError(t, err)
	assert.Contains(t, out, "No models found in "+e.ggufDir)

	e.touch(t, "qwen3-4b-q4.gguf")
	e.touch(t, "llava-v1.6-7b.gguf")
	e.touch(t, "llava-v1.6-mmproj-f16.gguf")

	out, err = e.execute(t, "models")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "qwen3-4b-q4.gguf")
	assert.Contains(t, out, "llava-v1.6-7b.gguf")
	assert.Contains(t, out, "llava-v1.6-mmproj-f16.gguf", "projector shown beside its model")

	out, err = e.execute(t, "models", "--text")
	require.NoError(t, err)
	assert.Contains(t, out, "qwen3-4b-q4.gguf\n")
	assert.Contains(t, out, "Qwen3-4B-Instruct-2507 (Q4_K_M)\n")
	assert.NotContains(t, out, "llava")

	out, err = e.execute(t, "models", "--vision")
	require.NoError(t, err)
	assert.Contains(t, out, "llava-v1.6-7b.gguf\n")
	assert.Contains(t, out, "Qwen2.5-VL-7B-Instruct (Q4_K_M)\n")

	_, err = e.execute(t, "models", "--text", "--vision")
	assert.Error(t, err)
}

func TestClassifyCmd(t *testing.T) {
	e := newEnv(t, "")
	e.touch(t, "mistral-7b.gguf")
	require.NoError(t, os.WriteFile(filepath.Join(e.ggufDir, "mistral-7b.json"), []byte(`{"business_type":"image_analysis"}`), 0o644))

	out, err := e.execute(t, "classify", "--json", "mistral-7b.gguf", "qwen2.5-vl-3b.gguf", "Qwen3-4B-Instruct-2507-Q4_K_M.gguf", "phi-3.gguf")
	require.NoError(t, err)

	var got []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 4)

	assert.Equal(t, "vision", got[0]["kind"])
	assert.Equal(t, "sidecar", got[0]["source"])
	assert.Equal(t, "vision", got[1]["kind"])
	assert.Equal(t, "pattern", got[1]["source"])
	assert.Equal(t, "text", got[2]["kind"])
	assert.Equal(t, "catalog", got[2]["source"])
	assert.Equal(t, "text_generation", got[2]["business_type"])
	assert.Equal(t, "text", got[3]["kind"])
	assert.Equal(t, "default", got[3]["source"])

	out, err = e.execute(t, "classify", "phi-3.gguf")
	require.NoError(t, err)
	assert.Contains(t, out, "phi-3.gguf")
	assert.Contains(t, out, "text")

	_, err = e.execute(t, "classify")
	assert.Error(t, err)
}

func TestStatusCmd(t *testing.T) {
	e := newEnv(t, "")
	svc := modelService(t, "qwen3:4b", "llava:7b")

	out, err := e.execute(t, "status", "--base-url", svc.URL, "--api-type", "nexa")
	require.NoError(t, err)
	assert.Contains(t, out, "Nexa SDK service available at "+svc.URL)
	assert.Contains(t, out, "qwen3:4b")
	assert.Contains(t, out, "llava:7b")

	empty := modelService(t)
	out, err = e.execute(t, "status", "--base-url", empty.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "No models found")

	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	_, err = e.execute(t, "status", "--base-url", down.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service unavailable")

	_, err = e.execute(t, "status", "--api-type", "bogus")
	assert.Error(t, err)
	_, err = e.execute(t, "status", "--discover", "audio")
	assert.Error(t, err)
}

func TestDownloadCmd(t *testing.T) {
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/org/model-GGUF/resolve/main/model-Q4_K_M.gguf":
			_, _ = w.Write([]byte("weights"))
		case "/api/models/org/checkpoint":
			_, _ = w.Write([]byte(`{"siblings":[{"rfilename":"config.json"},{"rfilename":"README.md"}]}`))
		case "/org/checkpoint/resolve/main/config.json":
			_, _ = w.Write([]byte("{}"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer hub.Close()
	e := newEnv(t, hub.URL)

	out, err := e.execute(t, "download", "org/model-GGUF", "model-Q4_K_M.gguf")
	require.NoError(t, err)
	dest := filepath.Join(e.ggufDir, "model-Q4_K_M.gguf")
	assert.Equal(t, dest+"\n", out)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	out, err = e.execute(t, "download", "org/checkpoint", "--exclude", "*.md")
	require.NoError(t, err)
	checkpoint := filepath.Join(e.modelsDir, "LLM", "checkpoint")
	assert.Equal(t, checkpoint+"\n", out)
	assert.FileExists(t, filepath.Join(checkpoint, "config.json"))
	assert.NoFileExists(t, filepath.Join(checkpoint, "README.md"))

	_, err = e.execute(t, "download", "org/model-GGUF", "missing.gguf")
	assert.Error(t, err)
}

func TestNodesCmd(t *testing.T) {
	e := newEnv(t, "")

	out, err := e.execute(t, "nodes")
	require.NoError(t, err)
	for _, name := range []string{"MemoryManager", "TextGeneration", "RemoteVisionAnalysis", "VisionModelLoader"} {
		assert.Contains(t, out, name)
	}
}

func TestRunCmd(t *testing.T) {
	e := newEnv(t, "")

	out, err := e.execute(t, "run", "MemoryManager", "--input", "action=Force GC")
	require.NoError(t, err)
	assert.Contains(t, out, "Garbage collection complete")

	svc := modelService(t, "qwen3:4b")
	out, err = e.execute(t, "run", "RemoteAPIConfig", "-i", "base_url="+svc.URL, "-i", "api_type=Ollama", "-i", "model=qwen3:4b")
	require.NoError(t, err)
	assert.Contains(t, out, `"service_available": true`)
	assert.Contains(t, out, `"model_name": "qwen3:4b"`)

	_, err = e.execute(t, "run", "NoSuchNode")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node")

	_, err = e.execute(t, "run", "TextGeneration", "-i", "prompt=hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_config")
}
