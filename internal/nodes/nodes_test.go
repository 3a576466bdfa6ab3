package nodes

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-vlm/internal/config"
	"github.com/23skdu/longbow-vlm/internal/download"
	"github.com/23skdu/longbow-vlm/internal/engine"
	"github.com/23skdu/longbow-vlm/internal/events"
	"github.com/23skdu/longbow-vlm/internal/models"
	"github.com/23skdu/longbow-vlm/internal/registry"
	"github.com/23skdu/longbow-vlm/internal/remote"
	"github.com/23skdu/longbow-vlm/internal/runner"
)

// backend plays a chat-completion service and the inference servers the
// engines spawn.
type backend struct {
	*httptest.Server

	mu       sync.Mutex
	models   []string
	reply    string
	status   int
	requests []map[string]any
}

func newBackend(t *testing.T, models ...string) *backend {
	b := &backend{models: models, reply: "<think>pondering</think>\n  A red square.  "}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch r.URL.Path {
		case "/v1/models":
			data := []map[string]string{}
			for _, m := range b.models {
				data = append(data, map[string]string{"id": m, "object": "model"})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
		case "/v1/chat/completions":
			var body map[string]any
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &body)
			b.requests = append(b.requests, body)
			if b.status != 0 {
				w.WriteHeader(b.status)
				_, _ = io.WriteString(w, `{"error":"model crashed"}`)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": b.reply}}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) last(t *testing.T) map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.requests)
	return b.requests[len(b.requests)-1]
}

func (b *backend) respond(reply string) {
	b.mu.Lock()
	b.reply = reply
	b.mu.Unlock()
}

func (b *backend) fail(status int) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
}

type fakeRunner struct {
	cfg     runner.Config
	url     string
	started bool
	closed  bool
}

func (r *fakeRunner) Start(context.Context) error {
	r.started = true
	return nil
}
func (r *fakeRunner) WaitUntilReady(context.Context) error { return nil }
func (r *fakeRunner) BaseURL() string                      { return r.url }
func (r *fakeRunner) Running() bool                        { return r.started && !r.closed }
func (r *fakeRunner) Close() error {
	r.closed = true
	return nil
}

type runners struct {
	mu  sync.Mutex
	url string
	all []*fakeRunner
}

func (rs *runners) factory() runner.Factory {
	return func(cfg runner.Config) runner.Runner {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		r := &fakeRunner{cfg: cfg, url: rs.url}
		rs.all = append(rs.all, r)
		return r
	}
}

type fixture struct {
	deps    *Deps
	reg     *Registry
	backend *backend
	runners *runners
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := newBackend(t, "qwen3:4b", "llava:7b")
	rs := &runners{url: b.URL}

	cfg := config.Default()
	cfg.Paths.ModelsDir = t.TempDir()
	cfg.Paths.TempDir = t.TempDir()
	cfg.Download.RequiredSpaceGB = 0

	d := &Deps{
		Config:       cfg,
		Models:       models.NewLoader(cfg.GGUFDir(), registry.Default(), nil),
		Remote:       remote.NewPool(time.Minute),
		GGUF:         engine.NewGGUF(cfg.GGUF, rs.factory()),
		Transformers: engine.NewTransformers(cfg, nil, rs.factory()),
		Events:       events.NewHub(64),
	}
	return &fixture{deps: d, reg: Default(d), backend: b, runners: rs}
}

func (f *fixture) run(t *testing.T, node string, values map[string]any) Outputs {
	t.Helper()
	res, err := f.reg.Run(context.Background(), node, values)
	require.NoError(t, err)
	return res.Outputs
}

func (f *fixture) touch(t *testing.T, rel string) string {
	t.Helper()
	p := filepath.Join(f.deps.Models.Dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("gguf"), 0o644))
	f.deps.Models.Invalidate()
	return p
}

func testImage(t *testing.T, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, c)
		}
	}
	s, err := EncodeImage(img)
	require.NoError(t, err)
	return s
}

func closedURL() string {
	s := httptest.NewServer(http.NotFoundHandler())
	s.Close()
	return s.URL
}

func userContent(t *testing.T, body map[string]any) []any {
	t.Helper()
	msgs := body["messages"].([]any)
	last := msgs[len(msgs)-1].(map[string]any)
	assert.Equal(t, "user", last["role"])
	parts, ok := last["content"].([]any)
	require.True(t, ok, "multi-part content")
	return parts
}

func TestDefaultRegistry(t *testing.T) {
	f := newFixture(t)
	specs := f.reg.Specs()

	var names []string
	for _, s := range specs {
		names = append(names, s.Name)
		assert.NotEmpty(t, s.Outputs, s.Name)
		assert.True(t, strings.HasPrefix(s.Category, "🤖 GGUF-VLM/"), s.Name)
	}
	assert.Equal(t, []string{
		"MemoryManager",
		"MultiImageAnalysis",
		"NexaServiceStatus",
		"RemoteAPIConfig",
		"RemoteVisionAnalysis",
		"RemoteVisionModelConfig",
		"TextGeneration",
		"TextModelLoader",
		"VisionLanguageNode",
		"VisionLanguageNodeTransformers",
		"VisionModelLoader",
		"VisionModelLoaderTransformers",
	}, names)

	_, ok := f.reg.Get("TextGeneration")
	assert.True(t, ok)
	assert.ErrorIs(t, f.reg.Register(&MemoryManager{deps: f.deps}), ErrDuplicateNode)
}

func TestRegistryRunPublishesEvents(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.deps.Events.Subscribe()
	defer cancel()

	res, err := f.reg.Run(context.Background(), "MemoryManager", map[string]any{"action": ActionForceGC})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "MemoryManager", res.Node)
	require.Len(t, res.Outputs, 1)
	assert.Contains(t, res.Outputs[0], "Garbage collection complete")

	started := <-ch
	finished := <-ch
	assert.Equal(t, events.NodeStarted, started.Type)
	assert.Equal(t, events.NodeFinished, finished.Type)
	assert.Equal(t, res.RunID, finished.Payload.(map[string]any)["run_id"])
	assert.NotContains(t, finished.Payload.(map[string]any), "error")
}

func TestRegistryRunErrors(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.deps.Events.Subscribe()
	defer cancel()

	_, err := f.reg.Run(context.Background(), "NoSuchNode", nil)
	assert.ErrorIs(t, err, ErrUnknownNode)

	_, err = f.reg.Run(context.Background(), "TextGeneration", map[string]any{"prompt": "hi"})
	assert.ErrorIs(t, err, ErrMissingInput)
	assert.Contains(t, err.Error(), "model_config")

	<-ch
	finished := <-ch
	assert.Contains(t, finished.Payload.(map[string]any)["error"], "model_config")
}

func TestInputs(t *testing.T) {
	spec := Spec{Inputs: []Input{
		intInput("max_tokens", 512, 128, 1024, 1, ""),
		floatInput("temperature", 0.7, 0, 2, 0.1, ""),
		stringInput("prompt", "Describe.", "", true),
		boolInput("keep", true, ""),
		socketInput("model_config", TypeTextModel, true, ""),
	}}

	in := NewInputs(spec, map[string]any{})
	assert.Equal(t, 512, in.Int("max_tokens"))
	assert.Equal(t, 0.7, in.Float("temperature"))
	assert.Equal(t, "Describe.", in.String("prompt"))
	assert.True(t, in.Bool("keep"))
	assert.ErrorIs(t, in.Validate(), ErrMissingInput)

	in = NewInputs(spec, map[string]any{
		"max_tokens":   5000.0,
		"temperature":  "-1",
		"prompt":       "Hello",
		"keep":         "false",
		"model_config": map[string]any{"mode": "remote", "model_name": "qwen3:4b", "service_available": true},
	})
	assert.Equal(t, 1024, in.Int("max_tokens"), "clamped to max")
	assert.Equal(t, 0.0, in.Float("temperature"), "clamped to min")
	assert.Equal(t, "Hello", in.String("prompt"))
	assert.False(t, in.Bool("keep"))
	require.NoError(t, in.Validate())

	var cfg TextModelConfig
	require.NoError(t, in.Config("model_config", &cfg))
	assert.Equal(t, TextModelConfig{Mode: "remote", ModelName: "qwen3:4b", ServiceAvailable: true}, cfg)

	in = NewInputs(spec, map[string]any{"max_tokens": "many"})
	assert.Equal(t, 512, in.Int("max_tokens"), "malformed falls back to default")
	assert.ErrorIs(t, in.Config("model_config", &cfg), ErrMissingInput)
}

func TestInputsImages(t *testing.T) {
	red := testImage(t, color.RGBA{R: 255, A: 255})
	blue := testImage(t, color.RGBA{B: 255, A: 255})
	spec := Spec{Inputs: []Input{socketInput("image", TypeImage, false, "")}}

	imgs, err := NewInputs(spec, nil).Images("image")
	require.NoError(t, err)
	assert.Empty(t, imgs)

	imgs, err = NewInputs(spec, map[string]any{"image": "data:image/png;base64," + red}).Images("image")
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	r, _, _, _ := imgs[0].At(1, 1).RGBA()
	assert.Equal(t, uint32(0xffff), r)

	imgs, err = NewInputs(spec, map[string]any{"image": []any{red, blue}}).Images("image")
	require.NoError(t, err)
	assert.Len(t, imgs, 2)

	_, err = NewInputs(spec, map[string]any{"image": "not base64!"}).Images("image")
	assert.Error(t, err)
	_, err = NewInputs(spec, map[string]any{"image": []any{red, 7}}).Images("image")
	assert.Error(t, err)
}

func TestRemoteAPIConfig(t *testing.T) {
	f := newFixture(t)

	out := f.run(t, "RemoteAPIConfig", map[string]any{
		"base_url": f.backend.URL,
		"api_type": "Ollama",
		"model":    "(Click refresh)",
	})
	cfg := out[0].(TextModelConfig)
	assert.Equal(t, ModeRemote, cfg.Mode)
	assert.Equal(t, "ollama", cfg.APIType)
	assert.True(t, cfg.ServiceAvailable)
	assert.Equal(t, "qwen3:4b", cfg.ModelName, "first available model")
	assert.Equal(t, []string{"qwen3:4b", "llava:7b"}, cfg.AvailableModels)

	out = f.run(t, "RemoteAPIConfig", map[string]any{
		"base_url":      f.backend.URL,
		"api_type":      "Nexa SDK",
		"model":         "https://huggingface.co/prithivMLmods/Qwen3-4B-2507-abliterated-GGUF/blob/main/Qwen3-4B-Instruct-2507-abliterated-GGUF/Qwen3-4B-Instruct-2507-abliterated.Q8_0.gguf",
		"system_prompt": "Be brief.",
	})
	cfg = out[0].(TextModelConfig)
	assert.Equal(t, "nexa", cfg.APIType)
	assert.Equal(t, "prithivMLmods/Qwen3-4B-2507-abliterated-GGUF:Q8_0", cfg.ModelName)
	assert.Equal(t, "Be brief.", cfg.SystemPrompt)

	down := closedURL()
	out = f.run(t, "RemoteAPIConfig", map[string]any{"base_url": down, "api_type": "Nexa SDK", "model": "m"})
	cfg = out[0].(TextModelConfig)
	assert.False(t, cfg.ServiceAvailable)
	assert.Equal(t, "m", cfg.ModelName)
	assert.Equal(t, "⚠️  Nexa SDK service is not available at "+down, cfg.Error)
}

func TestSelectModel(t *testing.T) {
	assert.Equal(t, "mine", selectModel(" mine ", []string{"a"}))
	assert.Equal(t, "a", selectModel("", []string{"a", "b"}))
	assert.Equal(t, "a", selectModel("(refresh)", []string{"a"}))
	assert.Equal(t, "", selectModel("", []string{"(start the service)"}))
	assert.Equal(t, "", selectModel("", nil))
}

func TestNexaServiceStatus(t *testing.T) {
	f := newFixture(t)
	f.touch(t, "a.gguf")
	f.touch(t, "sub/b.gguf")

	out := f.run(t, "NexaServiceStatus", map[string]any{"base_url": f.backend.URL, "refresh": true})
	require.Len(t, out, 3)
	assert.Equal(t, strings.Join([]string{
		"Nexa SDK Service: " + f.backend.URL,
		"Models Directory: " + f.deps.Models.Dir,
		"",
		"✅ Service is AVAILABLE",
		"Found 2 remote model(s)",
		"Found 2 local model(s)",
	}, "\n"), out[0])
	assert.Equal(t, "  - qwen3:4b\n  - llava:7b", out[1])
	assert.Equal(t, "  - a.gguf\n  - sub/b.gguf", out[2])

	out = f.run(t, "NexaServiceStatus", map[string]any{"base_url": closedURL(), "models_dir": t.TempDir()})
	assert.Contains(t, out[0], "❌ Service is NOT AVAILABLE\nPlease make sure the service is running.\nFound 0 local model(s)")
	assert.Equal(t, "Service unavailable", out[1])
	assert.Equal(t, "  (none)", out[2])
}

func TestRemoteVisionModelConfig(t *testing.T) {
	f := newFixture(t)

	out := f.run(t, "RemoteVisionModelConfig", map[string]any{"base_url": f.backend.URL, "model": "llava:7b"})
	assert.Equal(t, RemoteVisionConfig{
		Mode:             ModeRemoteVision,
		BaseURL:          f.backend.URL,
		APIType:          "lmstudio",
		ModelName:        "llava:7b",
		SystemPrompt:     DefaultVisionSystemPrompt,
		ServiceAvailable: true,
	}, out[0])

	out = f.run(t, "RemoteVisionModelConfig", map[string]any{"base_url": f.backend.URL, "api_type": "OpenAI Compatible"})
	assert.Equal(t, "openai", out[0].(RemoteVisionConfig).APIType)

	assert.Equal(t, remote.LMStudio, visionAPIType("Nexa SDK"))
	assert.Equal(t, remote.Ollama, visionAPIType("Ollama"))
}

func TestRemoteVisionAnalysis(t *testing.T) {
	f := newFixture(t)
	cfg := RemoteVisionConfig{
		Mode: ModeRemoteVision, BaseURL: f.backend.URL, APIType: "lmstudio",
		ModelName: "llava:7b", SystemPrompt: "Describe precisely.", ServiceAvailable: true,
	}
	img := testImage(t, color.White)

	f.backend.respond("  A white square.\n")
	out := f.run(t, "RemoteVisionAnalysis", map[string]any{"model_config": cfg, "image": img, "prompt": "What is it?"})
	assert.Equal(t, "A white square.", out[0])

	body := f.backend.last(t)
	assert.Equal(t, "llava:7b", body["model"])
	assert.Equal(t, float64(1024), body["max_tokens"])
	assert.Equal(t, false, body["stream"])
	assert.NotContains(t, body, "top_k")
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	parts := userContent(t, body)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[0].(map[string]any)["type"])
	url := parts[0].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))
	assert.Equal(t, "What is it?", parts[1].(map[string]any)["text"])

	f.run(t, "RemoteVisionAnalysis", map[string]any{"model_config": cfg, "image": img, "max_tokens": -1})
	assert.Equal(t, float64(4096), f.backend.last(t)["max_tokens"])

	out = f.run(t, "RemoteVisionAnalysis", map[string]any{"model_config": cfg})
	assert.Equal(t, "❌ Please provide an input image", out[0])

	down := cfg
	down.ServiceAvailable = false
	out = f.run(t, "RemoteVisionAnalysis", map[string]any{"model_config": down, "image": img})
	assert.Equal(t, "❌ Service not available: "+f.backend.URL, out[0])

	f.backend.fail(http.StatusInternalServerError)
	out = f.run(t, "RemoteVisionAnalysis", map[string]any{"model_config": cfg, "image": img})
	assert.True(t, strings.HasPrefix(out[0].(string), "❌ Analysis failed: API request failed: 500"), out[0])
}

func TestTextGenerationRemote(t *testing.T) {
	f := newFixture(t)
	cfg := TextModelConfig{
		Mode: ModeRemote, BaseURL: f.backend.URL, APIType: "ollama",
		ModelName: "qwen3:4b", SystemPrompt: "Be brief.", ServiceAvailable: true,
	}

	out := f.run(t, "TextGeneration", map[string]any{"model_config": cfg, "prompt": "Say hi", "seed": 42})
	assert.Equal(t, "A red square.", out[0])

	body := f.backend.last(t)
	assert.Equal(t, "qwen3:4b", body["model"])
	assert.Equal(t, 1.1, body["repeat_penalty"])
	assert.Equal(t, float64(40), body["top_k"])
	assert.Equal(t, 0.9, body["top_p"])
	assert.Equal(t, float64(42), body["seed"])
	assert.Equal(t, float64(512), body["max_tokens"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Say hi", msgs[1].(map[string]any)["content"])

	out = f.run(t, "TextGeneration", map[string]any{"model_config": cfg, "prompt": "Say hi", "enable_thinking": true})
	assert.Equal(t, "<think>pondering</think>\n  A red square.", out[0])
	assert.NotContains(t, f.backend.last(t), "seed")

	cfg.ServiceAvailable = false
	cfg.Error = "⚠️  Ollama service is not available"
	_, err := f.reg.Run(context.Background(), "TextGeneration", map[string]any{"model_config": cfg})
	assert.ErrorIs(t, err, remote.ErrServiceUnavailable)

	cfg.ServiceAvailable = true
	cfg.ModelName = ""
	_, err = f.reg.Run(context.Background(), "TextGeneration", map[string]any{"model_config": cfg})
	assert.Error(t, err)

	cfg.Mode = "bogus"
	_, err = f.reg.Run(context.Background(), "TextGeneration", map[string]any{"model_config": cfg})
	assert.Error(t, err)
}

func TestTextModelLoaderAndLocalGeneration(t *testing.T) {
	f := newFixture(t)
	path := f.touch(t, "tiny-text-q4.gguf")

	out := f.run(t, "TextModelLoader", map[string]any{"model": "tiny-text-q4.gguf", "n_ctx": 4096})
	cfg := out[0].(TextModelConfig)
	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, path, cfg.ModelPath)
	assert.Equal(t, 4096, cfg.NCtx)
	assert.Equal(t, -1, cfg.NGPULayers)
	assert.True(t, f.deps.GGUF.IsLoaded(path))

	require.Len(t, f.runners.all, 1)
	assert.Equal(t, []string{"-m", path, "-c", "4096", "-ngl", "-1"}, f.runners.all[0].cfg.Args)

	out = f.run(t, "TextGeneration", map[string]any{"model_config": cfg, "prompt": "hello"})
	assert.Equal(t, "A red square.", out[0])
	assert.Len(t, f.runners.all, 1, "already loaded model is reused")
	assert.Equal(t, 1.1, f.backend.last(t)["repeat_penalty"])

	_, err := f.reg.Run(context.Background(), "TextModelLoader", map[string]any{"model": "absent.gguf"})
	assert.ErrorIs(t, err, models.ErrModelNotFound)
	_, err = f.reg.Run(context.Background(), "TextModelLoader", map[string]any{"model": models.HeaderLocalModels})
	assert.ErrorIs(t, err, models.ErrModelNotFound)
}

func TestTextModelLoaderDownloadsCatalogModel(t *testing.T) {
	f := newFixture(t)
	m, ok := f.deps.Models.Registry.Get("Qwen3-4B-Instruct-2507 (Q4_K_M)")
	require.True(t, ok)

	var requested atomic.Int32
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested.Add(1)
		if r.URL.Path != "/"+m.Repo+"/resolve/main/"+m.File {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, m.File, time.Time{}, strings.NewReader("weights"))
	}))
	defer hub.Close()

	dl := download.NewManager(f.deps.Config.Download)
	dl.Endpoint = hub.URL
	dl.Sleep = func(context.Context, time.Duration) error { return nil }
	f.deps.Downloads = dl

	out := f.run(t, "TextModelLoader", map[string]any{"model": m.Name})
	cfg := out[0].(TextModelConfig)
	assert.Equal(t, filepath.Join(f.deps.Models.Dir, m.File), cfg.ModelPath)
	assert.FileExists(t, cfg.ModelPath)
	assert.Equal(t, int32(1), requested.Load())

	// second load finds the file locally
	f.run(t, "TextModelLoader", map[string]any{"model": m.Name})
	assert.Equal(t, int32(1), requested.Load())
}

func TestCatalogModelWithoutDownloader(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Run(context.Background(), "TextModelLoader", map[string]any{"model": "Qwen3-4B-Instruct-2507 (Q4_K_M)"})
	assert.ErrorIs(t, err, models.ErrModelNotFound)
	assert.Empty(t, f.runners.all)
}

func TestVisionModelLoaderAndNode(t *testing.T) {
	f := newFixture(t)
	model := f.touch(t, "vl/llava-tiny-q4.gguf")
	proj := f.touch(t, "vl/llava-tiny-mmproj-f16.gguf")

	spec := (&VisionModelLoader{deps: f.deps}).Spec()
	mmproj, _ := spec.input("mmproj")
	assert.Equal(t, []string{autoDetectMMProj, "vl/llava-tiny-mmproj-f16.gguf"}, mmproj.Options)

	out := f.run(t, "VisionModelLoader", map[string]any{"model": "vl/llava-tiny-q4.gguf"})
	cfg := out[0].(VisionModelConfig)
	assert.Equal(t, model, cfg.ModelPath)
	assert.Equal(t, proj, cfg.MMProjPath)
	assert.Contains(t, f.runners.all[0].cfg.Args, "--mmproj")

	_, err := f.reg.Run(context.Background(), "VisionLanguageNode", map[string]any{"model_config": cfg})
	assert.ErrorIs(t, err, ErrMissingInput)

	f.backend.respond("A black square.")
	out = f.run(t, "VisionLanguageNode", map[string]any{
		"model_config":  cfg,
		"image":         testImage(t, color.Black),
		"prompt":        "What is shown?",
		"system_prompt": "You see images.",
		"max_tokens":    64,
	})
	assert.Equal(t, "A black square.", out[0])
	body := f.backend.last(t)
	assert.Equal(t, float64(64), body["max_tokens"])
	parts := userContent(t, body)
	assert.Equal(t, "image_url", parts[0].(map[string]any)["type"])
	assert.Len(t, f.runners.all, 1)
}

func TestVisionModelLoaderWithoutProjector(t *testing.T) {
	f := newFixture(t)
	f.touch(t, "llava-lonely.gguf")
	_, err := f.reg.Run(context.Background(), "VisionModelLoader", map[string]any{"model": "llava-lonely.gguf"})
	assert.ErrorIs(t, err, engine.ErrModelFileMissing)
	assert.Empty(t, f.runners.all)
}

func TestVisionModelLoaderProjectorChoice(t *testing.T) {
	f := newFixture(t)
	f.touch(t, "vl/llava-tiny-q4.gguf")
	f.touch(t, "vl/llava-tiny-mmproj-f16.gguf")
	other := f.touch(t, "shared/clip-mmproj-q8.gguf")
	outside := filepath.Join(filepath.Dir(f.deps.Models.Dir), "x.gguf")
	require.NoError(t, os.WriteFile(outside, []byte("gguf"), 0o644))

	for _, choice := range []string{"../x.gguf", outside, "vl/llava-tiny-q4.gguf", "missing-mmproj.gguf"} {
		_, err := f.reg.Run(context.Background(), "VisionModelLoader", map[string]any{
			"model":  "vl/llava-tiny-q4.gguf",
			"mmproj": choice,
		})
		assert.ErrorIs(t, err, engine.ErrModelFileMissing, choice)
	}
	assert.Empty(t, f.runners.all, "nothing started for rejected projectors")

	out := f.run(t, "VisionModelLoader", map[string]any{
		"model":  "vl/llava-tiny-q4.gguf",
		"mmproj": "shared/clip-mmproj-q8.gguf",
	})
	assert.Equal(t, other, out[0].(VisionModelConfig).MMProjPath)
	require.Len(t, f.runners.all, 1)
	assert.Contains(t, f.runners.all[0].cfg.Args, other)
}

func seedCheckpoint(t *testing.T, f *fixture, id string) {
	t.Helper()
	dir := f.deps.Transformers.CheckpointDir(id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range download.DefaultRequiredFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
}

func TestModelID(t *testing.T) {
	assert.Equal(t, "huihui-ai/Huihui-Qwen3-VL-8B-Instruct-abliterated", ModelID("Huihui-Qwen3-VL-8B-Instruct-abliterated"))
	assert.Equal(t, "qwen/Qwen3-VL-4B-Instruct", ModelID("Qwen3-VL-4B-Instruct"))
}

func TestTransformersNodes(t *testing.T) {
	f := newFixture(t)
	id := ModelID(TransformersModels[0])
	seedCheckpoint(t, f, id)

	out := f.run(t, "VisionModelLoaderTransformers", map[string]any{"keep_model_loaded": false})
	mc := out[0].(engine.ModelConfig)
	assert.Equal(t, id, mc.ModelID)
	assert.Equal(t, "none", mc.Quantization)
	assert.False(t, mc.KeepLoaded)
	_, loaded := f.deps.Transformers.Loaded()
	assert.True(t, loaded)

	f.backend.respond("Two frames of colour.")
	out = f.run(t, "VisionLanguageNodeTransformers", map[string]any{
		"model_config":  mc,
		"image":         []any{testImage(t, color.White), testImage(t, color.Black)},
		"prompt":        "What changes?",
		"system_prompt": "Watch closely.",
		"max_tokens":    4000,
		"temperature":   0.0,
	})
	assert.Equal(t, "Two frames of colour.", out[0])

	body := f.backend.last(t)
	assert.Equal(t, id, body["model"])
	assert.Equal(t, float64(1024), body["max_tokens"], "capped")
	assert.NotContains(t, body, "top_p", "greedy")
	parts := userContent(t, body)
	require.Len(t, parts, 3)
	for _, p := range parts[:2] {
		url := p.(map[string]any)["image_url"].(map[string]any)["url"].(string)
		assert.True(t, strings.HasPrefix(url, "file://"+filepath.ToSlash(f.deps.Config.Paths.TempDir)), url)
		assert.Contains(t, url, "_frame_")
	}
	assert.Equal(t, "Watch closely.\n\nWhat changes?", parts[2].(map[string]any)["text"])

	_, loaded = f.deps.Transformers.Loaded()
	assert.False(t, loaded, "unloaded when keep_loaded is false")
	left, err := os.ReadDir(f.deps.Config.Paths.TempDir)
	require.NoError(t, err)
	assert.Empty(t, left, "frame files removed")
}

func TestMultiImageAnalysis(t *testing.T) {
	f := newFixture(t)
	id := ModelID(TransformersModels[1])
	seedCheckpoint(t, f, id)
	mc := engine.ModelConfig{ModelName: TransformersModels[1], ModelID: id, Quantization: "none", Attention: "sdpa", KeepLoaded: true}

	_, err := f.reg.Run(context.Background(), "MultiImageAnalysis", map[string]any{"model_config": mc})
	assert.Error(t, err)

	f.backend.respond("The first is white, the second black.")
	out := f.run(t, "MultiImageAnalysis", map[string]any{
		"model_config": mc,
		"image_1":      testImage(t, color.White),
		"image_3":      testImage(t, color.Black),
		"prompt":       "Compare.",
	})
	assert.Equal(t, "The first is white, the second black.", out[0])

	parts := userContent(t, f.backend.last(t))
	require.Len(t, parts, 3)
	assert.Equal(t, multiImageInstruction+"\n\nCompare.", parts[2].(map[string]any)["text"])

	_, loaded := f.deps.Transformers.Loaded()
	assert.True(t, loaded, "loaded on demand and kept")
	left, _ := os.ReadDir(f.deps.Config.Paths.TempDir)
	assert.Empty(t, left)

	// inference failure still cleans up
	f.backend.fail(http.StatusInternalServerError)
	_, err = f.reg.Run(context.Background(), "MultiImageAnalysis", map[string]any{
		"model_config": mc,
		"video":        []any{testImage(t, color.White), testImage(t, color.White)},
	})
	assert.Error(t, err)
	left, _ = os.ReadDir(f.deps.Config.Paths.TempDir)
	assert.Empty(t, left)
}

func TestMemoryManager(t *testing.T) {
	f := newFixture(t)

	out := f.run(t, "MemoryManager", map[string]any{"action": ActionClearModels})
	assert.Equal(t, "ℹ️ No models currently loaded", out[0])

	f.touch(t, "a.gguf")
	f.run(t, "TextModelLoader", map[string]any{"model": "a.gguf"})
	require.Len(t, f.deps.GGUF.LoadedModels(), 1)

	ch, cancel := f.deps.Events.Subscribe()
	defer cancel()
	out = f.run(t, "MemoryManager", map[string]any{"action": ActionFull})
	status := out[0].(string)
	assert.Contains(t, status, "🗑️ Unloading 1 model(s)...\n   - a.gguf\n✅ All models unloaded")
	assert.Contains(t, status, "🧹 Garbage collection complete")
	assert.Contains(t, status, "🎮 GPU memory is released when model servers stop")
	assert.Empty(t, f.deps.GGUF.LoadedModels())
	assert.True(t, f.runners.all[0].closed)

	var types []events.Type
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []events.Type{events.NodeStarted, events.ModelUnloaded, events.NodeFinished}, types)

	_, err := f.reg.Run(context.Background(), "MemoryManager", map[string]any{"action": "Defragment"})
	assert.Error(t, err)
}
