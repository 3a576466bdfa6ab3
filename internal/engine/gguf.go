package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/23skdu/longbow-vlm/internal/config"
	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/metrics"
	"github.com/23skdu/longbow-vlm/internal/remote"
	"github.com/23skdu/longbow-vlm/internal/runner"
)

const ggufEngine = "gguf"

type LoadOptions struct {
	NCtx       int
	NGPULayers int
	MMProjPath string
	Verbose    bool
}

type loadedModel struct {
	path     string
	opts     LoadOptions
	runner   runner.Runner
	client   *remote.Client
	loadedAt time.Time
}

// GGUF keeps one llama-server per loaded model file.
type GGUF struct {
	cfg       config.GGUFConfig
	newRunner runner.Factory
	http      *http.Client

	mu      sync.Mutex
	models  map[string]*loadedModel
	loading map[string]chan struct{}
}

func NewGGUF(cfg config.GGUFConfig, factory runner.Factory) *GGUF {
	if factory == nil {
		factory = runner.NewFactory()
	}
	return &GGUF{
		cfg:       cfg,
		newRunner: factory,
		http:      &http.Client{},
		models:    make(map[string]*loadedModel),
		loading:   make(map[string]chan struct{}),
	}
}

func (e *GGUF) defaults(opts LoadOptions) LoadOptions {
	if opts.NCtx <= 0 {
		opts.NCtx = e.cfg.NCtx
	}
	if opts.NCtx <= 0 {
		opts.NCtx = 8192
	}
	if opts.NGPULayers == 0 {
		opts.NGPULayers = e.cfg.NGPULayers
	}
	opts.Verbose = opts.Verbose || e.cfg.Verbose
	return opts
}

// Load starts a server for modelPath. Loading a path whose server is still
// running is a no-op; a server that has exited is replaced. Concurrent loads
// of one path share a single start, and the engine lock is not held while
// the server comes up.
func (e *GGUF) Load(ctx context.Context, modelPath string, opts LoadOptions) error {
	opts = e.defaults(opts)

	done, err := e.reserve(ctx, modelPath)
	if err != nil || done == nil {
		return err
	}

	m, err := e.load(ctx, modelPath, opts)
	e.mu.Lock()
	if err == nil {
		e.models[modelPath] = m
	}
	delete(e.loading, modelPath)
	close(done)
	e.mu.Unlock()

	metrics.RecordEngineLoad(ggufEngine, err)
	if err != nil {
		logger.Log.Error("Failed to load model", "model", modelPath, "mmproj", opts.MMProjPath, "error", err)
		return err
	}
	return nil
}

// reserve marks modelPath as loading and returns the channel to close once
// the load settles. A nil channel means a running server already serves it.
func (e *GGUF) reserve(ctx context.Context, modelPath string) (chan struct{}, error) {
	for {
		e.mu.Lock()
		if m, ok := e.models[modelPath]; ok {
			if m.runner.Running() {
				e.mu.Unlock()
				logger.Log.Info("Model already loaded", "model", modelPath)
				return nil, nil
			}
			delete(e.models, modelPath)
			e.mu.Unlock()
			logger.Log.Warn("Model server exited, reloading", "model", modelPath)
			e.stop(m)
			metrics.RecordEngineUnload(ggufEngine, 1)
			continue
		}
		if pending, ok := e.loading[modelPath]; ok {
			e.mu.Unlock()
			select {
			case <-pending:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		e.loading[modelPath] = done
		e.mu.Unlock()
		return done, nil
	}
}

func (e *GGUF) load(ctx context.Context, modelPath string, opts LoadOptions) (*loadedModel, error) {
	info, err := os.Stat(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelFileMissing, modelPath)
	}
	logger.Log.Info("Loading model",
		"model", filepath.Base(modelPath),
		"size_gb", fmt.Sprintf("%.2f", float64(info.Size())/(1<<30)),
		"n_ctx", opts.NCtx,
		"n_gpu_layers", opts.NGPULayers,
		"verbose", opts.Verbose)

	args := []string{"-m", modelPath, "-c", strconv.Itoa(opts.NCtx), "-ngl", strconv.Itoa(opts.NGPULayers)}
	if opts.MMProjPath != "" {
		pinfo, err := os.Stat(opts.MMProjPath)
		if err != nil {
			return nil, fmt.Errorf("%w: mmproj %s", ErrModelFileMissing, opts.MMProjPath)
		}
		logger.Log.Info("Using projector", "mmproj", opts.MMProjPath, "size_mb", fmt.Sprintf("%.2f", float64(pinfo.Size())/(1<<20)))
		args = append(args, "--mmproj", opts.MMProjPath)
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	}

	r := e.newRunner(runner.Config{
		Name:         "llama-server",
		Command:      e.cfg.ServerBinary,
		Args:         args,
		StallTimeout: e.cfg.StartupTimeout.Duration,
	})
	if err := r.Start(ctx); err != nil {
		return nil, err
	}
	if err := r.WaitUntilReady(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}

	logger.Log.Info("Model loaded", "model", filepath.Base(modelPath), "url", r.BaseURL())
	return &loadedModel{
		path:     modelPath,
		opts:     opts,
		runner:   r,
		client:   remote.NewClient(r.BaseURL(), remote.OpenAI, remote.WithHTTPClient(e.http)),
		loadedAt: time.Now(),
	}, nil
}

// Unload stops the server of modelPath. Unknown paths are ignored.
func (e *GGUF) Unload(modelPath string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.models[modelPath]
	if !ok {
		return false
	}
	e.stop(m)
	delete(e.models, modelPath)
	metrics.RecordEngineUnload(ggufEngine, 1)
	return true
}

func (e *GGUF) stop(m *loadedModel) {
	if err := m.runner.Close(); err != nil {
		logger.Log.Warn("Failed to stop runner", "model", m.path, "error", err)
	}
	logger.Log.Info("Model unloaded", "model", filepath.Base(m.path))
}

func (e *GGUF) IsLoaded(modelPath string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.models[modelPath]
	return ok
}

func (e *GGUF) LoadedModels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.models))
	for p := range e.models {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ClearAll unloads every model and reports how many there were.
func (e *GGUF) ClearAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.models)
	for p, m := range e.models {
		e.stop(m)
		delete(e.models, p)
	}
	metrics.RecordEngineUnload(ggufEngine, n)
	return n
}

func (e *GGUF) get(modelPath string) (*loadedModel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.models[modelPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotLoaded, modelPath)
	}
	return m, nil
}

type completionRequest struct {
	Prompt        string  `json:"prompt"`
	NPredict      int     `json:"n_predict"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	Seed          int64   `json:"seed,omitempty"`
	Stream        bool    `json:"stream"`
}

type completionResponse struct {
	Content string `json:"content"`
}

// GenerateText runs a raw prompt completion.
func (e *GGUF) GenerateText(ctx context.Context, modelPath, prompt string, s SamplerConfig) (string, error) {
	m, err := e.get(modelPath)
	if err != nil {
		return "", err
	}
	s = s.withDefaults()

	body, err := json.Marshal(completionRequest{
		Prompt:        prompt,
		NPredict:      s.MaxTokens,
		Temperature:   s.Temperature,
		TopP:          s.TopP,
		TopK:          s.TopK,
		RepeatPenalty: s.RepPenalty,
		Seed:          max(s.Seed, 0),
	})
	if err != nil {
		return "", err
	}

	start := time.Now()
	defer func() { metrics.RecordInference(ggufEngine, time.Since(start)) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.runner.BaseURL()+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return "", fmt.Errorf("completion failed: %d %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding completion: %w", err)
	}
	return out.Content, nil
}

// GenerateWithImage asks a vision model about one image given as a URL
// (usually a data URL).
func (e *GGUF) GenerateWithImage(ctx context.Context, modelPath, imageURL, prompt string, s SamplerConfig) (string, error) {
	return e.Chat(ctx, modelPath, []openai.ChatCompletionMessage{remote.VisionMessage(prompt, imageURL)}, s)
}

// Chat runs a chat completion against the model's OpenAI-compatible endpoint.
func (e *GGUF) Chat(ctx context.Context, modelPath string, messages []openai.ChatCompletionMessage, s SamplerConfig) (string, error) {
	m, err := e.get(modelPath)
	if err != nil {
		return "", err
	}
	s = s.withDefaults()

	req := remote.ChatRequest{
		Model:       filepath.Base(modelPath),
		Messages:    messages,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
		TopP:        s.TopP,
		Timeout:     remote.DefaultTimeout,
		// llama-server takes its native sampler names on the OpenAI route
		Extra: map[string]any{"repeat_penalty": s.RepPenalty},
	}
	if s.TopK > 0 {
		req.Extra["top_k"] = s.TopK
	}
	if s.Seed > 0 {
		req.Extra["seed"] = s.Seed
	}

	start := time.Now()
	text, err := m.client.Complete(ctx, req)
	metrics.RecordInference(ggufEngine, time.Since(start))
	return text, err
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinking removes <think>...</think> reasoning blocks. A dangling
// closing tag, left when the chat template opened the block, drops
// everything before it.
func StripThinking(text string) string {
	text = thinkBlock.ReplaceAllString(text, "")
	if i := strings.LastIndex(text, "</think>"); i >= 0 {
		text = text[i+len("</think>"):]
	}
	if i := strings.Index(text, "<think>"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}
