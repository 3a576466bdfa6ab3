package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/23skdu/longbow-vlm/internal/config"
	"github.com/23skdu/longbow-vlm/internal/download"
	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/metrics"
	"github.com/23skdu/longbow-vlm/internal/remote"
	"github.com/23skdu/longbow-vlm/internal/runner"
)

const transformersEngine = "transformers"

// Quantization and attention choices offered by the loader node.
var (
	Quantizations = []string{"none", "4bit", "8bit"}
	Attentions    = []string{"eager", "sdpa", "flash_attention_2"}
)

// attentionBackends maps loader choices to the serving runtime's backend names.
var attentionBackends = map[string]string{
	"sdpa":              "TORCH_SDPA",
	"flash_attention_2": "FLASH_ATTN",
}

// ModelConfig describes a checkpoint and how to serve it. Two configs are
// interchangeable only when every field matches.
type ModelConfig struct {
	ModelName    string `json:"model_name"`
	ModelID      string `json:"model_id"`
	Quantization string `json:"quantization"`
	Attention    string `json:"attention"`
	MinPixels    int    `json:"min_pixels"`
	MaxPixels    int    `json:"max_pixels"`
	KeepLoaded   bool   `json:"keep_loaded"`
}

// Transformers serves at most one framework checkpoint at a time.
type Transformers struct {
	cfg        config.TransformersConfig
	dir        string
	mediaDir   string
	requiredGB float64
	downloads  *download.Manager
	newRunner  runner.Factory

	mu      sync.Mutex
	current *ModelConfig
	runner  runner.Runner
	client  *remote.Client
}

func NewTransformers(cfg config.Config, dl *download.Manager, factory runner.Factory) *Transformers {
	if factory == nil {
		factory = runner.NewFactory()
	}
	return &Transformers{
		cfg:        cfg.Transformers,
		dir:        cfg.TransformersDir(),
		mediaDir:   cfg.Paths.TempDir,
		requiredGB: cfg.Download.RequiredSpaceGB,
		downloads:  dl,
		newRunner:  factory,
	}
}

// MediaDir is the directory the server may read file:// images from.
func (e *Transformers) MediaDir() string {
	return e.mediaDir
}

// CheckpointDir is where modelID is stored locally.
func (e *Transformers) CheckpointDir(modelID string) string {
	return filepath.Join(e.dir, path.Base(modelID))
}

// Load makes mc the served model, downloading the checkpoint when key files
// are missing. An identical config already loaded is a no-op.
func (e *Transformers) Load(ctx context.Context, mc ModelConfig) error {
	if mc.ModelName == "" {
		mc.ModelName = mc.ModelID
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && *e.current == mc && e.runner != nil && e.runner.Running() {
		logger.Log.Info("Model already loaded", "model", mc.ModelName)
		return nil
	}
	if e.current != nil {
		e.unload()
	}

	err := e.load(ctx, mc)
	metrics.RecordEngineLoad(transformersEngine, err)
	if err != nil {
		logger.Log.Error("Failed to load model", "model", mc.ModelName, "error", err)
	}
	return err
}

func (e *Transformers) load(ctx context.Context, mc ModelConfig) error {
	checkpoint := e.CheckpointDir(mc.ModelID)

	if !download.CheckRepositoryIntegrity(checkpoint, download.DefaultRequiredFiles) {
		if e.downloads == nil {
			return fmt.Errorf("%w: %s", ErrModelFileMissing, checkpoint)
		}
		if _, err := download.CheckDiskSpace(checkpoint, e.requiredGB); err != nil {
			return err
		}
		if err := e.downloads.DownloadRepository(ctx, mc.ModelID, checkpoint, download.DefaultIgnorePatterns); err != nil {
			return fmt.Errorf("failed to download model %s: %w", mc.ModelID, err)
		}
	}

	fields := strings.Fields(e.cfg.ServerCommand)
	if len(fields) == 0 {
		return fmt.Errorf("transformers server command is empty")
	}
	args := append(append([]string{}, fields[1:]...), checkpoint, "--served-model-name", mc.ModelID)
	var env []string
	switch mc.Quantization {
	case "4bit", "8bit":
		args = append(args, "--quantization", "bitsandbytes")
	default:
		// attention only applies to unquantized weights
		if backend, ok := attentionBackends[mc.Attention]; ok {
			env = append(env, "VLLM_ATTENTION_BACKEND="+backend)
		}
	}
	if mc.MinPixels > 0 || mc.MaxPixels > 0 {
		kw, _ := json.Marshal(map[string]int{"min_pixels": mc.MinPixels, "max_pixels": mc.MaxPixels})
		args = append(args, "--mm-processor-kwargs", string(kw))
	}
	if e.mediaDir != "" {
		// frames are handed over as file:// URLs under the temp dir
		args = append(args, "--allowed-local-media-path", e.mediaDir)
	}

	logger.Log.Info("Loading model",
		"model", mc.ModelName,
		"location", checkpoint,
		"quantization", mc.Quantization,
		"attention", mc.Attention,
		"min_pixels", strconv.Itoa(mc.MinPixels),
		"max_pixels", strconv.Itoa(mc.MaxPixels))

	r := e.newRunner(runner.Config{
		Name:         fields[0],
		Command:      fields[0],
		Args:         args,
		Env:          env,
		StallTimeout: e.cfg.StartupTimeout.Duration,
	})
	if err := r.Start(ctx); err != nil {
		return err
	}
	if err := r.WaitUntilReady(ctx); err != nil {
		_ = r.Close()
		return err
	}

	cfg := mc
	e.current = &cfg
	e.runner = r
	e.client = remote.NewClient(r.BaseURL(), remote.OpenAI)
	logger.Log.Info("Model loaded", "model", mc.ModelName, "url", r.BaseURL())
	return nil
}

// Inference runs messages through the loaded model. top_p and top_k only
// apply when sampling (temperature > 0); a seed <= 0 is not sent.
func (e *Transformers) Inference(ctx context.Context, messages []openai.ChatCompletionMessage, s SamplerConfig) (string, error) {
	e.mu.Lock()
	client, current := e.client, e.current
	e.mu.Unlock()
	if client == nil || current == nil {
		return "", fmt.Errorf("%w: call Load first", ErrModelNotLoaded)
	}
	s = s.withDefaults()

	rp := s.RepPenalty
	req := remote.ChatRequest{
		Model:             current.ModelID,
		Messages:          messages,
		Temperature:       max(s.Temperature, 0),
		MaxTokens:         s.MaxTokens,
		TopP:              s.TopP,
		RepetitionPenalty: &rp,
		Greedy:            s.Temperature <= 0,
		Timeout:           remote.DefaultTimeout,
	}
	if s.TopK > 0 {
		topK := s.TopK
		req.TopK = &topK
	}
	if s.Seed > 0 {
		req.Extra = map[string]any{"seed": s.Seed}
	}
	logger.Log.Debug("Inference config",
		"temperature", s.Temperature,
		"max_tokens", s.MaxTokens,
		"top_p", s.TopP,
		"repetition_penalty", s.RepPenalty)

	start := time.Now()
	text, err := client.Complete(ctx, req)
	metrics.RecordInference(transformersEngine, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("inference failed: %w", err)
	}
	return text, nil
}

// Unload stops the served model, if any.
func (e *Transformers) Unload() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return false
	}
	e.unload()
	return true
}

func (e *Transformers) unload() {
	if e.runner != nil {
		if err := e.runner.Close(); err != nil {
			logger.Log.Warn("Failed to stop runner", "error", err)
		}
	}
	name := e.current.ModelName
	e.current, e.runner, e.client = nil, nil, nil
	metrics.RecordEngineUnload(transformersEngine, 1)
	logger.Log.Info("Model unloaded", "model", name)
}

// Loaded returns the config of the served model.
func (e *Transformers) Loaded() (ModelConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ModelConfig{}, false
	}
	return *e.current, true
}
