package nodes

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-vlm/internal/config"
	"github.com/23skdu/longbow-vlm/internal/download"
	"github.com/23skdu/longbow-vlm/internal/engine"
	"github.com/23skdu/longbow-vlm/internal/events"
	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/models"
	"github.com/23skdu/longbow-vlm/internal/ollama"
	"github.com/23skdu/longbow-vlm/internal/registry"
	"github.com/23skdu/longbow-vlm/internal/remote"
	"github.com/23skdu/longbow-vlm/internal/runner"
)

// Config modes.
const (
	ModeRemote       = "remote"
	ModeRemoteVision = "remote_vision"
	ModeLocal        = "local"
)

// TextModelConfig flows through TEXT_MODEL sockets. Remote configs name a
// chat-completion service; local configs name a loaded GGUF file.
type TextModelConfig struct {
	Mode             string   `json:"mode"`
	BaseURL          string   `json:"base_url,omitempty"`
	APIType          string   `json:"api_type,omitempty"`
	ModelName        string   `json:"model_name"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	ServiceAvailable bool     `json:"service_available"`
	Error            string   `json:"error,omitempty"`
	AvailableModels  []string `json:"available_models,omitempty"`
	ModelPath        string   `json:"model_path,omitempty"`
	NCtx             int      `json:"n_ctx,omitempty"`
	NGPULayers       int      `json:"n_gpu_layers,omitempty"`
}

type RemoteVisionConfig struct {
	Mode             string `json:"mode"`
	BaseURL          string `json:"base_url"`
	APIType          string `json:"api_type"`
	ModelName        string `json:"model_name"`
	SystemPrompt     string `json:"system_prompt"`
	ServiceAvailable bool   `json:"service_available"`
}

// VisionModelConfig flows through VISION_MODEL sockets.
type VisionModelConfig struct {
	Mode       string `json:"mode"`
	ModelName  string `json:"model_name"`
	ModelPath  string `json:"model_path"`
	MMProjPath string `json:"mmproj_path"`
	NCtx       int    `json:"n_ctx,omitempty"`
	NGPULayers int    `json:"n_gpu_layers,omitempty"`
}

// Deps are the services nodes run against.
type Deps struct {
	Config       config.Config
	Models       *models.Loader
	Downloads    *download.Manager
	Remote       *remote.Pool
	GGUF         *engine.GGUF
	Transformers *engine.Transformers
	Events       *events.Hub
}

// CatalogFile is the optional user catalog merged over the embedded one.
const CatalogFile = "catalog.yaml"

// NewDeps wires the services for cfg. Download progress is published on hub;
// a nil hub drops events.
func NewDeps(cfg config.Config, hub *events.Hub) (*Deps, error) {
	reg, err := registry.Load(filepath.Join(config.Dir(), CatalogFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load model catalog: %w", err)
	}

	store, err := ollama.DefaultStore()
	if err != nil {
		logger.Log.Warn("Ollama store unavailable", "error", err)
	}

	dl := download.NewManager(cfg.Download)
	dl.OnProgress = func(p download.Progress) {
		hub.Emit(events.DownloadProgress, p)
	}

	factory := runner.NewFactory()
	return &Deps{
		Config:       cfg,
		Models:       models.NewLoader(cfg.GGUFDir(), reg, store),
		Downloads:    dl,
		Remote:       remote.NewPool(cfg.Remote.ModelListTTL.Duration),
		GGUF:         engine.NewGGUF(cfg.GGUF, factory),
		Transformers: engine.NewTransformers(cfg, dl, factory),
		Events:       hub,
	}, nil
}

// Close stops every model server.
func (d *Deps) Close() {
	if n := d.GGUF.ClearAll(); n > 0 {
		logger.Log.Info("Stopped GGUF model servers", "count", n)
	}
	d.Transformers.Unload()
}

// Default registers every node against d.
func Default(d *Deps) *Registry {
	r := NewRegistry(d.Events)
	for _, n := range []Node{
		&RemoteAPIConfig{deps: d},
		&NexaServiceStatus{deps: d},
		&RemoteVisionModelConfig{deps: d},
		&RemoteVisionAnalysis{deps: d},
		&TextModelLoader{deps: d},
		&TextGeneration{deps: d},
		&VisionModelLoader{deps: d},
		&VisionLanguageNode{deps: d},
		&VisionModelLoaderTransformers{deps: d},
		&VisionLanguageNodeTransformers{deps: d},
		&MultiImageAnalysis{deps: d},
		&MemoryManager{deps: d},
	} {
		if err := r.Register(n); err != nil {
			panic(err)
		}
	}
	return r
}

// localModel resolves a dropdown entry to files on disk. Catalog entries and
// hub file URLs that are not present yet are downloaded into the GGUF
// directory first; the catalog's projector comes along when withProjector is
// set.
func (d *Deps) localModel(ctx context.Context, name string, withProjector bool) (*models.Ref, error) {
	name = strings.TrimSpace(name)
	if isPlaceholder(name) {
		return nil, fmt.Errorf("%w: select a model", models.ErrModelNotFound)
	}

	if m, ok := d.Models.Registry.Get(name); ok && m.File != "" {
		files := []string{m.File}
		if withProjector && m.MMProj != "" {
			files = append(files, m.MMProj)
		}
		for _, f := range files {
			if d.Models.HasModel(f) {
				continue
			}
			if err := d.fetch(ctx, m.Repo, f); err != nil {
				return nil, err
			}
		}
		name = m.File
	} else if hf, err := models.ParseHubFileURL(name); err == nil {
		if !d.Models.HasModel(hf.Path) {
			if err := d.fetch(ctx, hf.Repo, hf.Path); err != nil {
				return nil, err
			}
		}
		name = hf.Path
	}
	return d.Models.Resolve(name)
}

func (d *Deps) fetch(ctx context.Context, repo, file string) error {
	if d.Downloads == nil {
		return fmt.Errorf("%w: %s (downloads disabled)", models.ErrModelNotFound, file)
	}
	dir := d.Models.Dir
	if _, err := download.CheckDiskSpace(dir, d.Config.Download.RequiredSpaceGB); err != nil {
		return err
	}
	logger.Log.Info("Model not found locally, downloading", "repo", repo, "file", file)
	if _, err := d.Downloads.DownloadFile(ctx, repo, file, dir); err != nil {
		return fmt.Errorf("failed to download %s: %w", file, err)
	}
	d.Models.Invalidate()
	return nil
}
