package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the service configuration shared by the webui server and vlmctl.
type Config struct {
	Paths        PathsConfig        `toml:"paths"`
	Download     DownloadConfig     `toml:"download"`
	GGUF         GGUFConfig         `toml:"gguf"`
	Transformers TransformersConfig `toml:"transformers"`
	Remote       RemoteConfig       `toml:"remote"`
	Log          LogConfig          `toml:"log"`
}

type PathsConfig struct {
	// ModelsDir is the root of the host's model store.
	ModelsDir string `toml:"models_dir"`
	// GGUFSubdir and TransformersSubdir are relative to ModelsDir.
	GGUFSubdir         string `toml:"gguf_subdir"`
	TransformersSubdir string `toml:"transformers_subdir"`
	TempDir            string `toml:"temp_dir"`
}

type DownloadConfig struct {
	MaxRetries      int      `toml:"max_retries"`
	MaxWorkers      int      `toml:"max_workers"`
	Backoff         Duration `toml:"backoff"`
	RequiredSpaceGB float64  `toml:"required_space_gb"`
	Endpoint        string   `toml:"endpoint"`
	Token           string   `toml:"token"`
}

type GGUFConfig struct {
	ServerBinary   string   `toml:"server_binary"`
	NCtx           int      `toml:"n_ctx"`
	NGPULayers     int      `toml:"n_gpu_layers"`
	StartupTimeout Duration `toml:"startup_timeout"`
	Verbose        bool     `toml:"verbose"`
}

type TransformersConfig struct {
	// ServerCommand is split on whitespace; the checkpoint path is appended.
	ServerCommand  string   `toml:"server_command"`
	StartupTimeout Duration `toml:"startup_timeout"`
}

type RemoteConfig struct {
	BaseURL      string   `toml:"base_url"`
	APIType      string   `toml:"api_type"`
	ModelListTTL Duration `toml:"model_list_ttl"`
	Timeout      Duration `toml:"timeout"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration lets TOML files spell durations as "5s" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() Config {
	modelsDir := "models"
	if home, err := os.UserHomeDir(); err == nil {
		modelsDir = filepath.Join(home, "ComfyUI", "models")
	}
	return Config{
		Paths: PathsConfig{
			ModelsDir:          modelsDir,
			GGUFSubdir:         filepath.Join("LLM", "GGUF"),
			TransformersSubdir: "LLM",
			TempDir:            os.TempDir(),
		},
		Download: DownloadConfig{
			MaxRetries:      3,
			MaxWorkers:      4,
			Backoff:         Duration{5 * time.Second},
			RequiredSpaceGB: 10,
			Endpoint:        "https://huggingface.co",
		},
		GGUF: GGUFConfig{
			ServerBinary:   "llama-server",
			NCtx:           8192,
			NGPULayers:     -1,
			StartupTimeout: Duration{5 * time.Minute},
		},
		Transformers: TransformersConfig{
			ServerCommand:  "vllm serve",
			StartupTimeout: Duration{10 * time.Minute},
		},
		Remote: RemoteConfig{
			BaseURL:      "http://127.0.0.1:11434",
			APIType:      "ollama",
			ModelListTTL: Duration{30 * time.Second},
			Timeout:      Duration{300 * time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func (c *Config) Validate() error {
	if c.Paths.ModelsDir == "" {
		return errors.New("paths.models_dir must not be empty")
	}
	if c.Download.MaxRetries <= 0 {
		return fmt.Errorf("invalid download.max_retries: %d (must be positive)", c.Download.MaxRetries)
	}
	if c.Download.MaxWorkers <= 0 {
		return fmt.Errorf("invalid download.max_workers: %d (must be positive)", c.Download.MaxWorkers)
	}
	if c.Download.Backoff.Duration < 0 {
		return fmt.Errorf("invalid download.backoff: %s (must be non-negative)", c.Download.Backoff)
	}
	if c.Download.RequiredSpaceGB < 0 {
		return fmt.Errorf("invalid download.required_space_gb: %g (must be non-negative)", c.Download.RequiredSpaceGB)
	}
	if !strings.HasPrefix(c.Download.Endpoint, "http://") && !strings.HasPrefix(c.Download.Endpoint, "https://") {
		return fmt.Errorf("invalid download.endpoint: %q (must be an http(s) URL)", c.Download.Endpoint)
	}
	if c.GGUF.NCtx <= 0 {
		return fmt.Errorf("invalid gguf.n_ctx: %d (must be positive)", c.GGUF.NCtx)
	}
	if c.GGUF.NGPULayers < -1 {
		return fmt.Errorf("invalid gguf.n_gpu_layers: %d (must be >= -1)", c.GGUF.NGPULayers)
	}
	if c.GGUF.ServerBinary == "" {
		return errors.New("gguf.server_binary must not be empty")
	}
	if len(strings.Fields(c.Transformers.ServerCommand)) == 0 {
		return errors.New("transformers.server_command must not be empty")
	}
	switch strings.ToLower(c.Remote.APIType) {
	case "ollama", "nexa", "lmstudio", "openai":
	default:
		return fmt.Errorf("invalid remote.api_type: %q", c.Remote.APIType)
	}
	if c.Remote.Timeout.Duration <= 0 {
		return fmt.Errorf("invalid remote.timeout: %s (must be positive)", c.Remote.Timeout)
	}
	return nil
}

// GGUFDir is where local GGUF files live.
func (c *Config) GGUFDir() string {
	return filepath.Join(c.Paths.ModelsDir, c.Paths.GGUFSubdir)
}

// TransformersDir is where framework checkpoints are downloaded to.
func (c *Config) TransformersDir() string {
	return filepath.Join(c.Paths.ModelsDir, c.Paths.TransformersSubdir)
}

// Dir resolves the config directory:
// $LONGBOW_VLM_CONFIG_DIR > $XDG_CONFIG_HOME/longbow-vlm > ~/.config/longbow-vlm
func Dir() string {
	if dir := os.Getenv("LONGBOW_VLM_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "longbow-vlm")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "longbow-vlm-config")
	}
	return filepath.Join(home, ".config", "longbow-vlm")
}

// Path returns $LONGBOW_VLM_CONFIG when set, else config.toml under Dir.
func Path() string {
	if p := os.Getenv("LONGBOW_VLM_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.toml")
}

// Load reads the TOML file at path over the defaults, applies environment
// overrides and validates. A missing file is not an error. An empty path
// means Path().
func Load(path string) (Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LONGBOW_VLM_MODELS_DIR"); v != "" {
		c.Paths.ModelsDir = v
	}
	if v := os.Getenv("LONGBOW_VLM_HF_ENDPOINT"); v != "" {
		c.Download.Endpoint = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("HF_TOKEN"); v != "" {
		c.Download.Token = v
	}
	if v := os.Getenv("LONGBOW_VLM_LLAMA_SERVER"); v != "" {
		c.GGUF.ServerBinary = v
	}
	if v := os.Getenv("LONGBOW_VLM_TRANSFORMERS_SERVER"); v != "" {
		c.Transformers.ServerCommand = v
	}
	if v := os.Getenv("LONGBOW_VLM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}
