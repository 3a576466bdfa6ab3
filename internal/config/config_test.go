package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Download.MaxRetries != 3 {
		t.Errorf("expected MaxRetries 3, got %d", cfg.Download.MaxRetries)
	}
	if cfg.Download.MaxWorkers != 4 {
		t.Errorf("expected MaxWorkers 4, got %d", cfg.Download.MaxWorkers)
	}
	if cfg.Download.Backoff.Duration != 5*time.Second {
		t.Errorf("expected Backoff 5s, got %s", cfg.Download.Backoff)
	}
	if cfg.Download.RequiredSpaceGB != 10 {
		t.Errorf("expected RequiredSpaceGB 10, got %v", cfg.Download.RequiredSpaceGB)
	}
	if cfg.GGUF.NCtx != 8192 {
		t.Errorf("expected NCtx 8192, got %d", cfg.GGUF.NCtx)
	}
	if cfg.GGUF.NGPULayers != -1 {
		t.Errorf("expected NGPULayers -1, got %d", cfg.GGUF.NGPULayers)
	}
	if cfg.Remote.Timeout.Duration != 300*time.Second {
		t.Errorf("expected remote timeout 300s, got %s", cfg.Remote.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty models dir", func(c *Config) { c.Paths.ModelsDir = "" }, true},
		{"zero retries", func(c *Config) { c.Download.MaxRetries = 0 }, true},
		{"zero workers", func(c *Config) { c.Download.MaxWorkers = 0 }, true},
		{"negative backoff", func(c *Config) { c.Download.Backoff.Duration = -time.Second }, true},
		{"negative space", func(c *Config) { c.Download.RequiredSpaceGB = -1 }, true},
		{"bad endpoint", func(c *Config) { c.Download.Endpoint = "ftp://hub" }, true},
		{"zero ctx", func(c *Config) { c.GGUF.NCtx = 0 }, true},
		{"gpu layers below -1", func(c *Config) { c.GGUF.NGPULayers = -2 }, true},
		{"gpu layers zero", func(c *Config) { c.GGUF.NGPULayers = 0 }, false},
		{"empty server binary", func(c *Config) { c.GGUF.ServerBinary = "" }, true},
		{"blank transformers command", func(c *Config) { c.Transformers.ServerCommand = "  " }, true},
		{"unknown api type", func(c *Config) { c.Remote.APIType = "grpc" }, true},
		{"api type case", func(c *Config) { c.Remote.APIType = "LMStudio" }, false},
		{"zero timeout", func(c *Config) { c.Remote.Timeout.Duration = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GGUF.NCtx != 8192 {
		t.Errorf("expected default NCtx, got %d", cfg.GGUF.NCtx)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[paths]
models_dir = "/srv/models"

[download]
max_retries = 5
backoff = "2s"

[remote]
api_type = "lmstudio"
base_url = "http://127.0.0.1:1234"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.ModelsDir != "/srv/models" {
		t.Errorf("models dir = %q", cfg.Paths.ModelsDir)
	}
	if cfg.Download.MaxRetries != 5 {
		t.Errorf("max retries = %d", cfg.Download.MaxRetries)
	}
	if cfg.Download.Backoff.Duration != 2*time.Second {
		t.Errorf("backoff = %s", cfg.Download.Backoff)
	}
	// untouched keys keep their defaults
	if cfg.Download.MaxWorkers != 4 {
		t.Errorf("max workers = %d", cfg.Download.MaxWorkers)
	}
	if cfg.GGUFDir() != filepath.Join("/srv/models", "LLM", "GGUF") {
		t.Errorf("gguf dir = %q", cfg.GGUFDir())
	}
	if cfg.TransformersDir() != filepath.Join("/srv/models", "LLM") {
		t.Errorf("transformers dir = %q", cfg.TransformersDir())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[download]\nbackoff = \"soon\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed duration")
	}

	if err := os.WriteFile(path, []byte("[download]\nmax_workers = 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LONGBOW_VLM_MODELS_DIR", "/env/models")
	t.Setenv("LONGBOW_VLM_HF_ENDPOINT", "https://mirror.example/")
	t.Setenv("HF_TOKEN", "hf_secret")
	t.Setenv("LONGBOW_VLM_LLAMA_SERVER", "/opt/llama/llama-server")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.ModelsDir != "/env/models" {
		t.Errorf("models dir = %q", cfg.Paths.ModelsDir)
	}
	if cfg.Download.Endpoint != "https://mirror.example" {
		t.Errorf("endpoint = %q", cfg.Download.Endpoint)
	}
	if cfg.Download.Token != "hf_secret" {
		t.Errorf("token = %q", cfg.Download.Token)
	}
	if cfg.GGUF.ServerBinary != "/opt/llama/llama-server" {
		t.Errorf("server binary = %q", cfg.GGUF.ServerBinary)
	}
}

func TestPathResolution(t *testing.T) {
	t.Setenv("LONGBOW_VLM_CONFIG", "")
	t.Setenv("LONGBOW_VLM_CONFIG_DIR", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := Path(); got != filepath.Join("/xdg", "longbow-vlm", "config.toml") {
		t.Errorf("Path() = %q", got)
	}

	t.Setenv("LONGBOW_VLM_CONFIG_DIR", "/custom")
	if got := Dir(); got != "/custom" {
		t.Errorf("Dir() = %q", got)
	}

	t.Setenv("LONGBOW_VLM_CONFIG", "/etc/vlm.toml")
	if got := Path(); got != "/etc/vlm.toml" {
		t.Errorf("Path() = %q", got)
	}
}
