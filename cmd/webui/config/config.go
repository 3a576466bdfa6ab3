package config

import "strings"

// Config holds the HTTP server settings. Model, engine and download settings
// come from the shared TOML file named by ConfigPath.
type Config struct {
	Port           int
	MetricsPort    int
	Host           string
	APIKey         string
	AllowedOrigins []string
	// RequestsPerMinute limits each API key; 0 disables the limit.
	RequestsPerMinute int
	ConfigPath        string
}

func DefaultConfig() Config {
	return Config{
		Port:        8188,
		MetricsPort: 9090,
		Host:        "127.0.0.1",
	}
}

// ParseOrigins splits a comma-separated origin list, dropping empty entries.
func ParseOrigins(origins string) []string {
	var out []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
