package handlers

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/23skdu/longbow-vlm/internal/download"
)

const Version = "0.1.0"

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]Status `json:"checks"`
}

type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Check is one readiness probe.
type Check func() Status

func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthStatus{
			Status:    "healthy",
			Timestamp: time.Now(),
			Version:   Version,
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			Checks: map[string]Status{
				"server": {Status: "healthy"},
			},
		})
	}
}

func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	}
}

// ReadyzHandler answers "Ready" when every check is healthy. Memory and
// goroutine checks always run; extra checks are added by the caller.
func ReadyzHandler(extra map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]Status{
			"memory":     checkMemory(),
			"goroutines": checkGoroutines(),
		}
		for name, check := range extra {
			checks[name] = check()
		}

		for _, c := range checks {
			if c.Status != "healthy" {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"status": "not ready",
					"checks": checks,
				})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready\n"))
	}
}

func VersionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, VersionInfo{Version: Version, GoVersion: runtime.Version()})
	}
}

func checkMemory() Status {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.Alloc > 1<<30 {
		return Status{Status: "warning", Message: "High memory usage"}
	}
	return Status{Status: "healthy"}
}

func checkGoroutines() Status {
	if runtime.NumGoroutine() > 10000 {
		return Status{Status: "warning", Message: "High number of goroutines"}
	}
	return Status{Status: "healthy"}
}

// DiskCheck reports unhealthy when the filesystem holding dir has less than
// requiredGB free.
func DiskCheck(dir string, requiredGB float64) Check {
	return func() Status {
		if _, err := download.CheckDiskSpace(dir, requiredGB); err != nil {
			return Status{Status: "unhealthy", Message: err.Error()}
		}
		return Status{Status: "healthy"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
