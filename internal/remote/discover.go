package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const discoverTimeout = 2 * time.Second

// Ports probed when a node has no model list yet.
var (
	VisionDiscoveryPorts = []int{1234, 11434, 8080}
	TextDiscoveryPorts   = []int{40054, 11434, 11435}
)

// LocalCandidates turns ports into loopback base URLs.
func LocalCandidates(ports ...int) []string {
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		out = append(out, fmt.Sprintf("http://127.0.0.1:%d", p))
	}
	return out
}

// DiscoverModels returns the first non-empty model list served by any of the
// base URLs, trying /v1/models then /api/tags on each.
func DiscoverModels(ctx context.Context, hc *http.Client, baseURLs []string) []string {
	if hc == nil {
		hc = &http.Client{Timeout: discoverTimeout}
	}
	for _, base := range baseURLs {
		for _, endpoint := range []string{"/v1/models", "/api/tags"} {
			if ctx.Err() != nil {
				return nil
			}
			tctx, cancel := context.WithTimeout(ctx, discoverTimeout)
			models, err := fetchModelList(tctx, hc, base+endpoint)
			cancel()
			if err == nil && len(models) > 0 {
				return models
			}
		}
	}
	return nil
}
