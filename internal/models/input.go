package models

import (
	"fmt"
	"regexp"
	"strings"
)

const hubPrefix = "https://huggingface.co/"

// knownHubURLs maps file URLs whose quantization is not in the usual
// ".QN_K" position to the model IDs remote services know them by.
var knownHubURLs = map[string]string{
	"https://huggingface.co/prithivMLmods/Qwen3-4B-2507-abliterated-GGUF/blob/main/Qwen3-4B-Instruct-2507-abliterated-GGUF/Qwen3-4B-Instruct-2507-abliterated.Q8_0.gguf":     "prithivMLmods/Qwen3-4B-2507-abliterated-GGUF:Q8_0",
	"https://huggingface.co/mradermacher/Qwen3-4B-Thinking-2507-Uncensored-Fixed-GGUF/resolve/main/Qwen3-4B-Thinking-2507-Uncensored-Fixed.Q8_0.gguf":                   "mradermacher/Qwen3-4B-Thinking-2507-Uncensored-Fixed-GGUF:Q8_0",
	"https://huggingface.co/mradermacher/Qwen3-Short-Story-Instruct-Uncensored-262K-ctx-4B-GGUF/blob/main/Qwen3-Short-Story-Instruct-Uncensored-262K-ctx-4B.Q8_0.gguf": "mradermacher/Qwen3-Short-Story-Instruct-Uncensored-262K-ctx-4B-GGUF:Q8_0",
	"https://huggingface.co/Triangle104/Josiefied-Qwen3-4B-abliterated-v2-Q8_0-GGUF/blob/main/josiefied-qwen3-4b-abliterated-v2-q8_0.gguf":                             "Triangle104/Josiefied-Qwen3-4B-abliterated-v2-Q8_0-GGUF",
}

var quantRe = regexp.MustCompile(`(?i)\.(Q\d+_[0K]|Q\d+)`)

// ParseModelInput normalises user input into a model identifier. Hub file
// URLs become "user/repo[:QUANT]"; anything else (model IDs, local file
// names) is returned trimmed.
func ParseModelInput(input string) string {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, hubPrefix) {
		return input
	}
	if id, ok := knownHubURLs[input]; ok {
		return id
	}

	parts := strings.Split(strings.TrimPrefix(input, hubPrefix), "/")
	if len(parts) < 2 {
		return input
	}
	id := parts[0] + "/" + parts[1]
	if len(parts) >= 4 {
		if m := quantRe.FindStringSubmatch(parts[len(parts)-1]); m != nil {
			return id + ":" + strings.ToUpper(m[1])
		}
	}
	return id
}

// HubFile identifies one file in a hub repository.
type HubFile struct {
	Repo     string
	Revision string
	Path     string
}

// ParseHubFileURL splits ".../<user>/<repo>/(blob|resolve)/<rev>/<path>".
func ParseHubFileURL(raw string) (HubFile, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, hubPrefix) {
		return HubFile{}, fmt.Errorf("not a hub URL: %q", raw)
	}
	rest := strings.SplitN(strings.TrimPrefix(raw, hubPrefix), "?", 2)[0]
	parts := strings.Split(rest, "/")
	if len(parts) < 5 || (parts[2] != "blob" && parts[2] != "resolve") {
		return HubFile{}, fmt.Errorf("not a hub file URL: %q", raw)
	}
	f := HubFile{
		Repo:     parts[0] + "/" + parts[1],
		Revision: parts[3],
		Path:     strings.Join(parts[4:], "/"),
	}
	if f.Path == "" {
		return HubFile{}, fmt.Errorf("hub URL has no file path: %q", raw)
	}
	return f, nil
}
