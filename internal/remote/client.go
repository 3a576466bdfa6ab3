// Package remote talks to OpenAI-compatible chat-completion servers (Ollama,
// Nexa SDK, LM Studio and generic OpenAI-style endpoints), papering over the
// parameter names each dialect expects.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sashabaranov/go-openai"

	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/metrics"
)

const (
	DefaultBaseURL      = "http://127.0.0.1:11434"
	DefaultTimeout      = 300 * time.Second
	DefaultModelListTTL = 30 * time.Second

	probeTimeout = 3 * time.Second
	listTimeout  = 5 * time.Second
	maxErrorBody = 500
)

var (
	ErrTimeout            = errors.New("Request timeout. The model might be too slow or the service is overloaded.") //nolint:staticcheck // shown verbatim to users
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrNoChoices          = errors.New("response contained no choices")
)

// APIError is a non-200 reply from the chat endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed: %d %s\nResponse: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

type Client struct {
	BaseURL string
	APIType APIType

	chatURL   string
	modelsURL string
	http      *http.Client
	models    *ttlcache.Cache[string, []string]
}

type Option func(*Client)

// WithHTTPClient replaces the transport used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithModelListTTL sets how long AvailableModels results are reused.
func WithModelListTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.models = ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](ttl),
			ttlcache.WithDisableTouchOnHit[string, []string](),
		)
	}
}

// NewClient returns a client for baseURL. All dialects share the
// /v1/chat/completions and /v1/models endpoints.
func NewClient(baseURL string, apiType APIType, opts ...Option) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	c := &Client{
		BaseURL:   baseURL,
		APIType:   APIType(strings.ToLower(string(apiType))),
		chatURL:   baseURL + "/v1/chat/completions",
		modelsURL: baseURL + "/v1/models",
		http:      &http.Client{},
	}
	WithModelListTTL(DefaultModelListTTL)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsServiceAvailable reports whether the models endpoint answers 200. LM
// Studio can be slow to serve /v1/models, so for it a transport failure falls
// back to probing the root URL, where 404 also counts as alive.
func (c *Client) IsServiceAvailable(ctx context.Context) bool {
	ok := c.probe(ctx)
	metrics.RecordServiceProbe(string(c.APIType), ok)
	return ok
}

func (c *Client) probe(ctx context.Context) bool {
	status, err := c.get(ctx, c.modelsURL, probeTimeout)
	if err == nil {
		return status == http.StatusOK
	}
	if c.APIType == LMStudio {
		status, err = c.get(ctx, c.BaseURL, probeTimeout)
		if err == nil {
			return status == http.StatusOK || status == http.StatusNotFound
		}
	}
	logger.Log.Debug("Service probe failed", "url", c.BaseURL, "api_type", c.APIType, "error", err)
	return false
}

func (c *Client) get(ctx context.Context, url string, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// AvailableModels lists model ids served by the endpoint. Results are cached;
// forceRefresh bypasses the cache. Failures yield an empty list.
func (c *Client) AvailableModels(ctx context.Context, forceRefresh bool) []string {
	if !forceRefresh {
		if item := c.models.Get(c.modelsURL); item != nil {
			return item.Value()
		}
	}

	models, err := fetchModelList(ctx, c.http, c.modelsURL)
	if err != nil && c.APIType == Ollama {
		models, err = fetchModelList(ctx, c.http, c.BaseURL+"/api/tags")
	}
	if err != nil {
		if !forceRefresh {
			logger.Log.Warn("Failed to fetch models", "url", c.BaseURL, "error", err)
		}
		models = []string{}
	}
	c.models.Set(c.modelsURL, models, ttlcache.DefaultTTL)
	return models
}

type tagList struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// fetchModelList accepts the OpenAI shape {"data":[{"id"}]} and the Ollama
// shape {"models":[{"name"}]}. Any other body is an empty list.
func fetchModelList(ctx context.Context, hc *http.Client, url string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}

	out := []string{}
	switch {
	case keys["data"] != nil:
		var list openai.ModelsList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("GET %s: %w", url, err)
		}
		for _, m := range list.Models {
			out = append(out, m.ID)
		}
	case keys["models"] != nil:
		var tags tagList
		if err := json.Unmarshal(body, &tags); err != nil {
			return nil, fmt.Errorf("GET %s: %w", url, err)
		}
		for _, m := range tags.Models {
			out = append(out, m.Name)
		}
	}
	return out, nil
}

// ChatRequest holds the dialect-neutral parameters of a chat completion.
// Nil optional fields are left out of the payload.
type ChatRequest struct {
	Model             string
	Messages          []openai.ChatCompletionMessage
	Temperature       float64
	MaxTokens         int
	TopP              float64
	TopK              *int
	RepetitionPenalty *float64
	Stream            bool
	// Greedy leaves top_p and top_k out so the server decodes greedily.
	Greedy bool
	// Timeout bounds the whole request; zero means DefaultTimeout.
	Timeout time.Duration
	// Extra fields are merged into the payload last.
	Extra map[string]any
}

// NewChatRequest fills the sampling defaults used across the nodes.
func NewChatRequest(model string, messages ...openai.ChatCompletionMessage) ChatRequest {
	return ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   512,
		TopP:        0.9,
	}
}

// Payload renders req in the dialect of c.
func (c *Client) Payload(req ChatRequest) map[string]any {
	messages := req.Messages
	if messages == nil {
		messages = []openai.ChatCompletionMessage{}
	}
	p := map[string]any{
		"model":       req.Model,
		"messages":    messages,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
		"stream":      req.Stream,
	}
	if !req.Greedy {
		p["top_p"] = req.TopP
	}

	// LM Studio rejects top_k
	if req.TopK != nil && !req.Greedy && c.APIType != LMStudio {
		p["top_k"] = *req.TopK
	}

	if req.RepetitionPenalty != nil {
		rp := *req.RepetitionPenalty
		switch c.APIType {
		case Ollama:
			p["repeat_penalty"] = rp
		case LMStudio:
			penalty := (rp - 1) * 2
			p["frequency_penalty"] = clamp(penalty, 0, 2)
			p["presence_penalty"] = clamp(penalty*0.5, 0, 2)
		default:
			p["repetition_penalty"] = rp
		}
	}

	for k, v := range req.Extra {
		p[k] = v
	}
	return p
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

// ChatCompletion posts req and decodes the OpenAI-shaped response.
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) (*openai.ChatCompletionResponse, error) {
	start := time.Now()
	resp, err := c.chatCompletion(ctx, req)
	metrics.RecordRemoteRequest(string(c.APIType), err, time.Since(start))
	return resp, err
}

func (c *Client) chatCompletion(ctx context.Context, req ChatRequest) (*openai.ChatCompletionResponse, error) {
	body, err := json.Marshal(c.Payload(req))
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		text := string(raw)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		logger.Log.Error("API error", "status", resp.StatusCode, "response", text, "url", c.chatURL)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: text}
	}

	var out openai.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, c.transportError(ctx, err)
	}
	return &out, nil
}

func (c *Client) transportError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ErrTimeout
	}
	return fmt.Errorf("API request failed: %w", err)
}

// Complete runs a chat completion and returns the trimmed content of the
// first choice.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	resp, err := c.ChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	return FirstContent(resp)
}

// FirstContent extracts the trimmed message text of the first choice.
func FirstContent(resp *openai.ChatCompletionResponse) (string, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
