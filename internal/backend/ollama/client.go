// Package ollama measures a local Ollama server.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"

	"inferbench/internal/backend"
	"inferbench/internal/measure"
)

const (
	DefaultURL   = "http://localhost:11434"
	DefaultModel = "llama3.2:3b"

	// DefaultAvailabilityTTL is how long an availability answer is reused.
	DefaultAvailabilityTTL = 30 * time.Second

	healthTimeout = 2 * time.Second
)

// Config describes one Ollama server.
type Config struct {
	ID          string
	DisplayName string
	BaseURL     string
	Model       string

	// URLEnv names the variable that sets BaseURL, for remediation hints.
	URLEnv string

	// AvailabilityTTL bounds how long IsAvailable reuses its last answer.
	// Zero means DefaultAvailabilityTTL.
	AvailabilityTTL time.Duration

	HTTPClient *http.Client
}

// Client implements backend.Backend and backend.Preparer for Ollama.
type Client struct {
	cfg Config
	hc  *http.Client

	now func() time.Time

	mu        sync.Mutex
	available bool
	checkedAt time.Time
}

// New builds a client. An empty Model takes the Ollama default; an empty
// BaseURL leaves the client unavailable.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = DefaultAvailabilityTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, hc: httpClient, now: time.Now}
}

func (c *Client) Name() string         { return c.cfg.ID }
func (c *Client) DefaultModel() string { return c.cfg.Model }

func (c *Client) DisplayName() string {
	if c.cfg.DisplayName != "" {
		return c.cfg.DisplayName
	}
	return c.cfg.ID
}

func (c *Client) Remediation() string {
	if c.cfg.BaseURL == "" && c.cfg.URLEnv != "" {
		return fmt.Sprintf("set %s to the Ollama server URL", c.cfg.URLEnv)
	}
	hint := fmt.Sprintf("start Ollama at %s (ollama serve)", c.cfg.BaseURL)
	if c.cfg.URLEnv != "" {
		hint += fmt.Sprintf(" or set %s", c.cfg.URLEnv)
	}
	return hint
}

// IsAvailable asks /api/tags whether the server is up. The answer is
// cached for AvailabilityTTL, so a server started mid-session is noticed.
func (c *Client) IsAvailable(ctx context.Context) bool {
	if c.cfg.BaseURL == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) < c.cfg.AvailabilityTTL {
		return c.available
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	_, err := c.listModels(ctx)
	c.available = err == nil
	c.checkedAt = c.now()
	return c.available
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (c *Client) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from /api/tags", resp.StatusCode)
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding /api/tags: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Prepare pulls model when the server does not have it, then loads it into
// memory with an empty generate request. Both are timed, so the cold load
// never lands in a measured call.
func (c *Client) Prepare(ctx context.Context, model string) (*measure.ModelLoadEvent, error) {
	if model == "" {
		model = c.cfg.Model
	}
	names, err := c.listModels(ctx)
	if err != nil {
		return nil, c.classify(ctx, err, time.Time{}, nil)
	}
	ev := &measure.ModelLoadEvent{}
	if !hasModel(names, model) {
		took, err := c.pull(ctx, model)
		if err != nil {
			return nil, err
		}
		ev.DownloadDuration = &took
	}
	if ev.LoadDuration, err = c.load(ctx, model); err != nil {
		return nil, err
	}
	return ev, nil
}

func (c *Client) pull(ctx context.Context, model string) (time.Duration, error) {
	body, _ := json.Marshal(map[string]any{"model": model, "stream": false})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return 0, backend.NewAPIError(c.cfg.ID, "building pull request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, c.classify(ctx, err, start, nil)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, c.statusError(resp)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, c.classify(ctx, err, start, nil)
	}
	return time.Since(start), nil
}

// load sends a generate request without a prompt, which makes Ollama load
// the model and return. The server's load_duration is preferred over the
// wall time of the request.
func (c *Client) load(ctx context.Context, model string) (time.Duration, error) {
	body, _ := json.Marshal(map[string]any{"model": model, "stream": false})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return 0, backend.NewAPIError(c.cfg.ID, "building load request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, c.classify(ctx, err, start, nil)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, c.statusError(resp)
	}
	var chunk generateChunk
	decodeErr := json.NewDecoder(resp.Body).Decode(&chunk)
	took := time.Since(start)
	switch {
	case decodeErr != nil && !errors.Is(decodeErr, io.EOF):
		return 0, c.classify(ctx, decodeErr, start, nil)
	case chunk.Error != "":
		return 0, backend.NewAPIError(c.cfg.ID, chunk.Error, nil)
	case chunk.LoadDuration > 0:
		return time.Duration(chunk.LoadDuration), nil
	}
	return took, nil
}

func hasModel(names []string, model string) bool {
	for _, n := range names {
		if n == model || n == model+":latest" {
			return true
		}
	}
	return false
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateChunk struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	LoadDuration    int64  `json:"load_duration,omitempty"`
}

// Infer streams /api/generate and times it.
func (c *Client) Infer(ctx context.Context, r backend.Request) (backend.Response, error) {
	if c.cfg.BaseURL == "" {
		return backend.Response{}, backend.NewNotConfigured(c.cfg.ID, c.Remediation())
	}
	model := backend.ModelFor(c, r)
	payload := generateRequest{Model: model, Prompt: r.Prompt, Stream: true}
	if r.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": r.MaxTokens}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return backend.Response{}, backend.NewAPIError(c.cfg.ID, "encoding request", err)
	}

	start := time.Now()
	var wroteMu sync.Mutex
	var wrote time.Duration
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) {
			wroteMu.Lock()
			if wrote == 0 {
				wrote = time.Since(start)
			}
			wroteMu.Unlock()
		},
	})
	timeToPrompt := func() time.Duration {
		wroteMu.Lock()
		defer wroteMu.Unlock()
		return wrote
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return backend.Response{}, backend.NewAPIError(c.cfg.ID, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return backend.Response{}, c.classify(ctx, err, start, nil)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return backend.Response{}, c.statusError(resp)
	}

	var (
		text      strings.Builder
		timing    measure.Timing
		firstAt   time.Duration
		loadNanos int64
		chunks    int
	)
	snapshot := func() measure.Timing {
		t := timing
		t.TimeToPrompt = timeToPrompt()
		t.TotalLatency = time.Since(start)
		if t.FirstTokenSeen {
			t.TimeToFirstToken = firstAt - t.TimeToPrompt
		}
		if t.OutputTokens == 0 {
			t.OutputTokens = chunks
		}
		return t.Normalize()
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var chunk generateChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				return backend.Response{}, backend.NewAPIError(c.cfg.ID, "malformed stream line", err)
			}
			if chunk.Error != "" {
				return backend.Response{}, backend.NewAPIError(c.cfg.ID, chunk.Error, nil)
			}
			if chunk.Response != "" {
				if !timing.FirstTokenSeen && strings.TrimSpace(chunk.Response) != "" {
					firstAt = time.Since(start)
					timing.FirstTokenSeen = true
				}
				text.WriteString(chunk.Response)
				chunks++
			}
			if chunk.Done {
				timing.InputTokens = chunk.PromptEvalCount
				timing.OutputTokens = chunk.EvalCount
				loadNanos = chunk.LoadDuration
				break
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			partial := snapshot()
			return backend.Response{}, c.classify(ctx, readErr, start, &partial)
		}
	}

	out := backend.Response{Timing: snapshot(), Text: text.String()}
	if loadNanos > 0 {
		out.ModelLoad = &measure.ModelLoadEvent{LoadDuration: time.Duration(loadNanos)}
	}
	return out, nil
}

func (c *Client) statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(msg))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(msg, &body) == nil && body.Error != "" {
		text = body.Error
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return backend.NewRateLimited(c.cfg.ID, text, nil)
	}
	return backend.NewAPIError(c.cfg.ID, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, text), nil)
}

func (c *Client) classify(ctx context.Context, err error, start time.Time, partial *measure.Timing) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if partial != nil && partial.OutputTokens == 0 {
			partial = nil
		}
		var elapsed time.Duration
		if !start.IsZero() {
			elapsed = time.Since(start).Round(time.Millisecond)
		}
		te := backend.NewTimeout(c.cfg.ID, elapsed, partial)
		te.Err = err
		return te
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return backend.NewAPIError(c.cfg.ID,
			fmt.Sprintf("cannot connect to Ollama at %s; is it running? (ollama serve)", c.cfg.BaseURL), err)
	}
	return backend.NewAPIError(c.cfg.ID, err.Error(), err)
}
