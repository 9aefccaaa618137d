// Package openaicompat measures any backend that speaks the OpenAI chat
// completions streaming protocol.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"inferbench/internal/backend"
	"inferbench/internal/measure"
)

// Config describes one OpenAI-compatible endpoint.
type Config struct {
	ID          string
	DisplayName string
	BaseURL     string
	APIKey      string
	Model       string

	// KeyEnv and URLEnv name the variables holding the API key and base
	// URL, for remediation hints.
	KeyEnv string
	URLEnv string
	// Keyless endpoints are available with a base URL alone.
	Keyless bool

	// Headers are added to every request.
	Headers map[string]string

	HTTPClient *http.Client
}

// Client implements backend.Backend on top of go-openai.
type Client struct {
	cfg Config
	api *openai.Client

	mu    sync.Mutex
	model string
}

// New builds a client. It performs no network calls.
func New(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	wrapped := *httpClient
	wrapped.Transport = &transport{base: httpClient.Transport, headers: cfg.Headers}
	oc.HTTPClient = &wrapped

	return &Client{cfg: cfg, api: openai.NewClientWithConfig(oc), model: cfg.Model}
}

func (c *Client) Name() string { return c.cfg.ID }

func (c *Client) DisplayName() string {
	if c.cfg.DisplayName != "" {
		return c.cfg.DisplayName
	}
	return c.cfg.ID
}

// DefaultModel returns the configured model, or the one ResolveModel found.
func (c *Client) DefaultModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// IsAvailable reports whether credentials are present. It never touches the
// network.
func (c *Client) IsAvailable(context.Context) bool {
	if c.cfg.BaseURL == "" {
		return false
	}
	return c.cfg.Keyless || c.cfg.APIKey != ""
}

func (c *Client) Remediation() string {
	switch {
	case c.cfg.BaseURL == "" && c.cfg.URLEnv != "":
		return fmt.Sprintf("set %s", c.cfg.URLEnv)
	case c.cfg.BaseURL == "":
		return fmt.Sprintf("set a base URL for %s", c.cfg.ID)
	case c.cfg.KeyEnv != "":
		return fmt.Sprintf("set %s", c.cfg.KeyEnv)
	default:
		return fmt.Sprintf("set an API key for %s", c.cfg.ID)
	}
}

// ResolveModel returns the configured model or, when there is none, the
// first one the endpoint lists. The discovered model is kept for later calls.
func (c *Client) ResolveModel(ctx context.Context) (string, error) {
	if model := c.DefaultModel(); model != "" {
		return model, nil
	}
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return "", c.classify(ctx, err, nil, nil)
	}
	if len(list.Models) == 0 {
		return "", backend.NewAPIError(c.cfg.ID, "no models available", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.model == "" {
		c.model = list.Models[0].ID
	}
	return c.model, nil
}

// Infer streams one chat completion and times it.
func (c *Client) Infer(ctx context.Context, req backend.Request) (backend.Response, error) {
	if !c.IsAvailable(ctx) {
		return backend.Response{}, backend.NewNotConfigured(c.cfg.ID, c.Remediation())
	}
	model := backend.ModelFor(c, req)
	if model == "" {
		return backend.Response{}, backend.NewNotConfigured(c.cfg.ID, "no model configured")
	}

	state := &callState{}
	start := time.Now()
	state.start = start
	ctx = httptrace.WithClientTrace(withCallState(ctx, state), &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) { state.markWrote(time.Since(start)) },
	})

	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		// Older servers only honour the deprecated MaxTokens.
		MaxTokens:           req.MaxTokens,
		MaxCompletionTokens: req.MaxTokens,
		Stream:              true,
		StreamOptions:       &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return backend.Response{}, c.classify(ctx, err, state, nil)
	}
	defer stream.Close()

	var (
		text      strings.Builder
		estimated int
		usage     *openai.Usage
		firstAt   time.Duration
		firstSeen bool
	)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			partial := c.timing(state, start, firstSeen, firstAt, req.Prompt, estimated, usage)
			return backend.Response{}, c.classify(ctx, err, state, &partial)
		}

		if len(chunk.Choices) > 0 {
			content := chunk.Choices[0].Delta.Content
			if !firstSeen && strings.TrimSpace(content) != "" {
				firstAt = time.Since(start)
				firstSeen = true
			}
			if content != "" {
				text.WriteString(content)
				estimated += estimateTokens(content)
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	return backend.Response{
		Timing: c.timing(state, start, firstSeen, firstAt, req.Prompt, estimated, usage),
		Text:   text.String(),
	}, nil
}

func (c *Client) timing(state *callState, start time.Time, firstSeen bool, firstAt time.Duration, prompt string, estimated int, usage *openai.Usage) measure.Timing {
	t := measure.Timing{
		TimeToPrompt:   state.wrote(),
		FirstTokenSeen: firstSeen,
		TotalLatency:   time.Since(start),
		InputTokens:    estimateTokens(prompt),
		OutputTokens:   estimated,
	}
	if firstSeen {
		t.TimeToFirstToken = firstAt - t.TimeToPrompt
	}
	if usage != nil {
		if usage.PromptTokens > 0 {
			t.InputTokens = usage.PromptTokens
		}
		if usage.CompletionTokens > 0 {
			t.OutputTokens = usage.CompletionTokens
		}
	}
	return t.Normalize()
}

// classify maps a transport or API failure onto the backend error taxonomy.
func (c *Client) classify(ctx context.Context, err error, state *callState, partial *measure.Timing) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var elapsed time.Duration
		if state != nil {
			elapsed = time.Since(state.start)
		}
		if partial != nil && partial.OutputTokens == 0 {
			partial = nil
		}
		te := backend.NewTimeout(c.cfg.ID, elapsed.Round(time.Millisecond), partial)
		te.Err = err
		return te
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		te := backend.NewTimeout(c.cfg.ID, 0, partial)
		te.Message = "network timeout"
		te.Err = err
		return te
	}

	status := statusCode(err)
	switch {
	case status == http.StatusTooManyRequests:
		var retryAfter *time.Duration
		if state != nil {
			retryAfter = state.retryAfterValue()
		}
		rl := backend.NewRateLimited(c.cfg.ID, "rate limited by provider", retryAfter)
		rl.Err = err
		return rl
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return backend.NewAPIError(c.cfg.ID,
			fmt.Sprintf("HTTP %d: authentication failed; check %s", status, c.keyHint()), err)
	case status != 0:
		return backend.NewAPIError(c.cfg.ID, fmt.Sprintf("HTTP %d: %s", status, apiMessage(err)), err)
	default:
		return backend.NewAPIError(c.cfg.ID, err.Error(), err)
	}
}

func (c *Client) keyHint() string {
	if c.cfg.KeyEnv != "" {
		return c.cfg.KeyEnv
	}
	return "the API key"
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func apiMessage(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

// estimateTokens approximates a token count when the server reports no
// usage: about 1.3 tokens per word, or 3 characters per token for text
// without word boundaries.
func estimateTokens(content string) int {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0
	}
	if words := len(strings.Fields(content)); words > 0 {
		return max(1, int(float64(words)*1.3))
	}
	return max(1, len(content)/3)
}
