// Package backend defines the contract every inference target satisfies and
// the ordered registry the orchestrator selects backends from.
package backend

import (
	"context"

	"inferbench/internal/measure"
)

// Request is one inference call. It is built once per attempt and never
// mutated by adapters. An empty Model selects the backend's default.
type Request struct {
	Prompt    string
	MaxTokens int
	Model     string
}

// Response carries the timing of a completed call. ModelLoad is set only by
// local backends that report a one-time model load.
type Response struct {
	measure.Timing
	ModelLoad *measure.ModelLoadEvent
	Text      string
}

// Backend is an inference target. Infer performs exactly one call and returns
// a *Error on failure.
type Backend interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	DefaultModel() string
	Infer(ctx context.Context, req Request) (Response, error)
}

// Describer is implemented by backends with a human-friendly name.
type Describer interface {
	DisplayName() string
}

// Remediator is implemented by backends that can say what configuration is
// missing when they are unavailable.
type Remediator interface {
	Remediation() string
}

// Preparer is implemented by backends that must make a model ready before
// the first call, such as pulling it into a local server.
type Preparer interface {
	Prepare(ctx context.Context, model string) (*measure.ModelLoadEvent, error)
}

// ModelResolver is implemented by backends that learn their model from the
// endpoint, such as an OpenAI-compatible server with no configured model.
// The answer is cached, so the estimate and the run agree on it.
type ModelResolver interface {
	ResolveModel(ctx context.Context) (string, error)
}

// ResolveModel returns the model b will run against, asking the endpoint
// when configuration alone does not say.
func ResolveModel(ctx context.Context, b Backend) (string, error) {
	if r, ok := b.(ModelResolver); ok {
		return r.ResolveModel(ctx)
	}
	return b.DefaultModel(), nil
}

// DisplayName returns b's display name, falling back to its identifier.
func DisplayName(b Backend) string {
	if d, ok := b.(Describer); ok && d.DisplayName() != "" {
		return d.DisplayName()
	}
	return b.Name()
}

// Remediation returns what the user must configure to make b available.
func Remediation(b Backend) string {
	if r, ok := b.(Remediator); ok {
		return r.Remediation()
	}
	return ""
}

// ModelFor returns the model a request will run against.
func ModelFor(b Backend, req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return b.DefaultModel()
}
