package backend

import (
	"context"
	"fmt"
	"strings"
)

// All selects every available backend.
const All = "all"

// Registry holds backends in registration order. It is built once at
// startup and read-only while a run is in progress.
type Registry struct {
	order []string
	byID  map[string]Backend
}

// NewRegistry returns a registry holding backends in the given order.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{byID: make(map[string]Backend)}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds b. A backend with the same name replaces the earlier one and
// keeps its position.
func (r *Registry) Register(b Backend) {
	id := strings.ToLower(b.Name())
	if _, exists := r.byID[id]; !exists {
		r.order = append(r.order, id)
	}
	r.byID[id] = b
}

// Get looks up a backend by name.
func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.byID[strings.ToLower(strings.TrimSpace(name))]
	return b, ok
}

// Names returns all registered names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Backends returns all registered backends in registration order.
func (r *Registry) Backends() []Backend {
	out := make([]Backend, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Available returns the backends whose configuration is complete, in
// registration order.
func (r *Registry) Available(ctx context.Context) []Backend {
	var out []Backend
	for _, b := range r.Backends() {
		if b.IsAvailable(ctx) {
			out = append(out, b)
		}
	}
	return out
}

// Select resolves a selection: "all" (or empty) means every available backend;
// otherwise a comma-separated list of names, returned in the listed order with
// duplicates removed. Unknown names are an error. Listed backends are returned
// even when unavailable so the orchestrator can report them as skipped.
func (r *Registry) Select(ctx context.Context, selection string) ([]Backend, error) {
	selection = strings.TrimSpace(selection)
	if selection == "" || strings.EqualFold(selection, All) {
		return r.Available(ctx), nil
	}

	var out []Backend
	seen := make(map[string]bool)
	var unknown []string
	for _, name := range strings.Split(selection, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if name == All {
			return r.Available(ctx), nil
		}
		b, ok := r.byID[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		out = append(out, b)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown backend(s): %s (known: %s)",
			strings.Join(unknown, ", "), strings.Join(r.order, ", "))
	}
	return out, nil
}
