package pricing

import (
	"fmt"
	"sort"
	"strings"
)

// Wildcard matches any model of a backend that has no exact entry.
const Wildcard = "*"

// Entry is the price of one (backend, model) pair in USD per million tokens.
type Entry struct {
	InputPerMillion  float64 `json:"input_per_million" yaml:"input_per_million" toml:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million" yaml:"output_per_million" toml:"output_per_million"`
}

// IsFree reports whether the entry has no output price. Budget capping is
// skipped for free entries.
func (e Entry) IsFree() bool {
	return e.OutputPerMillion == 0
}

// Cost returns the USD cost of a call with the given token counts.
func (e Entry) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*e.InputPerMillion +
		float64(outputTokens)/1_000_000*e.OutputPerMillion
}

// Backend groups the model prices of one backend.
type Backend struct {
	Name   string           `json:"name" yaml:"name" toml:"name"`
	Models map[string]Entry `json:"models" yaml:"models" toml:"models"`
}

// Table maps backend identifiers to their model prices. A Table is built once
// at startup and only read afterwards.
type Table struct {
	backends map[string]Backend
	asOf     string
}

// NewTable builds a table from backend pricing. Keys are lower-cased.
func NewTable(asOf string, backends map[string]Backend) *Table {
	t := &Table{backends: make(map[string]Backend, len(backends)), asOf: asOf}
	for id, b := range backends {
		t.backends[strings.ToLower(id)] = copyBackend(b)
	}
	return t
}

// Lookup returns the price for a backend and model. An exact model match wins
// over the backend's wildcard entry. ok is false when neither exists.
func (t *Table) Lookup(backend, model string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	b, exists := t.backends[strings.ToLower(backend)]
	if !exists {
		return Entry{}, false
	}
	if e, ok := b.Models[model]; ok {
		return e, true
	}
	if e, ok := b.Models[Wildcard]; ok {
		return e, true
	}
	return Entry{}, false
}

// Resolve is Lookup with the missing-entry policy applied: an unknown pair is
// zero-cost and comes back with a warning for the caller to surface.
func (t *Table) Resolve(backend, model string) (Entry, string) {
	if e, ok := t.Lookup(backend, model); ok {
		return e, ""
	}
	return Entry{}, fmt.Sprintf("no pricing for %s/%s; treating as zero-cost (budget cap disabled)", backend, model)
}

// Merge returns a new table with other's entries layered over t's.
func (t *Table) Merge(other *Table) *Table {
	merged := NewTable(t.asOf, t.backends)
	if other == nil {
		return merged
	}
	if other.asOf != "" {
		merged.asOf = other.asOf
	}
	for id, ob := range other.backends {
		b, ok := merged.backends[id]
		if !ok {
			merged.backends[id] = copyBackend(ob)
			continue
		}
		if ob.Name != "" {
			b.Name = ob.Name
		}
		for model, e := range ob.Models {
			b.Models[model] = e
		}
		merged.backends[id] = b
	}
	return merged
}

// AsOf is the date the prices were taken from.
func (t *Table) AsOf() string {
	if t == nil {
		return ""
	}
	return t.asOf
}

// Row is one flattened table line, used for listings.
type Row struct {
	Backend     string `json:"backend" yaml:"backend"`
	DisplayName string `json:"display_name" yaml:"display-name"`
	Model       string `json:"model" yaml:"model"`
	Entry       `yaml:",inline"`
}

// Rows flattens the table, sorted by backend then model.
func (t *Table) Rows() []Row {
	var rows []Row
	for id, b := range t.backends {
		for model, e := range b.Models {
			rows = append(rows, Row{Backend: id, DisplayName: b.Name, Model: model, Entry: e})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Backend != rows[j].Backend {
			return rows[i].Backend < rows[j].Backend
		}
		return rows[i].Model < rows[j].Model
	})
	return rows
}

func copyBackend(b Backend) Backend {
	models := make(map[string]Entry, len(b.Models))
	for k, v := range b.Models {
		models[k] = v
	}
	return Backend{Name: b.Name, Models: models}
}
