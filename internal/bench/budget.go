package bench

import (
	"context"
	"fmt"
	"math"

	"inferbench/internal/backend"
	"inferbench/internal/pricing"
	"inferbench/internal/prompt"
)

// MaxBudgetIterations bounds the measured iterations of any priced backend.
const MaxBudgetIterations = 5

// budgetEpsilon absorbs float error when maxCost is an exact multiple of the
// per-call cost.
const budgetEpsilon = 1e-9

// CostPerCall is the projected USD cost of one call: the prompt's expected
// output tokens at the output price.
func CostPerCall(p prompt.Prompt, e pricing.Entry) float64 {
	return float64(p.ExpectedOutputTokens) / 1_000_000 * e.OutputPerMillion
}

// EffectiveIterations caps configured iterations so a backend's projected
// spend stays within maxCost. Free backends keep the configured count.
// Priced backends get min(configured, clamp(floor(maxCost/costPerCall), 1, 5)),
// so at least one iteration always runs.
func EffectiveIterations(configured int, costPerCall, maxCost float64) int {
	if costPerCall <= 0 {
		return configured
	}
	affordable := int(math.Floor(maxCost/costPerCall + budgetEpsilon))
	affordable = max(1, min(affordable, MaxBudgetIterations))
	return min(configured, affordable)
}

// EstimateDisclaimer accompanies every estimate shown before a run.
const EstimateDisclaimer = "Estimated costs are a safety ceiling based on expected output tokens and list prices, not a billing guarantee."

// BackendEstimate is the projected spend for one backend.
type BackendEstimate struct {
	Backend     string  `json:"backend" yaml:"backend"`
	DisplayName string  `json:"display_name" yaml:"display-name"`
	Model       string  `json:"model" yaml:"model"`
	CostPerCall float64 `json:"cost_per_call" yaml:"cost-per-call"`
	Configured  int     `json:"configured_iterations" yaml:"configured-iterations"`
	Iterations  int     `json:"iterations" yaml:"iterations"`
	Warmups     int     `json:"warmups" yaml:"warmups"`
	Cost        float64 `json:"cost" yaml:"cost"`
	WarmupCost  float64 `json:"warmup_cost" yaml:"warmup-cost"`
	Warning     string  `json:"warning,omitempty" yaml:"warning,omitempty"`

	// Unresolved means the model could not be determined, so the cost is
	// unknown rather than zero.
	Unresolved bool `json:"unresolved,omitempty" yaml:"unresolved,omitempty"`
}

// Capped reports whether the budget reduced the iteration count.
func (b BackendEstimate) Capped() bool {
	return b.Iterations < b.Configured
}

// Estimate is the pre-run projection shown for confirmation. It is a safety
// ceiling, not a billing guarantee.
type Estimate struct {
	Backends    []BackendEstimate `json:"backends" yaml:"backends"`
	Unavailable []string          `json:"unavailable,omitempty" yaml:"unavailable,omitempty"`
	Total       float64           `json:"total" yaml:"total"`
	WarmupTotal float64           `json:"warmup_total" yaml:"warmup-total"`
}

// Calls is the number of inference calls the plan makes, retries excluded.
func (e Estimate) Calls() int {
	n := 0
	for _, b := range e.Backends {
		n += b.Iterations + b.Warmups
	}
	return n
}

// RequiresConfirmation reports whether the run can spend money. A backend
// whose cost is unknown counts as able to.
func (e Estimate) RequiresConfirmation() bool {
	if e.Total+e.WarmupTotal > 0 {
		return true
	}
	for _, b := range e.Backends {
		if b.Unresolved {
			return true
		}
	}
	return false
}

// EstimateCost projects spend for the available backends. Unavailable ones
// are listed but cost nothing. Each backend's availability is checked once
// and its model resolved before pricing, so a model the endpoint reports is
// priced the same way the run will price it.
func EstimateCost(ctx context.Context, table *pricing.Table, backends []backend.Backend, s Settings) Estimate {
	p := prompt.Get(s.PromptSize)
	var est Estimate
	for _, b := range backends {
		if !b.IsAvailable(ctx) {
			est.Unavailable = append(est.Unavailable, b.Name())
			continue
		}
		be := estimateBackend(ctx, table, b, p, s)
		est.Backends = append(est.Backends, be)
		est.Total += be.Cost
		est.WarmupTotal += be.WarmupCost
	}
	return est
}

func estimateBackend(ctx context.Context, table *pricing.Table, b backend.Backend, p prompt.Prompt, s Settings) BackendEstimate {
	model, err := backend.ResolveModel(ctx, b)
	if err != nil {
		return BackendEstimate{
			Backend:     b.Name(),
			DisplayName: backend.DisplayName(b),
			Configured:  s.Iterations,
			Iterations:  s.Iterations,
			Warmups:     s.Warmup,
			Warning:     fmt.Sprintf("could not determine the model (%v); cost unknown, capped at $%.4f", err, s.MaxCost),
			Unresolved:  true,
		}
	}
	return planBackend(table, b, model, p, s)
}

func planBackend(table *pricing.Table, b backend.Backend, model string, p prompt.Prompt, s Settings) BackendEstimate {
	price, warning := table.Resolve(b.Name(), model)
	cpc := CostPerCall(p, price)
	iterations := EffectiveIterations(s.Iterations, cpc, s.MaxCost)
	return BackendEstimate{
		Backend:     b.Name(),
		DisplayName: backend.DisplayName(b),
		Model:       model,
		CostPerCall: cpc,
		Configured:  s.Iterations,
		Iterations:  iterations,
		Warmups:     s.Warmup,
		Cost:        cpc * float64(iterations),
		WarmupCost:  cpc * float64(s.Warmup),
		Warning:     warning,
	}
}
