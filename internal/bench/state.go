package bench

import "errors"

// State is a backend's position in the benchmark lifecycle.
type State string

const (
	NotStarted           State = "not_started"
	CheckingAvailability State = "checking_availability"
	Skipped              State = "skipped"
	WarmingUp            State = "warming_up"
	Measuring            State = "measuring"
	Completed            State = "completed"
	AllFailed            State = "all_failed"
)

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == Skipped || s == Completed || s == AllFailed
}

// Status is the outcome of a whole run.
type Status string

const (
	StatusCompleted         Status = "completed"
	StatusAllBackendsFailed Status = "all_backends_failed"
)

var (
	// ErrNoBackends means the selection resolved to nothing to run.
	ErrNoBackends = errors.New("no backends selected; configure at least one backend (see `inferbench list`)")

	// ErrAllBackendsFailed means no backend produced a successful sample.
	ErrAllBackendsFailed = errors.New("all backends failed or were skipped")
)
