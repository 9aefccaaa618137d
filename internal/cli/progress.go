package cli

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"inferbench/internal/bench"
	"inferbench/internal/measure"
)

// progressObserver draws one bar for the whole run, advancing once per
// completed call. Retried attempts do not advance it.
type progressObserver struct {
	w       io.Writer
	bar     *progressbar.ProgressBar
	planned map[string]int
	done    map[string]int
}

func newProgressObserver(w io.Writer) *progressObserver {
	return &progressObserver{
		w:       w,
		planned: map[string]int{},
		done:    map[string]int{},
	}
}

func (p *progressObserver) RunStarted(_ string, plan bench.Estimate) {
	for _, b := range plan.Backends {
		p.planned[b.Backend] = b.Iterations + b.Warmups
	}
	p.bar = progressbar.NewOptions(max(plan.Calls(), 1),
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetDescription("Starting"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("calls"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func (p *progressObserver) StateChanged(name string, state bench.State) {
	if p.bar == nil {
		return
	}
	switch state {
	case bench.WarmingUp:
		p.bar.Describe(fmt.Sprintf("Warming up %s", name))
	case bench.Measuring:
		p.bar.Describe(fmt.Sprintf("Measuring %s", name))
	case bench.CheckingAvailability:
		p.bar.Describe(fmt.Sprintf("Checking %s", name))
	}
}

func (p *progressObserver) CallFinished(e bench.CallEvent) {
	if p.bar == nil || e.Retry {
		return
	}
	p.done[e.Backend]++
	_ = p.bar.Add(1)
}

func (p *progressObserver) SampleRecorded(string, measure.Sample) {}

// BackendFinished skips past calls a backend never made, for example after
// it was skipped or stopped failing early.
func (p *progressObserver) BackendFinished(r bench.Result) {
	if p.bar == nil {
		return
	}
	if rest := p.planned[r.Backend] - p.done[r.Backend]; rest > 0 {
		p.done[r.Backend] += rest
		_ = p.bar.Add(rest)
	}
}

func (p *progressObserver) RunFinished(r *bench.Report) {
	if p.bar == nil || r.Interrupted {
		return
	}
	_ = p.bar.Finish()
}

func (p *progressObserver) close() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Clear()
	_ = p.bar.Close()
}
