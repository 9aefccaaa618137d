package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"inferbench/internal/bench"
)

// errConfirmationRequired is returned when a paid run needs consent but
// there is nobody to ask.
var errConfirmationRequired = errors.New("this run may incur charges and stdin is not a terminal; rerun with --yes to accept the estimate")

// confirm shows the estimate and asks whether to proceed. Only "y" or "yes"
// proceed.
func (a *App) confirm(est bench.Estimate) (bool, error) {
	a.printEstimate(est)
	if a.IsTerminal == nil || !a.IsTerminal() {
		return false, errConfirmationRequired
	}

	fmt.Fprint(a.Err, "Proceed? [y/N]: ")
	answer, err := bufio.NewReader(a.In).ReadString('\n')
	if err != nil && answer == "" {
		return false, nil
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func (a *App) printEstimate(est bench.Estimate) {
	fmt.Fprintln(a.Err, "Estimated cost:")
	for _, b := range est.Backends {
		model := b.Model
		if b.Unresolved {
			model = "(unknown model)"
		}
		line := fmt.Sprintf("  %-24s %-32s %d call(s) x $%.6f = $%.6f",
			b.DisplayName, model, b.Iterations, b.CostPerCall, b.Cost)
		if b.Warmups > 0 {
			line += fmt.Sprintf(" (+$%.6f warm-up)", b.WarmupCost)
		}
		if b.Capped() {
			line += fmt.Sprintf(" [capped from %d]", b.Configured)
		}
		fmt.Fprintln(a.Err, line)
		if b.Warning != "" {
			fmt.Fprintf(a.Err, "    warning: %s\n", b.Warning)
		}
	}
	fmt.Fprintf(a.Err, "  Total: $%.6f\n", est.Total+est.WarmupTotal)
	fmt.Fprintln(a.Err, bench.EstimateDisclaimer)
}
