package compactor

type (
	// BudgetTable maps model identifiers to context-window budgets. The
	// effective budget for a model is its published context window minus a
	// safety margin reserved for expected output. The table is configuration,
	// not a hard-coded constant: deployments load it from the config file.
	BudgetTable struct {
		// Windows maps model identifier to published context window size in
		// tokens.
		Windows map[string]int
		// SafetyMargin is the token reserve subtracted from every window.
		SafetyMargin int
		// DefaultWindow is used for models absent from Windows.
		DefaultWindow int
	}
)

const (
	defaultWindow       = 128_000
	defaultSafetyMargin = 8_000
)

// ForModel returns the compression budget for the given model identifier.
func (t BudgetTable) ForModel(model string) int {
	window := t.DefaultWindow
	if window <= 0 {
		window = defaultWindow
	}
	if w, ok := t.Windows[model]; ok && w > 0 {
		window = w
	}
	margin := t.SafetyMargin
	if margin <= 0 {
		margin = defaultSafetyMargin
	}
	if margin >= window {
		// Degenerate configuration: keep a usable sliver rather than a zero
		// or negative budget.
		return window / 2
	}
	return window - margin
}
