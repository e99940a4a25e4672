// Package strategy converts untrusted LLM strategy payloads into
// canonical, safe, executable condition trees, and evaluates those trees
// against indicator frames.
package strategy

import (
	"fmt"
	"math"

	"github.com/quantlab-cn/quantlab/internal/domain"
	"github.com/quantlab-cn/quantlab/internal/indicators"
)

// maxBuyConditions caps the buy-side conjunction. Larger AND chains are
// empirically unreachable on daily bars.
const maxBuyConditions = 4

// maxErrors bounds the accumulated human-readable error list.
const maxErrors = 10

// Sanitized is the validator output: the surviving conditions plus the
// normalized exit config and the accumulated error notes.
type Sanitized struct {
	Name           string
	Description    string
	BuyConditions  []domain.Condition
	SellConditions []domain.Condition
	ExitConfig     domain.ExitConfig
	Errors         []string
}

// Valid reports whether at least one side has a surviving condition.
func (s *Sanitized) Valid() bool {
	return len(s.BuyConditions) > 0 || len(s.SellConditions) > 0
}

// ErrorMessage aggregates the error notes into one message.
func (s *Sanitized) ErrorMessage() string {
	if len(s.Errors) == 0 {
		return ""
	}
	msg := s.Errors[0]
	for _, e := range s.Errors[1:] {
		msg += "; " + e
	}
	return msg
}

// Sanitize runs the full validation pipeline over one LLM candidate.
// Each step may rewrite or drop conditions; the candidate as a whole is
// rejected only when both sides end up empty.
func Sanitize(c *domain.Candidate) *Sanitized {
	out := &Sanitized{
		Name:        c.Name,
		Description: c.Description,
	}

	out.BuyConditions = sanitizeSide(c.BuyConditions, "buy", &out.Errors)
	out.SellConditions = sanitizeSide(c.SellConditions, "sell", &out.Errors)

	// Contradictions only matter on the AND side: a contradictory OR
	// branch is dead weight, not a dead strategy.
	out.BuyConditions = dropContradictions(out.BuyConditions, &out.Errors)

	if len(out.BuyConditions) > maxBuyConditions {
		addError(&out.Errors, fmt.Sprintf("buy conditions capped at %d (had %d)", maxBuyConditions, len(out.BuyConditions)))
		out.BuyConditions = out.BuyConditions[:maxBuyConditions]
	}

	out.ExitConfig = normalizeExit(c.ExitConfig)

	return out
}

// sanitizeSide applies the per-condition steps: field membership, operator
// check, value bounds, auto-swap, default params, tautology drop.
func sanitizeSide(conds []domain.Condition, side string, errs *[]string) []domain.Condition {
	kept := make([]domain.Condition, 0, len(conds))

	for i := range conds {
		cond := conds[i]

		if cond.Field == "" || !indicators.Known(cond.Field) {
			addError(errs, fmt.Sprintf("%s: unknown field %q", side, cond.Field))
			continue
		}
		if !domain.ValidOperator(cond.Operator) {
			addError(errs, fmt.Sprintf("%s: invalid operator %q on %s", side, cond.Operator, cond.Field))
			continue
		}

		switch cond.CompareType {
		case domain.CompareValue:
			if !checkValueBounds(&cond, side, errs) {
				continue
			}

		case domain.CompareField:
			if cond.CompareField == "" || !indicators.Known(cond.CompareField) {
				addError(errs, fmt.Sprintf("%s: unknown compare field %q", side, cond.CompareField))
				continue
			}
			if !autoSwap(&cond, side, errs) {
				continue
			}
			fillDefaultParams(&cond)
			if isTautology(&cond) {
				addError(errs, fmt.Sprintf("%s: tautology %s vs %s dropped", side, cond.Field, cond.CompareField))
				continue
			}

		case domain.CompareLookbackMin, domain.CompareLookbackMax, domain.CompareLookbackValue:
			if cond.LookbackField == "" {
				cond.LookbackField = cond.Field
			}
			if !indicators.Known(cond.LookbackField) {
				addError(errs, fmt.Sprintf("%s: unknown lookback field %q", side, cond.LookbackField))
				continue
			}
			if cond.LookbackN <= 0 {
				cond.LookbackN = 5
			}

		case domain.CompareConsecutive:
			if cond.ConsecutiveType != "rising" && cond.ConsecutiveType != "falling" {
				addError(errs, fmt.Sprintf("%s: invalid consecutive_type %q on %s", side, cond.ConsecutiveType, cond.Field))
				continue
			}
			if cond.LookbackN <= 0 {
				cond.LookbackN = 3
			}

		case domain.ComparePctDiff:
			if cond.CompareField == "" || !indicators.Known(cond.CompareField) {
				addError(errs, fmt.Sprintf("%s: pct_diff needs a valid compare field, got %q", side, cond.CompareField))
				continue
			}
			fillDefaultParams(&cond)

		case domain.ComparePctChange:
			if cond.LookbackN <= 0 {
				cond.LookbackN = 5
			}

		default:
			addError(errs, fmt.Sprintf("%s: unknown compare_type %q on %s", side, cond.CompareType, cond.Field))
			continue
		}

		kept = append(kept, cond)
	}

	return kept
}

// checkValueBounds enforces the per-field threshold range table. Returns
// false when the condition must be dropped.
func checkValueBounds(cond *domain.Condition, side string, errs *[]string) bool {
	spec, _ := indicators.Lookup(cond.Field)

	if spec.FieldCompareOnly {
		addError(errs, fmt.Sprintf("%s: %s requires a field comparison, value threshold dropped", side, cond.Field))
		return false
	}

	// Absolute price thresholds below 2.0 are almost always a ratio the
	// LLM meant as a percentage (e.g. close > 1.05).
	if indicators.IsPriceField(cond.Field) && cond.CompareValue < 2.0 {
		addError(errs, fmt.Sprintf("%s: %s threshold %.2f looks like a percentage, dropped", side, cond.Field, cond.CompareValue))
		return false
	}

	if spec.Range != nil && !spec.Range.Contains(cond.CompareValue) {
		addError(errs, fmt.Sprintf("%s: %s threshold %g outside [%g, %g]", side, cond.Field, cond.CompareValue, spec.Range.Min, spec.Range.Max))
		return false
	}

	return true
}

// autoSwap normalizes reversed field comparisons so the price field sits
// on the LHS. An indicator-vs-price comparison across scales (RSI > close)
// is dropped. Returns false when the condition must be dropped.
func autoSwap(cond *domain.Condition, side string, errs *[]string) bool {
	lhsPrice := indicators.IsPriceField(cond.Field)
	rhsPrice := indicators.IsPriceField(cond.CompareField)
	if lhsPrice || !rhsPrice {
		return true
	}

	lhsSpec, _ := indicators.Lookup(cond.Field)
	if !lhsSpec.PriceScale {
		addError(errs, fmt.Sprintf("%s: %s vs %s compares different scales, dropped", side, cond.Field, cond.CompareField))
		return false
	}

	cond.Field, cond.CompareField = cond.CompareField, cond.Field
	cond.Params, cond.CompareParams = cond.CompareParams, cond.Params
	cond.Operator = cond.Operator.Invert()
	return true
}

// fillDefaultParams injects registry defaults when the RHS params are
// empty (e.g. MA -> {period: 20}).
func fillDefaultParams(cond *domain.Condition) {
	if len(cond.CompareParams) == 0 {
		cond.CompareParams = indicators.DefaultParams(cond.CompareField)
	}
	if len(cond.Params) == 0 {
		cond.Params = indicators.DefaultParams(cond.Field)
	}
}

// isTautology detects self-comparisons like OBV > OBV with equal params.
func isTautology(cond *domain.Condition) bool {
	if cond.Field != cond.CompareField {
		return false
	}
	return domain.ParamsFingerprint(effectiveParams(cond.Field, cond.Params)) ==
		domain.ParamsFingerprint(effectiveParams(cond.CompareField, cond.CompareParams))
}

func effectiveParams(field string, params map[string]float64) map[string]float64 {
	if len(params) > 0 {
		return params
	}
	return indicators.DefaultParams(field)
}

// bound tracks the tightest lower/upper value thresholds for one
// (field, params) group.
type bound struct {
	hasLow     bool
	low        float64
	lowStrict  bool
	hasHigh    bool
	high       float64
	highStrict bool
	indices    []int
}

// dropContradictions groups value conditions by (field, params
// fingerprint) and drops every value condition of any group whose
// tightest bounds cannot be satisfied together. Salvages the rest of the
// strategy rather than rejecting it wholesale.
func dropContradictions(conds []domain.Condition, errs *[]string) []domain.Condition {
	groups := make(map[string]*bound)

	for i := range conds {
		cond := &conds[i]
		if cond.CompareType != domain.CompareValue {
			continue
		}
		key := cond.GroupKey()
		g := groups[key]
		if g == nil {
			g = &bound{}
			groups[key] = g
		}
		g.indices = append(g.indices, i)

		switch cond.Operator {
		case domain.OpGT, domain.OpGE:
			strict := cond.Operator == domain.OpGT
			if !g.hasLow || cond.CompareValue > g.low || (cond.CompareValue == g.low && strict) {
				g.hasLow, g.low, g.lowStrict = true, cond.CompareValue, strict
			}
		case domain.OpLT, domain.OpLE:
			strict := cond.Operator == domain.OpLT
			if !g.hasHigh || cond.CompareValue < g.high || (cond.CompareValue == g.high && strict) {
				g.hasHigh, g.high, g.highStrict = true, cond.CompareValue, strict
			}
		}
	}

	drop := make(map[int]bool)
	for _, g := range groups {
		if !g.hasLow || !g.hasHigh {
			continue
		}
		infeasible := g.low > g.high || (g.low == g.high && (g.lowStrict || g.highStrict))
		if !infeasible {
			continue
		}
		field := conds[g.indices[0]].Field
		addError(errs, fmt.Sprintf("contradictory value conditions on %s (> %g vs < %g), all dropped", field, g.low, g.high))
		for _, i := range g.indices {
			drop[i] = true
		}
	}

	if len(drop) == 0 {
		return conds
	}
	kept := make([]domain.Condition, 0, len(conds)-len(drop))
	for i := range conds {
		if !drop[i] {
			kept = append(kept, conds[i])
		}
	}
	return kept
}

// normalizeExit clamps the exit config into its legal ranges, supplying
// defaults when missing.
func normalizeExit(ec *domain.ExitConfig) domain.ExitConfig {
	def := domain.DefaultExitConfig()
	if ec == nil {
		return def
	}

	out := *ec
	if out.StopLossPct == 0 {
		out.StopLossPct = def.StopLossPct
	}
	if out.StopLossPct > 0 {
		out.StopLossPct = -out.StopLossPct
	}
	if out.TakeProfitPct == 0 {
		out.TakeProfitPct = def.TakeProfitPct
	}
	out.TakeProfitPct = math.Abs(out.TakeProfitPct)
	if out.MaxHoldDays < 1 {
		out.MaxHoldDays = def.MaxHoldDays
	}
	return out
}

// CheckReachable is the structural pre-check the runner calls before each
// backtest. Buy conditions are AND-joined, so a single-field contradiction
// makes the whole set unreachable. The check is conservative: it never
// rejects a satisfiable set.
func CheckReachable(buyConds []domain.Condition) (bool, string) {
	var errs []string
	kept := dropContradictions(append([]domain.Condition(nil), buyConds...), &errs)
	if len(kept) < len(buyConds) {
		return false, errs[0]
	}
	return true, ""
}

func addError(errs *[]string, msg string) {
	if len(*errs) < maxErrors {
		*errs = append(*errs, msg)
	}
}
