package domain

import (
	"fmt"
	"sort"
	"strings"
)

// CompareType discriminates the eight condition variants the validator
// accepts from the LLM.
type CompareType string

const (
	CompareValue         CompareType = "value"
	CompareField         CompareType = "field"
	CompareLookbackMin   CompareType = "lookback_min"
	CompareLookbackMax   CompareType = "lookback_max"
	CompareLookbackValue CompareType = "lookback_value"
	CompareConsecutive   CompareType = "consecutive"
	ComparePctDiff       CompareType = "pct_diff"
	ComparePctChange     CompareType = "pct_change"
)

// Operator is one of the four relational operators a condition may use.
type Operator string

const (
	OpGT Operator = ">"
	OpLT Operator = "<"
	OpGE Operator = ">="
	OpLE Operator = "<="
)

// ValidOperator reports whether op is one of the four accepted operators.
func ValidOperator(op Operator) bool {
	switch op {
	case OpGT, OpLT, OpGE, OpLE:
		return true
	}
	return false
}

// Invert mirrors the operator for LHS/RHS swaps: a > b becomes b < a.
func (op Operator) Invert() Operator {
	switch op {
	case OpGT:
		return OpLT
	case OpLT:
		return OpGT
	case OpGE:
		return OpLE
	case OpLE:
		return OpGE
	}
	return op
}

// Condition is one leaf of a strategy condition tree. Buy-side leaves are
// joined by AND, sell-side leaves by OR. The populated operand fields
// depend on CompareType.
type Condition struct {
	Field    string             `json:"field"`
	Operator Operator           `json:"operator"`
	Params   map[string]float64 `json:"params,omitempty"`

	CompareType CompareType `json:"compare_type"`

	// CompareType == value | pct_diff | pct_change
	CompareValue float64 `json:"compare_value,omitempty"`

	// CompareType == field | pct_diff
	CompareField  string             `json:"compare_field,omitempty"`
	CompareParams map[string]float64 `json:"compare_params,omitempty"`

	// CompareType == lookback_* | pct_change
	LookbackField string `json:"lookback_field,omitempty"`
	LookbackN     int    `json:"lookback_n,omitempty"`

	// CompareType == consecutive
	ConsecutiveType string `json:"consecutive_type,omitempty"` // rising | falling
}

// ParamsFingerprint renders a deterministic fingerprint of a parameter map
// so conditions on the same (field, params) pair can be grouped.
func ParamsFingerprint(params map[string]float64) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%g", k, params[k]))
	}
	return strings.Join(parts, ",")
}

// GroupKey identifies the (field, params) bucket this condition belongs to
// for contradiction detection.
func (c *Condition) GroupKey() string {
	return c.Field + "|" + ParamsFingerprint(c.Params)
}

// ExitConfig is the normalized position exit configuration.
// StopLossPct <= 0, TakeProfitPct >= 0, MaxHoldDays >= 1.
type ExitConfig struct {
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	MaxHoldDays   int     `json:"max_hold_days"`
}

// DefaultExitConfig returns the exit defaults applied when the LLM omits
// the exit block: -8% stop, +20% target, 20 day hold cap.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{StopLossPct: -8, TakeProfitPct: 20, MaxHoldDays: 20}
}

// Candidate is one raw strategy payload from the LLM, before validation.
type Candidate struct {
	Name           string      `json:"name"`
	Description    string      `json:"description"`
	BuyConditions  []Condition `json:"buy_conditions"`
	SellConditions []Condition `json:"sell_conditions"`
	ExitConfig     *ExitConfig `json:"exit_config,omitempty"`
}
