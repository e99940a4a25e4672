// Package indicators materializes technical indicator columns from daily
// bars. A strategy's conditions are walked once to build a unified Config
// so shared columns (e.g. MA_5 and MA_20) are each computed exactly once.
package indicators

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quantlab-cn/quantlab/internal/domain"
)

// Spec describes one indicator family in the registry.
type Spec struct {
	// DefaultParams are injected when a field comparison omits params.
	DefaultParams map[string]float64
	// Range bounds value comparisons; nil means range-unchecked.
	Range *Bounds
	// FieldCompareOnly marks fields whose scale makes absolute thresholds
	// meaningless (BOLL bands, VWAP, OBV): value comparisons are dropped.
	FieldCompareOnly bool
	// PriceScale marks fields measured in CNY (price misuse check applies).
	PriceScale bool
}

// Bounds is an inclusive value range.
type Bounds struct {
	Min float64
	Max float64
}

// Contains reports whether v lies inside the bounds.
func (b *Bounds) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

func bounds(min, max float64) *Bounds { return &Bounds{Min: min, Max: max} }

// Price fields map straight onto bar columns.
const (
	FieldOpen   = "open"
	FieldHigh   = "high"
	FieldLow    = "low"
	FieldClose  = "close"
	FieldVolume = "volume"
)

// registry is the built-in indicator table: field name to spec.
// KDJ here is the A-share convention: Stochastic with J = 3K - 2D.
var registry = map[string]Spec{
	FieldOpen:   {Range: bounds(1, 10000), PriceScale: true},
	FieldHigh:   {Range: bounds(1, 10000), PriceScale: true},
	FieldLow:    {Range: bounds(1, 10000), PriceScale: true},
	FieldClose:  {Range: bounds(1, 10000), PriceScale: true},
	FieldVolume: {},

	"MA":  {DefaultParams: map[string]float64{"period": 20}, Range: bounds(1, 10000), PriceScale: true},
	"EMA": {DefaultParams: map[string]float64{"period": 20}, Range: bounds(1, 10000), PriceScale: true},

	"RSI": {DefaultParams: map[string]float64{"period": 14}, Range: bounds(0, 100)},

	"KDJ_K": {DefaultParams: map[string]float64{"period": 9}, Range: bounds(0, 100)},
	"KDJ_D": {DefaultParams: map[string]float64{"period": 9}, Range: bounds(0, 100)},
	"KDJ_J": {DefaultParams: map[string]float64{"period": 9}, Range: bounds(-20, 120)},

	"MACD":        {DefaultParams: map[string]float64{"fast": 12, "slow": 26, "signal": 9}},
	"MACD_SIGNAL": {DefaultParams: map[string]float64{"fast": 12, "slow": 26, "signal": 9}},
	"MACD_HIST":   {DefaultParams: map[string]float64{"fast": 12, "slow": 26, "signal": 9}},

	"BOLL_UPPER": {DefaultParams: map[string]float64{"length": 20, "std": 2.0}, FieldCompareOnly: true, PriceScale: true},
	"BOLL_MID":   {DefaultParams: map[string]float64{"length": 20, "std": 2.0}, FieldCompareOnly: true, PriceScale: true},
	"BOLL_LOWER": {DefaultParams: map[string]float64{"length": 20, "std": 2.0}, FieldCompareOnly: true, PriceScale: true},

	"ATR": {DefaultParams: map[string]float64{"period": 14}, Range: bounds(0.1, 500)},
	"CCI": {DefaultParams: map[string]float64{"period": 14}, Range: bounds(-500, 500)},
	"WR":  {DefaultParams: map[string]float64{"period": 14}, Range: bounds(-100, 0)},
	"ROC": {DefaultParams: map[string]float64{"period": 12}, Range: bounds(-50, 50)},
	"MFI": {DefaultParams: map[string]float64{"period": 14}, Range: bounds(0, 100)},

	"ADX":          {DefaultParams: map[string]float64{"period": 14}, Range: bounds(0, 100)},
	"ADX_PLUS_DI":  {DefaultParams: map[string]float64{"period": 14}, Range: bounds(0, 100)},
	"ADX_MINUS_DI": {DefaultParams: map[string]float64{"period": 14}, Range: bounds(0, 100)},

	"OBV":  {FieldCompareOnly: true},
	"VWAP": {DefaultParams: map[string]float64{"period": 20}, FieldCompareOnly: true, PriceScale: true},

	"TRIX": {DefaultParams: map[string]float64{"period": 12}, Range: bounds(-1, 1)},
	"DPO":  {DefaultParams: map[string]float64{"period": 20}, Range: bounds(-100, 100)},
	"CMF":  {DefaultParams: map[string]float64{"period": 20}, Range: bounds(-1, 1)},

	"STOCHRSI_K": {DefaultParams: map[string]float64{"period": 14}, Range: bounds(0, 100)},
	"STOCHRSI_D": {DefaultParams: map[string]float64{"period": 14}, Range: bounds(0, 100)},

	"PSAR": {DefaultParams: map[string]float64{"step": 0.02, "max_step": 0.2}, PriceScale: true},

	// Volume moving average, used by the alpha volume-price component.
	"VOL_MA": {DefaultParams: map[string]float64{"period": 5}},
}

// extended holds user-registered indicator families beyond the built-ins.
var extended = map[string]Spec{}

// RegisterExtended adds an extended indicator family to the lookup table.
func RegisterExtended(field string, spec Spec) {
	extended[field] = spec
}

// Lookup finds a field in the union of the built-in and extended tables.
func Lookup(field string) (Spec, bool) {
	if spec, ok := registry[field]; ok {
		return spec, true
	}
	spec, ok := extended[field]
	return spec, ok
}

// Known reports whether field is a recognized indicator or price field.
func Known(field string) bool {
	_, ok := Lookup(field)
	return ok
}

// IsPriceField reports whether field is a raw bar column.
func IsPriceField(field string) bool {
	switch field {
	case FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume:
		return true
	}
	return false
}

// DefaultParams returns a copy of the registry defaults for a field.
func DefaultParams(field string) map[string]float64 {
	spec, ok := Lookup(field)
	if !ok || len(spec.DefaultParams) == 0 {
		return nil
	}
	out := make(map[string]float64, len(spec.DefaultParams))
	for k, v := range spec.DefaultParams {
		out[k] = v
	}
	return out
}

// ColumnKey renders the canonical frame column name for a field and its
// effective params, e.g. "RSI_14" or "BOLL_UPPER_20_2".
func ColumnKey(field string, params map[string]float64) string {
	if IsPriceField(field) {
		return field
	}

	merged := DefaultParams(field)
	if merged == nil {
		merged = map[string]float64{}
	}
	for k, v := range params {
		merged[k] = v
	}
	if len(merged) == 0 {
		return field
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, field)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%g", merged[k]))
	}
	return strings.Join(parts, "_")
}

// Config is the set of indicator columns a strategy needs, keyed by
// canonical column name.
type Config struct {
	columns map[string]columnSpec
}

type columnSpec struct {
	Field  string
	Params map[string]float64
}

// NewConfig creates an empty indicator config.
func NewConfig() *Config {
	return &Config{columns: make(map[string]columnSpec)}
}

// Add registers a (field, params) column requirement.
func (c *Config) Add(field string, params map[string]float64) {
	if field == "" || !Known(field) {
		return
	}
	key := ColumnKey(field, params)
	if _, ok := c.columns[key]; ok {
		return
	}

	merged := DefaultParams(field)
	if merged == nil {
		merged = map[string]float64{}
	}
	for k, v := range params {
		merged[k] = v
	}
	c.columns[key] = columnSpec{Field: field, Params: merged}
}

// AddConditions walks condition leaves and registers every referenced column.
func (c *Config) AddConditions(conds []domain.Condition) {
	for i := range conds {
		cond := &conds[i]
		c.Add(cond.Field, cond.Params)
		if cond.CompareField != "" {
			c.Add(cond.CompareField, cond.CompareParams)
		}
		if cond.LookbackField != "" {
			c.Add(cond.LookbackField, nil)
		}
	}
}

// Merge folds another config's columns into this one.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	for key, spec := range other.columns {
		if _, ok := c.columns[key]; !ok {
			c.columns[key] = spec
		}
	}
}

// Len returns the number of distinct columns required.
func (c *Config) Len() int { return len(c.columns) }

// ConfigForStrategy unions the indicator requirements of a strategy's buy
// and sell conditions, including every combo member.
func ConfigForStrategy(s *domain.Strategy) *Config {
	cfg := NewConfig()
	cfg.AddConditions(s.BuyConditions)
	cfg.AddConditions(s.SellConditions)
	if s.Combo != nil {
		for i := range s.Combo.Members {
			cfg.AddConditions(s.Combo.Members[i].BuyConditions)
			cfg.AddConditions(s.Combo.Members[i].SellConditions)
		}
	}
	return cfg
}
