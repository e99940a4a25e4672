package strategy

import (
	"github.com/quantlab-cn/quantlab/internal/domain"
	"github.com/quantlab-cn/quantlab/internal/indicators"
)

// EvalCondition evaluates one condition leaf at bar index i of the frame.
// A condition whose inputs are unavailable (warm-up NaN, missing column,
// not enough lookback history) evaluates to false.
func EvalCondition(frame *indicators.Frame, i int, cond *domain.Condition) bool {
	lhs, ok := frame.Value(indicators.ColumnKey(cond.Field, cond.Params), i)
	if !ok {
		return false
	}

	switch cond.CompareType {
	case domain.CompareValue:
		return compare(lhs, cond.Operator, cond.CompareValue)

	case domain.CompareField:
		rhs, ok := frame.Value(indicators.ColumnKey(cond.CompareField, cond.CompareParams), i)
		if !ok {
			return false
		}
		return compare(lhs, cond.Operator, rhs)

	case domain.CompareLookbackMin, domain.CompareLookbackMax:
		lo := i - cond.LookbackN
		if lo < 0 {
			return false
		}
		col := indicators.ColumnKey(cond.LookbackField, nil)
		first := true
		var extreme float64
		for j := lo; j < i; j++ {
			v, ok := frame.Value(col, j)
			if !ok {
				return false
			}
			if first {
				extreme, first = v, false
				continue
			}
			if cond.CompareType == domain.CompareLookbackMin && v < extreme {
				extreme = v
			}
			if cond.CompareType == domain.CompareLookbackMax && v > extreme {
				extreme = v
			}
		}
		if first {
			return false
		}
		return compare(lhs, cond.Operator, extreme)

	case domain.CompareLookbackValue:
		j := i - cond.LookbackN
		if j < 0 {
			return false
		}
		rhs, ok := frame.Value(indicators.ColumnKey(cond.LookbackField, nil), j)
		if !ok {
			return false
		}
		return compare(lhs, cond.Operator, rhs)

	case domain.CompareConsecutive:
		lo := i - cond.LookbackN
		if lo < 0 {
			return false
		}
		col := indicators.ColumnKey(cond.Field, cond.Params)
		for j := lo + 1; j <= i; j++ {
			prev, ok1 := frame.Value(col, j-1)
			cur, ok2 := frame.Value(col, j)
			if !ok1 || !ok2 {
				return false
			}
			if cond.ConsecutiveType == "rising" && cur <= prev {
				return false
			}
			if cond.ConsecutiveType == "falling" && cur >= prev {
				return false
			}
		}
		return true

	case domain.ComparePctDiff:
		rhs, ok := frame.Value(indicators.ColumnKey(cond.CompareField, cond.CompareParams), i)
		if !ok || rhs == 0 {
			return false
		}
		diff := (lhs - rhs) / rhs * 100
		return compare(diff, cond.Operator, cond.CompareValue)

	case domain.ComparePctChange:
		j := i - cond.LookbackN
		if j < 0 {
			return false
		}
		prev, ok := frame.Value(indicators.ColumnKey(cond.Field, cond.Params), j)
		if !ok || prev == 0 {
			return false
		}
		change := (lhs - prev) / prev * 100
		return compare(change, cond.Operator, cond.CompareValue)
	}

	return false
}

func compare(lhs float64, op domain.Operator, rhs float64) bool {
	switch op {
	case domain.OpGT:
		return lhs > rhs
	case domain.OpLT:
		return lhs < rhs
	case domain.OpGE:
		return lhs >= rhs
	case domain.OpLE:
		return lhs <= rhs
	}
	return false
}

// BuyTriggered evaluates buy conditions with AND semantics at bar i.
// An empty condition list never triggers.
func BuyTriggered(frame *indicators.Frame, i int, conds []domain.Condition) bool {
	if len(conds) == 0 {
		return false
	}
	for j := range conds {
		if !EvalCondition(frame, i, &conds[j]) {
			return false
		}
	}
	return true
}

// SellTriggered evaluates sell conditions with OR semantics at bar i.
func SellTriggered(frame *indicators.Frame, i int, conds []domain.Condition) bool {
	for j := range conds {
		if EvalCondition(frame, i, &conds[j]) {
			return true
		}
	}
	return false
}

// ComboVotes counts how many combo members trigger a buy at bar i.
func ComboVotes(frame *indicators.Frame, i int, combo *domain.ComboConfig) int {
	votes := 0
	for m := range combo.Members {
		if BuyTriggered(frame, i, combo.Members[m].BuyConditions) {
			votes++
		}
	}
	return votes
}

// ComboBuyMembers returns the names of members voting buy at bar i.
func ComboBuyMembers(frame *indicators.Frame, i int, combo *domain.ComboConfig) []string {
	var names []string
	for m := range combo.Members {
		if BuyTriggered(frame, i, combo.Members[m].BuyConditions) {
			names = append(names, combo.Members[m].Name)
		}
	}
	return names
}

// ComboSellTriggered applies the combo sell mode: "any" sells when any
// member sells, "majority" when more than half do.
func ComboSellTriggered(frame *indicators.Frame, i int, combo *domain.ComboConfig) bool {
	sells := 0
	for m := range combo.Members {
		if SellTriggered(frame, i, combo.Members[m].SellConditions) {
			sells++
		}
	}
	if combo.SellMode == "majority" {
		return sells*2 > len(combo.Members)
	}
	return sells > 0
}
