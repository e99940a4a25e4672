package backtest

import "math"

// ScoreWeights are the component weights of the composite strategy score.
type ScoreWeights struct {
	Return   float64
	Drawdown float64
	Sharpe   float64
	PLR      float64
}

// DefaultScoreWeights returns the standard weighting.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Return: 0.30, Drawdown: 0.25, Sharpe: 0.25, PLR: 0.20}
}

// logistic maps x through a sigmoid centered at c with scale s, into (0,1).
func logistic(x, c, s float64) float64 {
	return 1 / (1 + math.Exp(-(x-c)/s))
}

// Score folds the run metrics into a single value in [0,1]. Each component
// passes through a logistic transform; a drawdown beyond 80% halves the
// final score.
func Score(m Metrics, w ScoreWeights) float64 {
	retScore := logistic(m.TotalReturnPct, 0, 30)
	ddScore := 1 - logistic(math.Abs(m.MaxDrawdownPct), 30, 15)
	sharpeScore := logistic(m.SharpeRatio, 0, 1.5)
	plrScore := logistic(m.ProfitLossRatio, 1, 1.5)

	score := w.Return*retScore + w.Drawdown*ddScore + w.Sharpe*sharpeScore + w.PLR*plrScore

	if math.Abs(m.MaxDrawdownPct) > 80 {
		score *= 0.5
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
