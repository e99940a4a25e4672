// Package domain holds the core entity types shared across the platform.
// The domain layer is pure: no database, HTTP or logging dependencies.
package domain

import "time"

// Stock is one tradable instrument from the master list.
type Stock struct {
	Code     string `json:"code"` // 6-digit code
	Name     string `json:"name"`
	Market   string `json:"market"`
	Industry string `json:"industry"`
}

// DailyBar is one OHLCV bar for a stock or an index.
// Invariant: Low <= Open, Close <= High; Volume >= 0.
type DailyBar struct {
	Code   string  `json:"code"`
	Date   string  `json:"date"` // YYYY-MM-DD
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Amount float64 `json:"amount"`
}

// CalendarDay is one exchange calendar entry.
type CalendarDay struct {
	Exchange string `json:"exchange"`
	Date     string `json:"date"` // YYYY-MM-DD
	IsOpen   bool   `json:"is_open"`
}

// ExperimentStatus is the lifecycle state of an experiment.
// Transitions are monotonic except for admin-forced resets.
type ExperimentStatus string

const (
	ExperimentPending     ExperimentStatus = "pending"
	ExperimentGenerating  ExperimentStatus = "generating"
	ExperimentBacktesting ExperimentStatus = "backtesting"
	ExperimentDone        ExperimentStatus = "done"
	ExperimentFailed      ExperimentStatus = "failed"
)

// ExperimentSourceType classifies where an experiment's candidates come from.
type ExperimentSourceType string

const (
	SourceTemplate ExperimentSourceType = "template"
	SourceCustom   ExperimentSourceType = "custom"
	SourceClone    ExperimentSourceType = "clone"
	SourceCombo    ExperimentSourceType = "combo"
)

// Experiment is one unit of strategy search: LLM generation plus N
// candidate backtests.
type Experiment struct {
	ID             int64                `json:"id"`
	Theme          string               `json:"theme"`
	SourceType     ExperimentSourceType `json:"source_type"`
	SourceText     string               `json:"source_text"`
	Status         ExperimentStatus     `json:"status"`
	InitialCapital float64              `json:"initial_capital"`
	MaxPositions   int                  `json:"max_positions"`
	MaxPositionPct float64              `json:"max_position_pct"`
	StrategyCount  int                  `json:"strategy_count"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// CandidateStatus is the lifecycle state of one experiment candidate.
type CandidateStatus string

const (
	CandidatePending     CandidateStatus = "pending"
	CandidateBacktesting CandidateStatus = "backtesting"
	CandidateDone        CandidateStatus = "done"
	CandidateInvalid     CandidateStatus = "invalid"
	CandidateFailed      CandidateStatus = "failed"
)

// Terminal reports whether a candidate needs no further work.
// A failed candidate with surviving buy conditions stays retryable.
func (s CandidateStatus) Terminal(hasBuyConditions bool) bool {
	switch s {
	case CandidateDone, CandidateInvalid:
		return true
	case CandidateFailed:
		return !hasBuyConditions
	default:
		return false
	}
}

// ExperimentStrategy is one candidate strategy under an experiment.
// Invariants: done implies TotalTrades >= 1 and Score in [0,1];
// invalid implies Score == 0.
type ExperimentStrategy struct {
	ID              int64           `json:"id"`
	ExperimentID    int64           `json:"experiment_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	BuyConditions   []Condition     `json:"buy_conditions"`
	SellConditions  []Condition     `json:"sell_conditions"`
	ExitConfig      ExitConfig      `json:"exit_config"`
	Combo           *ComboConfig    `json:"combo,omitempty"`
	Status          CandidateStatus `json:"status"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	TotalTrades     int             `json:"total_trades"`
	WinRate         float64         `json:"win_rate"`
	TotalReturnPct  float64         `json:"total_return_pct"`
	MaxDrawdownPct  float64         `json:"max_drawdown_pct"`
	AvgHoldDays     float64         `json:"avg_hold_days"`
	AvgPnlPct       float64         `json:"avg_pnl_pct"`
	Score           float64         `json:"score"`
	RegimeStats     map[string]RegimeStat `json:"regime_stats,omitempty"`
	BacktestRunID   string          `json:"backtest_run_id,omitempty"`
	Promoted        bool            `json:"promoted"`
	PromotedStrategyID *int64       `json:"promoted_strategy_id,omitempty"`
}

// Strategy is a formal, user-visible strategy promoted from the lab or
// created by hand.
type Strategy struct {
	ID                 int64        `json:"id"`
	Name               string       `json:"name"`
	Description        string       `json:"description"`
	BuyConditions      []Condition  `json:"buy_conditions"`
	SellConditions     []Condition  `json:"sell_conditions"`
	ExitConfig         ExitConfig   `json:"exit_config"`
	Combo              *ComboConfig `json:"combo,omitempty"`
	Category           string       `json:"category"`
	Enabled            bool         `json:"enabled"`
	SourceExperimentID *int64       `json:"source_experiment_id,omitempty"`
}

// IsCombo reports whether the strategy aggregates member votes.
func (s *Strategy) IsCombo() bool {
	return s.Combo != nil && len(s.Combo.Members) > 0
}

// ComboConfig describes an ensemble-voting strategy.
type ComboConfig struct {
	Members       []ComboMember `json:"members"`
	VoteThreshold int           `json:"vote_threshold"`
	SellMode      string        `json:"sell_mode"` // any | majority
}

// ComboMember is one voting member of a combo strategy.
type ComboMember struct {
	Name           string      `json:"name"`
	BuyConditions  []Condition `json:"buy_conditions"`
	SellConditions []Condition `json:"sell_conditions"`
}

// RegimeStat is per-regime trade attribution for one backtest.
type RegimeStat struct {
	Trades  int     `json:"trades"`
	AvgPnl  float64 `json:"avg_pnl"`
	WinRate float64 `json:"win_rate"`
}

// Regime is a weekly market regime classification.
type Regime string

const (
	RegimeTrendingBull Regime = "trending_bull"
	RegimeTrendingBear Regime = "trending_bear"
	RegimeRanging      Regime = "ranging"
	RegimeVolatile     Regime = "volatile"
)

// RegimeLabel is one persisted weekly regime classification derived from
// the benchmark index.
type RegimeLabel struct {
	WeekStart      string  `json:"week_start"`
	WeekEnd        string  `json:"week_end"`
	Regime         Regime  `json:"regime"`
	Confidence     float64 `json:"confidence"`
	TrendStrength  float64 `json:"trend_strength"`
	Volatility     float64 `json:"volatility"`
	IndexReturnPct float64 `json:"index_return_pct"`
}

// SignalAction is the decided per-stock action for a trade date.
type SignalAction string

const (
	ActionBuy  SignalAction = "buy"
	ActionSell SignalAction = "sell"
	ActionHold SignalAction = "hold"
)

// TradingSignal is one per-stock, per-date evaluation result.
// At most one row exists per (code, trade_date).
type TradingSignal struct {
	Code             string       `json:"code"`
	TradeDate        string       `json:"trade_date"`
	Action           SignalAction `json:"action"`
	AlphaScore       float64      `json:"alpha_score"`
	OversoldScore    float64      `json:"oversold_score"`
	ConsensusScore   float64      `json:"consensus_score"`
	VolumePriceScore float64      `json:"volume_price_score"`
	Strategies       []string     `json:"strategies"`
}

// PlanStatus is the trade-plan state machine state.
type PlanStatus string

const (
	PlanPending  PlanStatus = "pending"
	PlanExecuted PlanStatus = "executed"
	PlanExpired  PlanStatus = "expired"
)

// TradePlan is a conditional next-trading-day order.
// At most one pending plan exists per (code, direction).
type TradePlan struct {
	ID             int64      `json:"id"`
	Code           string     `json:"code"`
	Name           string     `json:"name"`
	Direction      string     `json:"direction"` // buy | sell
	PlanPrice      float64    `json:"plan_price"`
	Quantity       int64      `json:"quantity"`
	SellPct        float64    `json:"sell_pct"`
	PlanDate       string     `json:"plan_date"`
	Status         PlanStatus `json:"status"`
	Reason         string     `json:"reason"`
	ExecutionPrice *float64   `json:"execution_price,omitempty"`
}

// BotPosition is one simulated holding. Rows exist only while
// Quantity > 0; a full exit deletes the row and spawns a TradeReview.
type BotPosition struct {
	Code     string  `json:"code"`
	Name     string  `json:"name"`
	Quantity int64   `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
	OpenedAt string  `json:"opened_at"`
}

// BotTrade is one simulated executed trade (or an informational hold row).
type BotTrade struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Action    string  `json:"action"`
	Price     float64 `json:"price"`
	Quantity  int64   `json:"quantity"`
	Amount    float64 `json:"amount"`
	TradeDate string  `json:"trade_date"`
	Reason    string  `json:"reason"`
}

// TradeReview is the post-mortem record created exactly once when a
// position is fully closed.
type TradeReview struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	OpenedAt  string  `json:"opened_at"`
	ClosedAt  string  `json:"closed_at"`
	AvgCost   float64 `json:"avg_cost"`
	ExitPrice float64 `json:"exit_price"`
	Quantity  int64   `json:"quantity"`
	PnlPct    float64 `json:"pnl_pct"`
	PnlValue  float64 `json:"pnl_value"`
}

// Recommendation is one AI analyst recommendation feeding the trade-plan
// generator.
type Recommendation struct {
	StockCode  string   `json:"stock_code"`
	StockName  string   `json:"stock_name"`
	Action     string   `json:"action"` // buy | sell | hold | reduce
	Reason     string   `json:"reason"`
	EntryPrice *float64 `json:"entry_price,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	Target     *float64 `json:"target,omitempty"`
	AlphaScore *float64 `json:"alpha_score,omitempty"`
	SellPct    float64  `json:"sell_pct,omitempty"`
}

// AIReport is the persisted daily analyst output.
type AIReport struct {
	ReportDate       string           `json:"report_date"`
	ReportType       string           `json:"report_type"`
	MarketRegime     string           `json:"market_regime"`
	RegimeConfidence float64          `json:"market_regime_confidence"`
	Recommendations  []Recommendation `json:"recommendations"`
	ThinkingProcess  string           `json:"thinking_process"`
	Summary          string           `json:"summary"`
}
