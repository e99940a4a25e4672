package experiments

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantlab-cn/quantlab/internal/backtest"
	"github.com/quantlab-cn/quantlab/internal/database"
	"github.com/quantlab-cn/quantlab/internal/domain"
)

// ErrNotFound is returned when an experiment or candidate row is missing.
var ErrNotFound = errors.New("experiments: not found")

// Repository persists experiments, their candidate strategies, and the
// backtest runs produced for them.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates an experiments repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("component", "experiments_repo").Logger()}
}

// CreateExperiment inserts a new experiment and returns its id.
func (r *Repository) CreateExperiment(exp *domain.Experiment) (int64, error) {
	now := time.Now().Unix()
	res, err := r.db.Exec(`
		INSERT INTO experiments (theme, source_type, source_text, status, initial_capital, max_positions, max_position_pct, strategy_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.Theme, string(exp.SourceType), exp.SourceText, string(exp.Status),
		exp.InitialCapital, exp.MaxPositions, exp.MaxPositionPct, exp.StrategyCount, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert experiment: %w", err)
	}
	return res.LastInsertId()
}

// GetExperiment loads one experiment by id.
func (r *Repository) GetExperiment(id int64) (*domain.Experiment, error) {
	var (
		exp       domain.Experiment
		created   int64
		updated   int64
		srcType   string
		status    string
	)
	err := r.db.QueryRow(`
		SELECT id, theme, source_type, source_text, status, initial_capital, max_positions, max_position_pct, strategy_count, created_at, updated_at
		FROM experiments WHERE id = ?`, id).Scan(
		&exp.ID, &exp.Theme, &srcType, &exp.SourceText, &status,
		&exp.InitialCapital, &exp.MaxPositions, &exp.MaxPositionPct, &exp.StrategyCount,
		&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load experiment %d: %w", id, err)
	}
	exp.SourceType = domain.ExperimentSourceType(srcType)
	exp.Status = domain.ExperimentStatus(status)
	exp.CreatedAt = time.Unix(created, 0)
	exp.UpdatedAt = time.Unix(updated, 0)
	return &exp, nil
}

// ListExperiments returns the most recent experiments, newest first.
func (r *Repository) ListExperiments(limit int) ([]domain.Experiment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, theme, source_type, source_text, status, initial_capital, max_positions, max_position_pct, strategy_count, created_at, updated_at
		FROM experiments ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	var out []domain.Experiment
	for rows.Next() {
		var (
			exp     domain.Experiment
			created int64
			updated int64
			srcType string
			status  string
		)
		if err := rows.Scan(&exp.ID, &exp.Theme, &srcType, &exp.SourceText, &status,
			&exp.InitialCapital, &exp.MaxPositions, &exp.MaxPositionPct, &exp.StrategyCount,
			&created, &updated); err != nil {
			return nil, err
		}
		exp.SourceType = domain.ExperimentSourceType(srcType)
		exp.Status = domain.ExperimentStatus(status)
		exp.CreatedAt = time.Unix(created, 0)
		exp.UpdatedAt = time.Unix(updated, 0)
		out = append(out, exp)
	}
	return out, rows.Err()
}

// UpdateExperimentStatus moves an experiment to a new lifecycle state.
func (r *Repository) UpdateExperimentStatus(id int64, status domain.ExperimentStatus) error {
	_, err := r.db.Exec(`UPDATE experiments SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update experiment %d status: %w", id, err)
	}
	return nil
}

// FailExperimentIfActive marks the experiment failed unless it already
// reached a terminal state. Used by crash paths so a completed experiment
// is never demoted.
func (r *Repository) FailExperimentIfActive(id int64) error {
	_, err := r.db.Exec(`
		UPDATE experiments SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(domain.ExperimentFailed), time.Now().Unix(), id,
		string(domain.ExperimentDone), string(domain.ExperimentFailed))
	return err
}

// CompleteExperimentIfActive marks the experiment done unless a watchdog
// or crash path already failed it; completion never overwrites a failed
// verdict.
func (r *Repository) CompleteExperimentIfActive(id int64) error {
	_, err := r.db.Exec(`
		UPDATE experiments SET status = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		string(domain.ExperimentDone), time.Now().Unix(), id,
		string(domain.ExperimentFailed))
	return err
}

// DeleteExperiment removes an experiment; candidate rows cascade.
func (r *Repository) DeleteExperiment(id int64) error {
	res, err := r.db.Exec(`DELETE FROM experiments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete experiment %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertCandidate persists one candidate strategy and returns its id.
func (r *Repository) InsertCandidate(c *domain.ExperimentStrategy) (int64, error) {
	buy, sell, exit, combo, err := marshalCandidateConfig(c)
	if err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	res, err := r.db.Exec(`
		INSERT INTO experiment_strategies (experiment_id, name, description, buy_conditions, sell_conditions, exit_config, portfolio_config, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ExperimentID, c.Name, c.Description, buy, sell, exit, combo,
		string(c.Status), c.ErrorMessage, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert candidate: %w", err)
	}
	return res.LastInsertId()
}

const candidateColumns = `id, experiment_id, name, description, buy_conditions, sell_conditions, exit_config, portfolio_config, status, error_message,
	total_trades, win_rate, total_return_pct, max_drawdown_pct, avg_hold_days, avg_pnl_pct, score, regime_stats, backtest_run_id, promoted, promoted_strategy_id`

// GetCandidate loads one candidate by id.
func (r *Repository) GetCandidate(id int64) (*domain.ExperimentStrategy, error) {
	row := r.db.QueryRow(`SELECT `+candidateColumns+` FROM experiment_strategies WHERE id = ?`, id)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// CandidatesByExperiment returns all candidates of an experiment in
// declaration (insertion) order.
func (r *Repository) CandidatesByExperiment(expID int64) ([]domain.ExperimentStrategy, error) {
	rows, err := r.db.Query(`SELECT `+candidateColumns+` FROM experiment_strategies WHERE experiment_id = ? ORDER BY id`, expID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.ExperimentStrategy
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetCandidateStatus updates status and error message for one candidate.
func (r *Repository) SetCandidateStatus(id int64, status domain.CandidateStatus, errMsg string) error {
	_, err := r.db.Exec(`UPDATE experiment_strategies SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update candidate %d status: %w", id, err)
	}
	return nil
}

// SaveCandidateResult persists a finished backtest's metrics onto the
// candidate row.
func (r *Repository) SaveCandidateResult(c *domain.ExperimentStrategy) error {
	var regimeStats any
	if len(c.RegimeStats) > 0 {
		data, err := json.Marshal(c.RegimeStats)
		if err != nil {
			return fmt.Errorf("marshal regime stats: %w", err)
		}
		regimeStats = string(data)
	}
	_, err := r.db.Exec(`
		UPDATE experiment_strategies
		SET status = ?, error_message = ?, total_trades = ?, win_rate = ?, total_return_pct = ?,
		    max_drawdown_pct = ?, avg_hold_days = ?, avg_pnl_pct = ?, score = ?,
		    regime_stats = ?, backtest_run_id = ?, updated_at = ?
		WHERE id = ?`,
		string(c.Status), c.ErrorMessage, c.TotalTrades, c.WinRate, c.TotalReturnPct,
		c.MaxDrawdownPct, c.AvgHoldDays, c.AvgPnlPct, c.Score,
		regimeStats, nullIfEmpty(c.BacktestRunID), time.Now().Unix(), c.ID)
	if err != nil {
		return fmt.Errorf("save candidate %d result: %w", c.ID, err)
	}
	return nil
}

// MarkPromoted links a candidate to the formal strategy created from it.
func (r *Repository) MarkPromoted(candidateID, strategyID int64) error {
	_, err := r.db.Exec(`UPDATE experiment_strategies SET promoted = 1, promoted_strategy_id = ?, updated_at = ? WHERE id = ?`,
		strategyID, time.Now().Unix(), candidateID)
	return err
}

// InvalidateNonTerminal marks every pending/backtesting candidate of an
// experiment invalid with the given reason. Returns the row count.
func (r *Repository) InvalidateNonTerminal(expID int64, reason string) (int64, error) {
	res, err := r.db.Exec(`
		UPDATE experiment_strategies SET status = ?, error_message = ?, updated_at = ?
		WHERE experiment_id = ? AND status IN (?, ?)`,
		string(domain.CandidateInvalid), reason, time.Now().Unix(), expID,
		string(domain.CandidatePending), string(domain.CandidateBacktesting))
	if err != nil {
		return 0, fmt.Errorf("invalidate candidates of experiment %d: %w", expID, err)
	}
	return res.RowsAffected()
}

// Orphan is one candidate left pending/backtesting by a dead process.
type Orphan struct {
	CandidateID  int64
	ExperimentID int64
	SourceType   domain.ExperimentSourceType
}

// Orphans lists candidates whose worker no longer exists (any process
// start finds all pending/backtesting rows orphaned).
func (r *Repository) Orphans() ([]Orphan, error) {
	rows, err := r.db.Query(`
		SELECT es.id, es.experiment_id, e.source_type
		FROM experiment_strategies es
		JOIN experiments e ON e.id = es.experiment_id
		WHERE es.status IN (?, ?)
		ORDER BY es.experiment_id, es.id`,
		string(domain.CandidatePending), string(domain.CandidateBacktesting))
	if err != nil {
		return nil, fmt.Errorf("query orphans: %w", err)
	}
	defer rows.Close()

	var out []Orphan
	for rows.Next() {
		var o Orphan
		var srcType string
		if err := rows.Scan(&o.CandidateID, &o.ExperimentID, &srcType); err != nil {
			return nil, err
		}
		o.SourceType = domain.ExperimentSourceType(srcType)
		out = append(out, o)
	}
	return out, rows.Err()
}

// RetryableExperiments lists experiments that still have work: candidates
// pending/backtesting, or failed with surviving buy conditions.
func (r *Repository) RetryableExperiments() ([]int64, error) {
	rows, err := r.db.Query(`
		SELECT DISTINCT experiment_id FROM experiment_strategies
		WHERE status IN (?, ?)
		   OR (status = ? AND buy_conditions != '' AND buy_conditions != '[]')
		ORDER BY experiment_id`,
		string(domain.CandidatePending), string(domain.CandidateBacktesting),
		string(domain.CandidateFailed))
	if err != nil {
		return nil, fmt.Errorf("query retryable experiments: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BestCandidate returns the highest-scoring done candidate, or nil when
// the experiment produced none.
func (r *Repository) BestCandidate(expID int64) (*domain.ExperimentStrategy, error) {
	row := r.db.QueryRow(`SELECT `+candidateColumns+` FROM experiment_strategies
		WHERE experiment_id = ? AND status = ? ORDER BY score DESC, id LIMIT 1`,
		expID, string(domain.CandidateDone))
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// SaveBacktestRun stores the run header and its trades in one transaction.
func (r *Repository) SaveBacktestRun(runID, strategyName string, strategyID *int64, res *backtest.Result) error {
	reasonStats, err := json.Marshal(res.SellReasonStats)
	if err != nil {
		return fmt.Errorf("marshal sell reason stats: %w", err)
	}
	now := time.Now().Unix()

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO backtest_runs (id, strategy_name, strategy_id, start_date, end_date, initial_capital, final_equity,
				total_trades, win_rate, total_return_pct, max_drawdown_pct, sharpe_ratio, cagr_pct, calmar_ratio, profit_loss_ratio, sell_reason_stats, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, strategyName, strategyID, res.StartDate, res.EndDate, res.InitialCapital, res.FinalEquity,
			res.Metrics.TotalTrades, res.Metrics.WinRate, res.Metrics.TotalReturnPct, res.Metrics.MaxDrawdownPct,
			res.Metrics.SharpeRatio, res.Metrics.CagrPct, res.Metrics.CalmarRatio, res.Metrics.ProfitLossRatio,
			string(reasonStats), now)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO backtest_trades (run_id, code, strategy_name, buy_date, buy_price, sell_date, sell_price, quantity, sell_reason, pnl_pct, pnl_value, hold_days)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare trades: %w", err)
		}
		defer stmt.Close()

		for i := range res.Trades {
			t := &res.Trades[i]
			if _, err := stmt.Exec(runID, t.Code, t.StrategyName, t.BuyDate, t.BuyPrice,
				t.SellDate, t.SellPrice, t.Quantity, t.SellReason, t.PnlPct, t.PnlValue, t.HoldDays); err != nil {
				return fmt.Errorf("insert trade %d: %w", i, err)
			}
		}
		return nil
	})
}

// RunTrades loads all trades of one backtest run.
func (r *Repository) RunTrades(runID string) ([]backtest.Trade, error) {
	rows, err := r.db.Query(`
		SELECT code, strategy_name, buy_date, buy_price, sell_date, sell_price, quantity, sell_reason, pnl_pct, pnl_value, hold_days
		FROM backtest_trades WHERE run_id = ? ORDER BY buy_date, code`, runID)
	if err != nil {
		return nil, fmt.Errorf("load trades of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []backtest.Trade
	for rows.Next() {
		var t backtest.Trade
		if err := rows.Scan(&t.Code, &t.StrategyName, &t.BuyDate, &t.BuyPrice, &t.SellDate, &t.SellPrice,
			&t.Quantity, &t.SellReason, &t.PnlPct, &t.PnlValue, &t.HoldDays); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row rowScanner) (*domain.ExperimentStrategy, error) {
	var (
		c           domain.ExperimentStrategy
		status      string
		buyJSON     string
		sellJSON    string
		exitJSON    string
		comboJSON   sql.NullString
		regimeJSON  sql.NullString
		runID       sql.NullString
		promoted    int
		promotedSID sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.ExperimentID, &c.Name, &c.Description, &buyJSON, &sellJSON, &exitJSON,
		&comboJSON, &status, &c.ErrorMessage,
		&c.TotalTrades, &c.WinRate, &c.TotalReturnPct, &c.MaxDrawdownPct, &c.AvgHoldDays, &c.AvgPnlPct,
		&c.Score, &regimeJSON, &runID, &promoted, &promotedSID)
	if err != nil {
		return nil, err
	}
	c.Status = domain.CandidateStatus(status)
	c.Promoted = promoted != 0
	if promotedSID.Valid {
		id := promotedSID.Int64
		c.PromotedStrategyID = &id
	}
	if runID.Valid {
		c.BacktestRunID = runID.String
	}

	if err := json.Unmarshal([]byte(buyJSON), &c.BuyConditions); err != nil {
		return nil, fmt.Errorf("candidate %d buy conditions: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(sellJSON), &c.SellConditions); err != nil {
		return nil, fmt.Errorf("candidate %d sell conditions: %w", c.ID, err)
	}
	if exitJSON != "" && exitJSON != "{}" {
		if err := json.Unmarshal([]byte(exitJSON), &c.ExitConfig); err != nil {
			return nil, fmt.Errorf("candidate %d exit config: %w", c.ID, err)
		}
	} else {
		c.ExitConfig = domain.DefaultExitConfig()
	}
	if comboJSON.Valid && comboJSON.String != "" {
		var combo domain.ComboConfig
		if err := json.Unmarshal([]byte(comboJSON.String), &combo); err != nil {
			return nil, fmt.Errorf("candidate %d combo config: %w", c.ID, err)
		}
		c.Combo = &combo
	}
	if regimeJSON.Valid && regimeJSON.String != "" {
		if err := unmarshalRegimeStats(&c, regimeJSON.String); err != nil {
			return nil, fmt.Errorf("candidate %d regime stats: %w", c.ID, err)
		}
	}
	return &c, nil
}

// unmarshalRegimeStats decodes the regime attribution JSON. Rows written
// by older releases smuggled the combo config into this blob under a
// "_combo_config" key; migrate it into the Combo field transparently.
func unmarshalRegimeStats(c *domain.ExperimentStrategy, raw string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return err
	}

	if legacy, ok := fields["_combo_config"]; ok {
		delete(fields, "_combo_config")
		if c.Combo == nil {
			var combo domain.ComboConfig
			if err := json.Unmarshal(legacy, &combo); err == nil && len(combo.Members) > 0 {
				c.Combo = &combo
			}
		}
	}

	if len(fields) == 0 {
		return nil
	}
	c.RegimeStats = make(map[string]domain.RegimeStat, len(fields))
	for regime, blob := range fields {
		var stat domain.RegimeStat
		if err := json.Unmarshal(blob, &stat); err != nil {
			return err
		}
		c.RegimeStats[regime] = stat
	}
	return nil
}

func marshalCandidateConfig(c *domain.ExperimentStrategy) (buy, sell, exit string, combo any, err error) {
	buyData, err := json.Marshal(conditionsOrEmpty(c.BuyConditions))
	if err != nil {
		return "", "", "", nil, fmt.Errorf("marshal buy conditions: %w", err)
	}
	sellData, err := json.Marshal(conditionsOrEmpty(c.SellConditions))
	if err != nil {
		return "", "", "", nil, fmt.Errorf("marshal sell conditions: %w", err)
	}
	exitData, err := json.Marshal(c.ExitConfig)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("marshal exit config: %w", err)
	}
	if c.Combo != nil {
		comboData, err := json.Marshal(c.Combo)
		if err != nil {
			return "", "", "", nil, fmt.Errorf("marshal combo config: %w", err)
		}
		combo = string(comboData)
	}
	return string(buyData), string(sellData), string(exitData), combo, nil
}

func conditionsOrEmpty(conds []domain.Condition) []domain.Condition {
	if conds == nil {
		return []domain.Condition{}
	}
	return conds
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
