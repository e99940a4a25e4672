package plans

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quantlab-cn/quantlab/internal/domain"
)

// ErrNotFound is returned for missing plan or position rows.
var ErrNotFound = errors.New("plans: not found")

// Repository persists trade plans, the simulated portfolio, its trades,
// and closed-position reviews.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a plans repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// UpsertPlan inserts a plan or, when a pending plan already exists for
// (code, direction), replaces its price, quantity, and reason.
func (r *Repository) UpsertPlan(p *domain.TradePlan) error {
	now := time.Now().Unix()

	res, err := r.db.Exec(`
		UPDATE trade_plans
		SET plan_price = ?, quantity = ?, sell_pct = ?, plan_date = ?, reason = ?, name = ?, updated_at = ?
		WHERE code = ? AND direction = ? AND status = ?`,
		p.PlanPrice, p.Quantity, p.SellPct, p.PlanDate, p.Reason, p.Name, now,
		p.Code, p.Direction, string(domain.PlanPending))
	if err != nil {
		return fmt.Errorf("update pending plan %s/%s: %w", p.Code, p.Direction, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = r.db.Exec(`
		INSERT INTO trade_plans (code, name, direction, plan_price, quantity, sell_pct, plan_date, status, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Code, p.Name, p.Direction, p.PlanPrice, p.Quantity, p.SellPct, p.PlanDate,
		string(domain.PlanPending), p.Reason, now, now)
	if err != nil {
		return fmt.Errorf("insert plan %s/%s: %w", p.Code, p.Direction, err)
	}
	return nil
}

// PendingPlans returns pending plans with plan_date <= date, oldest first.
func (r *Repository) PendingPlans(date string) ([]domain.TradePlan, error) {
	rows, err := r.db.Query(`
		SELECT id, code, name, direction, plan_price, quantity, sell_pct, plan_date, status, reason, execution_price
		FROM trade_plans
		WHERE status = ? AND plan_date <= ?
		ORDER BY plan_date, id`, string(domain.PlanPending), date)
	if err != nil {
		return nil, fmt.Errorf("load pending plans: %w", err)
	}
	defer rows.Close()

	var out []domain.TradePlan
	for rows.Next() {
		var p domain.TradePlan
		var status string
		var execPrice sql.NullFloat64
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Direction, &p.PlanPrice, &p.Quantity,
			&p.SellPct, &p.PlanDate, &status, &p.Reason, &execPrice); err != nil {
			return nil, err
		}
		p.Status = domain.PlanStatus(status)
		if execPrice.Valid {
			v := execPrice.Float64
			p.ExecutionPrice = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkExecuted moves a plan to executed with its fill price.
func (r *Repository) MarkExecuted(id int64, price float64) error {
	now := time.Now().Unix()
	_, err := r.db.Exec(`
		UPDATE trade_plans SET status = ?, execution_price = ?, executed_at = ?, updated_at = ? WHERE id = ?`,
		string(domain.PlanExecuted), price, now, now, id)
	return err
}

// MarkExpired moves a plan to expired with a reason note.
func (r *Repository) MarkExpired(id int64, reason string) error {
	_, err := r.db.Exec(`
		UPDATE trade_plans SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		string(domain.PlanExpired), reason, time.Now().Unix(), id)
	return err
}

// Position loads one holding, or ErrNotFound.
func (r *Repository) Position(code string) (*domain.BotPosition, error) {
	var p domain.BotPosition
	err := r.db.QueryRow(`
		SELECT code, name, quantity, avg_cost, opened_at FROM bot_portfolio WHERE code = ?`, code).
		Scan(&p.Code, &p.Name, &p.Quantity, &p.AvgCost, &p.OpenedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", code, err)
	}
	return &p, nil
}

// Positions returns all current holdings.
func (r *Repository) Positions() ([]domain.BotPosition, error) {
	rows, err := r.db.Query(`SELECT code, name, quantity, avg_cost, opened_at FROM bot_portfolio ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []domain.BotPosition
	for rows.Next() {
		var p domain.BotPosition
		if err := rows.Scan(&p.Code, &p.Name, &p.Quantity, &p.AvgCost, &p.OpenedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HeldCodes returns the set of currently held codes.
func (r *Repository) HeldCodes() (map[string]bool, error) {
	positions, err := r.Positions()
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(positions))
	for i := range positions {
		held[positions[i].Code] = true
	}
	return held, nil
}

// SavePosition creates or replaces a holding row.
func (r *Repository) SavePosition(p *domain.BotPosition) error {
	_, err := r.db.Exec(`
		INSERT INTO bot_portfolio (code, name, quantity, avg_cost, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name, quantity = excluded.quantity,
			avg_cost = excluded.avg_cost, updated_at = excluded.updated_at`,
		p.Code, p.Name, p.Quantity, p.AvgCost, p.OpenedAt, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.Code, err)
	}
	return nil
}

// DeletePosition removes a fully exited holding.
func (r *Repository) DeletePosition(code string) error {
	_, err := r.db.Exec(`DELETE FROM bot_portfolio WHERE code = ?`, code)
	return err
}

// InsertTrade records one executed (or informational hold) trade.
func (r *Repository) InsertTrade(t *domain.BotTrade) error {
	_, err := r.db.Exec(`
		INSERT INTO bot_trades (code, name, action, price, quantity, amount, trade_date, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Code, t.Name, t.Action, t.Price, t.Quantity, t.Amount, t.TradeDate, t.Reason, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert trade %s/%s: %w", t.Code, t.Action, err)
	}
	return nil
}

// HasTrade reports whether a trade with the given action already exists
// for (code, date). Guards same-day duplicate buys and T+0 sells.
func (r *Repository) HasTrade(code, action, date string) (bool, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM bot_trades WHERE code = ? AND action = ? AND trade_date = ?`,
		code, action, date).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check trade %s/%s/%s: %w", code, action, date, err)
	}
	return n > 0, nil
}

// InsertReview records the post-mortem for one fully closed position.
func (r *Repository) InsertReview(v *domain.TradeReview) error {
	_, err := r.db.Exec(`
		INSERT INTO bot_trade_reviews (code, name, opened_at, closed_at, avg_cost, exit_price, quantity, pnl_pct, pnl_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.Code, v.Name, v.OpenedAt, v.ClosedAt, v.AvgCost, v.ExitPrice, v.Quantity, v.PnlPct, v.PnlValue, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert review %s: %w", v.Code, err)
	}
	return nil
}
