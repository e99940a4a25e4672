package signals

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quantlab-cn/quantlab/internal/database"
	"github.com/quantlab-cn/quantlab/internal/domain"
)

// Repository persists trading signals. One row exists per (code, date).
type Repository struct {
	db *sql.DB
}

// NewRepository creates a signals repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// UpsertBatch writes a batch of signals in one transaction.
func (r *Repository) UpsertBatch(sigs []domain.TradingSignal) error {
	if len(sigs) == 0 {
		return nil
	}
	now := time.Now().Unix()
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO trading_signals (code, trade_date, action, alpha_score, oversold_score, consensus_score, volume_price_score, strategies, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(code, trade_date) DO UPDATE SET
				action = excluded.action,
				alpha_score = excluded.alpha_score,
				oversold_score = excluded.oversold_score,
				consensus_score = excluded.consensus_score,
				volume_price_score = excluded.volume_price_score,
				strategies = excluded.strategies,
				updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("prepare signal upsert: %w", err)
		}
		defer stmt.Close()

		for i := range sigs {
			s := &sigs[i]
			strategies, err := json.Marshal(s.Strategies)
			if err != nil {
				return fmt.Errorf("marshal strategies for %s: %w", s.Code, err)
			}
			if _, err := stmt.Exec(s.Code, s.TradeDate, string(s.Action), s.AlphaScore,
				s.OversoldScore, s.ConsensusScore, s.VolumePriceScore, string(strategies), now, now); err != nil {
				return fmt.Errorf("upsert signal %s/%s: %w", s.Code, s.TradeDate, err)
			}
		}
		return nil
	})
}

// DeleteStale removes rows for codes that were scanned on this date but
// produced no signal. Other dates are untouched.
func (r *Repository) DeleteStale(date string, codes []string) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	var total int64
	// Chunked to stay under the SQLite bound-parameter ceiling.
	const chunk = 500
	for len(codes) > 0 {
		n := chunk
		if len(codes) < n {
			n = len(codes)
		}
		batch := codes[:n]
		codes = codes[n:]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, 0, len(batch)+1)
		args = append(args, date)
		for _, code := range batch {
			args = append(args, code)
		}
		res, err := r.db.Exec(`DELETE FROM trading_signals WHERE trade_date = ? AND code IN (`+placeholders+`)`, args...)
		if err != nil {
			return total, fmt.Errorf("delete stale signals: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// ForDate loads every signal of one trade date, highest alpha first.
func (r *Repository) ForDate(date string) ([]domain.TradingSignal, error) {
	rows, err := r.db.Query(`
		SELECT code, trade_date, action, alpha_score, oversold_score, consensus_score, volume_price_score, strategies
		FROM trading_signals WHERE trade_date = ?
		ORDER BY alpha_score DESC, code`, date)
	if err != nil {
		return nil, fmt.Errorf("load signals for %s: %w", date, err)
	}
	defer rows.Close()

	var out []domain.TradingSignal
	for rows.Next() {
		var s domain.TradingSignal
		var action, strategies string
		if err := rows.Scan(&s.Code, &s.TradeDate, &action, &s.AlphaScore,
			&s.OversoldScore, &s.ConsensusScore, &s.VolumePriceScore, &strategies); err != nil {
			return nil, err
		}
		s.Action = domain.SignalAction(action)
		if err := json.Unmarshal([]byte(strategies), &s.Strategies); err != nil {
			return nil, fmt.Errorf("signal %s strategies: %w", s.Code, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestDate returns the most recent trade date with any signal rows, or
// "" when the table is empty.
func (r *Repository) LatestDate() (string, error) {
	var date sql.NullString
	err := r.db.QueryRow(`SELECT MAX(trade_date) FROM trading_signals`).Scan(&date)
	if err != nil {
		return "", fmt.Errorf("latest signal date: %w", err)
	}
	if !date.Valid {
		return "", nil
	}
	return date.String, nil
}
