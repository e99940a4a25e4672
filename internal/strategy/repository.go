package strategy

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quantlab-cn/quantlab/internal/domain"
)

// ErrNotFound is returned when a strategy row is missing.
var ErrNotFound = errors.New("strategy: not found")

// Repository persists formal (user-visible) strategies.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a strategy repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const strategyColumns = `id, name, description, buy_conditions, sell_conditions, exit_config, portfolio_config, category, enabled, source_experiment_id`

// Create inserts a formal strategy and returns its id. backtestSummary
// may be nil.
func (r *Repository) Create(s *domain.Strategy, backtestSummary any) (int64, error) {
	buy, err := json.Marshal(s.BuyConditions)
	if err != nil {
		return 0, fmt.Errorf("marshal buy conditions: %w", err)
	}
	sell, err := json.Marshal(s.SellConditions)
	if err != nil {
		return 0, fmt.Errorf("marshal sell conditions: %w", err)
	}
	exit, err := json.Marshal(s.ExitConfig)
	if err != nil {
		return 0, fmt.Errorf("marshal exit config: %w", err)
	}

	var combo any
	if s.Combo != nil {
		data, err := json.Marshal(s.Combo)
		if err != nil {
			return 0, fmt.Errorf("marshal combo config: %w", err)
		}
		combo = string(data)
	}

	var summary any
	if backtestSummary != nil {
		data, err := json.Marshal(backtestSummary)
		if err != nil {
			return 0, fmt.Errorf("marshal backtest summary: %w", err)
		}
		summary = string(data)
	}

	enabled := 0
	if s.Enabled {
		enabled = 1
	}
	res, err := r.db.Exec(`
		INSERT INTO strategies (name, description, buy_conditions, sell_conditions, exit_config, portfolio_config, category, enabled, backtest_summary, source_experiment_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Name, s.Description, string(buy), string(sell), string(exit), combo,
		s.Category, enabled, summary, s.SourceExperimentID, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert strategy %q: %w", s.Name, err)
	}
	return res.LastInsertId()
}

// ByID loads one strategy (soft-deleted rows excluded).
func (r *Repository) ByID(id int64) (*domain.Strategy, error) {
	row := r.db.QueryRow(`SELECT `+strategyColumns+` FROM strategies WHERE id = ? AND deleted_at IS NULL`, id)
	s, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// Enabled returns every enabled, non-deleted strategy.
func (r *Repository) Enabled() ([]domain.Strategy, error) {
	return r.query(`SELECT ` + strategyColumns + ` FROM strategies WHERE enabled = 1 AND deleted_at IS NULL ORDER BY id`)
}

// EnabledByFamilies returns the enabled strategies of the named
// categories; an empty name list returns everything enabled.
func (r *Repository) EnabledByFamilies(families []string) ([]domain.Strategy, error) {
	if len(families) == 0 {
		return r.Enabled()
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(families)), ",")
	args := make([]any, len(families))
	for i, f := range families {
		args[i] = f
	}
	return r.query(`SELECT `+strategyColumns+` FROM strategies
		WHERE enabled = 1 AND deleted_at IS NULL AND category IN (`+placeholders+`) ORDER BY id`, args...)
}

// TopByScore returns the n best enabled strategies by their backtest
// summary score. Used as the fallback when the AI family selector fails.
func (r *Repository) TopByScore(n int) ([]domain.Strategy, error) {
	return r.query(`SELECT `+strategyColumns+` FROM strategies
		WHERE enabled = 1 AND deleted_at IS NULL
		ORDER BY COALESCE(json_extract(backtest_summary, '$.score'), 0) DESC, id
		LIMIT ?`, n)
}

// FamilyStats is one category's aggregate for the AI selector table.
type FamilyStats struct {
	Family   string  `json:"family"`
	Count    int     `json:"count"`
	AvgScore float64 `json:"avg_score"`
}

// FamilyStatsTable aggregates enabled strategies per category.
func (r *Repository) FamilyStatsTable() ([]FamilyStats, error) {
	rows, err := r.db.Query(`
		SELECT category, COUNT(*), AVG(COALESCE(json_extract(backtest_summary, '$.score'), 0))
		FROM strategies
		WHERE enabled = 1 AND deleted_at IS NULL AND category != ''
		GROUP BY category ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("family stats: %w", err)
	}
	defer rows.Close()

	var out []FamilyStats
	for rows.Next() {
		var fs FamilyStats
		if err := rows.Scan(&fs.Family, &fs.Count, &fs.AvgScore); err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

// SetEnabled toggles a strategy.
func (r *Repository) SetEnabled(id int64, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := r.db.Exec(`UPDATE strategies SET enabled = ? WHERE id = ? AND deleted_at IS NULL`, v, id)
	return err
}

// SoftDelete hides a strategy without breaking references from runs.
func (r *Repository) SoftDelete(id int64) error {
	res, err := r.db.Exec(`UPDATE strategies SET deleted_at = ?, enabled = 0 WHERE id = ? AND deleted_at IS NULL`,
		time.Now().Unix(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) query(q string, args ...any) ([]domain.Strategy, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (*domain.Strategy, error) {
	var (
		s         domain.Strategy
		buyJSON   string
		sellJSON  string
		exitJSON  string
		comboJSON sql.NullString
		enabled   int
		sourceExp sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.Name, &s.Description, &buyJSON, &sellJSON, &exitJSON,
		&comboJSON, &s.Category, &enabled, &sourceExp)
	if err != nil {
		return nil, err
	}
	s.Enabled = enabled != 0
	if sourceExp.Valid {
		id := sourceExp.Int64
		s.SourceExperimentID = &id
	}

	if err := json.Unmarshal([]byte(buyJSON), &s.BuyConditions); err != nil {
		return nil, fmt.Errorf("strategy %d buy conditions: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(sellJSON), &s.SellConditions); err != nil {
		return nil, fmt.Errorf("strategy %d sell conditions: %w", s.ID, err)
	}
	if exitJSON != "" && exitJSON != "{}" {
		if err := json.Unmarshal([]byte(exitJSON), &s.ExitConfig); err != nil {
			return nil, fmt.Errorf("strategy %d exit config: %w", s.ID, err)
		}
	} else {
		s.ExitConfig = domain.DefaultExitConfig()
	}
	if comboJSON.Valid && comboJSON.String != "" {
		var combo domain.ComboConfig
		if err := json.Unmarshal([]byte(comboJSON.String), &combo); err != nil {
			return nil, fmt.Errorf("strategy %d combo config: %w", s.ID, err)
		}
		s.Combo = &combo
	}
	return &s, nil
}
