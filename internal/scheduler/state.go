package scheduler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantlab-cn/quantlab/internal/domain"
)

const lastRunKey = "pipeline_last_run_date"

// StateRepository is the pipeline's small key/value store.
type StateRepository struct {
	db *sql.DB
}

// NewStateRepository creates the pipeline state store.
func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

// Get returns a state value, or "" when the key is unset.
func (r *StateRepository) Get(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM pipeline_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pipeline state %s: %w", key, err)
	}
	return value, nil
}

// Set upserts a state value.
func (r *StateRepository) Set(key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO pipeline_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set pipeline state %s: %w", key, err)
	}
	return nil
}

// ReportsRepository persists daily AI reports.
type ReportsRepository struct {
	db *sql.DB
}

// NewReportsRepository creates the AI reports store.
func NewReportsRepository(db *sql.DB) *ReportsRepository {
	return &ReportsRepository{db: db}
}

// Save upserts one report per report_date.
func (r *ReportsRepository) Save(report *domain.AIReport) error {
	content, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT INTO ai_reports (report_date, report_type, market_regime, regime_confidence, content, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(report_date) DO UPDATE SET
			report_type = excluded.report_type, market_regime = excluded.market_regime,
			regime_confidence = excluded.regime_confidence, content = excluded.content,
			summary = excluded.summary`,
		report.ReportDate, report.ReportType, report.MarketRegime, report.RegimeConfidence,
		string(content), report.Summary, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save report %s: %w", report.ReportDate, err)
	}
	return nil
}

// ByDate loads one report, or nil when the date has none.
func (r *ReportsRepository) ByDate(date string) (*domain.AIReport, error) {
	var content string
	err := r.db.QueryRow(`SELECT content FROM ai_reports WHERE report_date = ?`, date).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", date, err)
	}

	var report domain.AIReport
	if err := json.Unmarshal([]byte(content), &report); err != nil {
		return nil, fmt.Errorf("report %s content: %w", date, err)
	}
	return &report, nil
}

// Latest returns the most recent report, or nil when none exist.
func (r *ReportsRepository) Latest() (*domain.AIReport, error) {
	var content string
	err := r.db.QueryRow(`SELECT content FROM ai_reports ORDER BY report_date DESC LIMIT 1`).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest report: %w", err)
	}

	var report domain.AIReport
	if err := json.Unmarshal([]byte(content), &report); err != nil {
		return nil, fmt.Errorf("latest report content: %w", err)
	}
	return &report, nil
}
