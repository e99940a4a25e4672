// Package regime classifies market weeks from the benchmark index into
// trending_bull, trending_bear, ranging, or volatile, and persists the
// labels for backtest attribution and pipeline reporting.
package regime

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/quantlab-cn/quantlab/internal/domain"
)

// Classification thresholds, tuned on CSI 300 weekly behaviour.
const (
	// trailingDays is the lookback used to score each week.
	trailingDays = 20

	// trendThreshold is the minimum normalized slope (percent per day)
	// for a trending label.
	trendThreshold = 0.15

	// volatileThreshold is the annualized daily-return stddev (percent)
	// above which the week is volatile regardless of trend.
	volatileThreshold = 35.0
)

// Service computes and serves weekly regime labels.
type Service struct {
	db        *sql.DB
	indexCode string
	log       zerolog.Logger
}

// NewService creates a regime service bound to one benchmark index.
func NewService(db *sql.DB, indexCode string, log zerolog.Logger) *Service {
	return &Service{
		db:        db,
		indexCode: indexCode,
		log:       log.With().Str("component", "regime").Logger(),
	}
}

// EnsureLabels computes and inserts labels for every Monday-anchored week
// in [start, end] that has no row yet. Idempotent: a second call over the
// same window inserts nothing and returns 0.
func (s *Service) EnsureLabels(start, end string) (int, error) {
	bars, err := s.indexBars(shiftDate(start, -trailingDays*2), end)
	if err != nil {
		return 0, err
	}
	if len(bars) < trailingDays {
		return 0, fmt.Errorf("insufficient index history for %s: %d bars", s.indexCode, len(bars))
	}

	existing, err := s.existingWeeks(start, end)
	if err != nil {
		return 0, err
	}

	byDate := make(map[string]int, len(bars))
	for i := range bars {
		byDate[bars[i].Date] = i
	}

	inserted := 0
	now := time.Now().Unix()
	for _, week := range weeksBetween(start, end) {
		if existing[week.start] {
			continue
		}
		label, ok := s.classifyWeek(week, bars, byDate)
		if !ok {
			continue
		}
		_, err := s.db.Exec(`
			INSERT INTO market_regime_labels (week_start, week_end, regime, confidence, trend_strength, volatility, index_return_pct, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(week_start) DO NOTHING`,
			label.WeekStart, label.WeekEnd, string(label.Regime), label.Confidence,
			label.TrendStrength, label.Volatility, label.IndexReturnPct, now)
		if err != nil {
			return inserted, fmt.Errorf("insert regime label %s: %w", label.WeekStart, err)
		}
		inserted++
	}

	if inserted > 0 {
		s.log.Info().Int("inserted", inserted).Str("start", start).Str("end", end).Msg("regime labels computed")
	}
	return inserted, nil
}

// Labels returns the persisted labels in [start, end], oldest first.
func (s *Service) Labels(start, end string) ([]domain.RegimeLabel, error) {
	rows, err := s.db.Query(`
		SELECT week_start, week_end, regime, confidence, trend_strength, volatility, index_return_pct
		FROM market_regime_labels
		WHERE week_start >= ? AND week_start <= ?
		ORDER BY week_start`, start, end)
	if err != nil {
		return nil, fmt.Errorf("load regime labels: %w", err)
	}
	defer rows.Close()

	var out []domain.RegimeLabel
	for rows.Next() {
		var l domain.RegimeLabel
		var regime string
		if err := rows.Scan(&l.WeekStart, &l.WeekEnd, &regime, &l.Confidence,
			&l.TrendStrength, &l.Volatility, &l.IndexReturnPct); err != nil {
			return nil, err
		}
		l.Regime = domain.Regime(regime)
		out = append(out, l)
	}
	return out, rows.Err()
}

// LabelMap expands the weekly labels into a per-calendar-date lookup for
// trade attribution.
func (s *Service) LabelMap(start, end string) (map[string]domain.Regime, error) {
	labels, err := s.Labels(start, end)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Regime)
	for _, l := range labels {
		day, err1 := time.Parse("2006-01-02", l.WeekStart)
		last, err2 := time.Parse("2006-01-02", l.WeekEnd)
		if err1 != nil || err2 != nil {
			continue
		}
		for !day.After(last) {
			out[day.Format("2006-01-02")] = l.Regime
			day = day.AddDate(0, 0, 1)
		}
	}
	return out, nil
}

// Summary is the per-regime share of labeled weeks in a window.
type Summary struct {
	Weeks  int                       `json:"weeks"`
	Counts map[domain.Regime]int     `json:"counts"`
	Shares map[domain.Regime]float64 `json:"shares"`
	Latest *domain.RegimeLabel       `json:"latest,omitempty"`
}

// Summarize aggregates the labeled weeks of a window.
func (s *Service) Summarize(start, end string) (*Summary, error) {
	labels, err := s.Labels(start, end)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		Weeks:  len(labels),
		Counts: make(map[domain.Regime]int),
		Shares: make(map[domain.Regime]float64),
	}
	for i := range labels {
		sum.Counts[labels[i].Regime]++
	}
	if len(labels) > 0 {
		last := labels[len(labels)-1]
		sum.Latest = &last
		for regime, n := range sum.Counts {
			sum.Shares[regime] = float64(n) / float64(len(labels))
		}
	}
	return sum, nil
}

// BenchmarkReturnPct returns the index close-to-close return over the
// window, in percent.
func (s *Service) BenchmarkReturnPct(start, end string) (float64, error) {
	bars, err := s.indexBars(start, end)
	if err != nil {
		return 0, err
	}
	if len(bars) < 2 {
		return 0, errors.New("insufficient index bars for benchmark return")
	}
	first, last := bars[0].Close, bars[len(bars)-1].Close
	if first <= 0 {
		return 0, errors.New("non-positive benchmark close")
	}
	return (last - first) / first * 100, nil
}

// week is one Monday..Sunday span.
type week struct {
	start string
	end   string
}

// weeksBetween lists Monday-anchored weeks whose start falls in
// [start, end].
func weeksBetween(start, end string) []week {
	from, err1 := time.Parse("2006-01-02", start)
	to, err2 := time.Parse("2006-01-02", end)
	if err1 != nil || err2 != nil || from.After(to) {
		return nil
	}

	// Snap to the Monday of the first week.
	offset := (int(from.Weekday()) + 6) % 7
	monday := from.AddDate(0, 0, -offset)
	if monday.Before(from) {
		monday = monday.AddDate(0, 0, 7)
	}

	var out []week
	for !monday.After(to) {
		out = append(out, week{
			start: monday.Format("2006-01-02"),
			end:   monday.AddDate(0, 0, 6).Format("2006-01-02"),
		})
		monday = monday.AddDate(0, 0, 7)
	}
	return out
}

// classifyWeek scores one week from the trailing window ending at its
// last trading day. Returns false when the window lacks data.
func (s *Service) classifyWeek(w week, bars []domain.DailyBar, byDate map[string]int) (domain.RegimeLabel, bool) {
	lastIdx := -1
	firstIdx := -1
	day, _ := time.Parse("2006-01-02", w.start)
	for i := 0; i < 7; i++ {
		d := day.AddDate(0, 0, i).Format("2006-01-02")
		if idx, ok := byDate[d]; ok {
			if firstIdx < 0 {
				firstIdx = idx
			}
			lastIdx = idx
		}
	}
	if lastIdx < 0 || lastIdx+1 < trailingDays {
		return domain.RegimeLabel{}, false
	}

	window := bars[lastIdx+1-trailingDays : lastIdx+1]

	closes := make([]float64, len(window))
	xs := make([]float64, len(window))
	for i := range window {
		closes[i] = window[i].Close
		xs[i] = float64(i)
	}

	// Normalized slope: percent of mean close per trading day.
	_, beta := stat.LinearRegression(xs, closes, nil, false)
	meanClose := stat.Mean(closes, nil)
	trendStrength := 0.0
	if meanClose > 0 {
		trendStrength = beta / meanClose * 100
	}

	returns := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		if window[i-1].Close > 0 {
			returns = append(returns, (window[i].Close-window[i-1].Close)/window[i-1].Close)
		}
	}
	volatility := 0.0
	if len(returns) >= 2 {
		_, std := stat.MeanStdDev(returns, nil)
		volatility = std * math.Sqrt(252) * 100
	}

	weekReturn := 0.0
	if firstIdx >= 0 && bars[firstIdx].Close > 0 {
		weekReturn = (bars[lastIdx].Close - bars[firstIdx].Close) / bars[firstIdx].Close * 100
	}

	regime, confidence := classify(trendStrength, volatility)
	return domain.RegimeLabel{
		WeekStart:      w.start,
		WeekEnd:        w.end,
		Regime:         regime,
		Confidence:     confidence,
		TrendStrength:  trendStrength,
		Volatility:     volatility,
		IndexReturnPct: weekReturn,
	}, true
}

// classify maps (trend, volatility) to a regime with a confidence score.
// Volatility dominates: a violent week is volatile even when trending.
func classify(trendStrength, volatility float64) (domain.Regime, float64) {
	if volatility > volatileThreshold {
		conf := math.Min(1, volatility/(volatileThreshold*2))
		return domain.RegimeVolatile, conf
	}
	if trendStrength > trendThreshold {
		conf := math.Min(1, trendStrength/(trendThreshold*3))
		return domain.RegimeTrendingBull, conf
	}
	if trendStrength < -trendThreshold {
		conf := math.Min(1, -trendStrength/(trendThreshold*3))
		return domain.RegimeTrendingBear, conf
	}
	// Weak trend, calm tape.
	conf := 1 - math.Abs(trendStrength)/trendThreshold
	if conf < 0.3 {
		conf = 0.3
	}
	return domain.RegimeRanging, conf
}

func (s *Service) indexBars(start, end string) ([]domain.DailyBar, error) {
	rows, err := s.db.Query(`
		SELECT date, open, high, low, close, volume, amount
		FROM index_daily
		WHERE code = ? AND date >= ? AND date <= ?
		ORDER BY date`, s.indexCode, start, end)
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", s.indexCode, err)
	}
	defer rows.Close()

	var out []domain.DailyBar
	for rows.Next() {
		b := domain.DailyBar{Code: s.indexCode}
		if err := rows.Scan(&b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// existingWeeks returns the set of week_start values already labeled.
func (s *Service) existingWeeks(start, end string) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT week_start FROM market_regime_labels WHERE week_start >= ? AND week_start <= ?`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, err
		}
		out[ws] = true
	}
	return out, rows.Err()
}

// shiftDate moves a YYYY-MM-DD date by n days; the input is returned
// unchanged when unparseable.
func shiftDate(date string, days int) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, days).Format("2006-01-02")
}
