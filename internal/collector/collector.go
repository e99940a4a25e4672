// Package collector provides cached OHLCV access with transparent gap
// detection and repair. Reads hit SQLite first; external sources are
// consulted only when the local window looks incomplete, with per-category
// primary/fallback selection and request pacing.
package collector

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantlab-cn/quantlab/internal/config"
	"github.com/quantlab-cn/quantlab/internal/domain"
)

// Read-path fetch decision thresholds.
const (
	// autoExtendYears widens every non-local read to this trailing window.
	autoExtendYears = 5

	// Head/tail gap tolerances before a refetch is forced.
	headGapDays = 60
	tailGapDays = 1

	// coverageRatio is the minimum local-rows / expected-trading-days
	// ratio before the window counts as internally gapped.
	coverageRatio = 0.9
)

// Source is one external market-data provider.
type Source interface {
	Name() string
	Daily(ctx context.Context, code, start, end string) ([]domain.DailyBar, error)
	DailyByDate(ctx context.Context, date string) ([]domain.DailyBar, error)
	IndexDaily(ctx context.Context, code, start, end string) ([]domain.DailyBar, error)
	StockList(ctx context.Context) ([]domain.Stock, error)
	TradingCalendar(ctx context.Context, start, end string) ([]domain.CalendarDay, error)
}

// Collector is the cached data access layer.
type Collector struct {
	db      *sql.DB
	sources map[string]Source
	cfg     config.DataSourcesConfig
	cache   *snapshotCache
	log     zerolog.Logger
}

// New wires a collector over the registered sources. sources is keyed by
// Source.Name(); dataDir hosts the warm-restart snapshot cache.
func New(db *sql.DB, sources map[string]Source, cfg config.DataSourcesConfig, dataDir string, log zerolog.Logger) *Collector {
	c := &Collector{
		db:      db,
		sources: sources,
		cfg:     cfg,
		cache:   newSnapshotCache(dataDir),
		log:     log.With().Str("component", "collector").Logger(),
	}
	if n, err := c.cache.load(); err == nil && n > 0 {
		c.log.Info().Int("series", n).Msg("bar snapshot cache loaded")
	}
	return c
}

// pace sleeps the configured interval before an external call.
func (c *Collector) pace() {
	if c.cfg.RequestIntervalMS > 0 {
		time.Sleep(time.Duration(c.cfg.RequestIntervalMS) * time.Millisecond)
	}
}

// sourcesFor returns the try-order for a category: the configured primary
// first, then the other source when fallback is enabled.
func (c *Collector) sourcesFor(category string) []Source {
	primary := c.preferredSource(category)

	var out []Source
	if s, ok := c.sources[primary]; ok {
		out = append(out, s)
	}
	if c.cfg.FallbackEnabled {
		for name, s := range c.sources {
			if name != primary {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Collector) preferredSource(category string) string {
	switch category {
	case "historical_daily":
		return c.cfg.HistoricalDaily
	case "index_data":
		return c.cfg.IndexData
	case "stock_list":
		return c.cfg.StockList
	case "realtime_quotes":
		return c.cfg.RealtimeQuotes
	case "sector_data":
		return c.cfg.SectorData
	case "money_flow":
		return c.cfg.MoneyFlow
	}
	return c.cfg.HistoricalDaily
}

// DailyBars is the cached read path for one stock's daily bars.
//
// Unless localOnly, the start date auto-extends back to a 5-year window
// and a fetch is attempted when the local rows look incomplete (missing,
// head gap > 60 days, tail gap > 1 day, or count below 90% of the
// expected trading days). All-source failure degrades to the local rows
// rather than erroring.
func (c *Collector) DailyBars(ctx context.Context, code, start, end string, localOnly bool) ([]domain.DailyBar, error) {
	if !localOnly {
		if extended := shiftDate(end, -365*autoExtendYears); extended < start {
			start = extended
		}
	}

	if bars, ok := c.cache.get(code, start, end); ok {
		return bars, nil
	}

	local, err := c.localDaily(code, start, end)
	if err != nil {
		return nil, err
	}
	if localOnly {
		return local, nil
	}

	if !c.fetchNeeded(local, start, end) {
		c.cache.put(code, start, end, local)
		return local, nil
	}

	fetched := c.fetchDaily(ctx, code, start, end)
	if len(fetched) > 0 {
		if err := c.upsertDaily(fetched); err != nil {
			c.log.Error().Err(err).Str("code", code).Msg("persist fetched bars")
		}
		// Union = re-read: the upsert merged fetched into local.
		if merged, err := c.localDaily(code, start, end); err == nil {
			c.cache.put(code, start, end, merged)
			return merged, nil
		}
	}

	// Degraded: serve whatever we have locally.
	return local, nil
}

// fetchNeeded applies the read-path staleness rules.
func (c *Collector) fetchNeeded(local []domain.DailyBar, start, end string) bool {
	if len(local) == 0 {
		return true
	}
	if daysBetween(start, local[0].Date) > headGapDays {
		return true
	}
	if daysBetween(local[len(local)-1].Date, end) > tailGapDays {
		return true
	}

	expected := c.expectedTradingDays(start, end)
	return expected > 0 && float64(len(local)) < coverageRatio*float64(expected)
}

// fetchDaily walks the historical_daily sources until one returns rows.
func (c *Collector) fetchDaily(ctx context.Context, code, start, end string) []domain.DailyBar {
	for _, src := range c.sourcesFor("historical_daily") {
		c.pace()
		bars, err := src.Daily(ctx, code, start, end)
		if err != nil {
			c.log.Debug().Err(err).Str("source", src.Name()).Str("code", code).Msg("daily fetch failed")
			continue
		}
		if len(bars) > 0 {
			return bars
		}
	}
	return nil
}

// localDaily loads the stored bars for [start, end], oldest first.
func (c *Collector) localDaily(code, start, end string) ([]domain.DailyBar, error) {
	rows, err := c.db.Query(`
		SELECT code, date, open, high, low, close, volume, amount
		FROM daily_prices WHERE code = ? AND date >= ? AND date <= ?
		ORDER BY date`, code, start, end)
	if err != nil {
		return nil, fmt.Errorf("load local bars %s: %w", code, err)
	}
	defer rows.Close()

	var out []domain.DailyBar
	for rows.Next() {
		var b domain.DailyBar
		if err := rows.Scan(&b.Code, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// upsertDaily writes bars inside one transaction. Existing (code, date)
// rows are overwritten; a malformed row is skipped, not fatal. Cached
// series for the touched codes are dropped.
func (c *Collector) upsertDaily(bars []domain.DailyBar) error {
	if err := c.upsertBars("daily_prices", bars); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for i := range bars {
		if !seen[bars[i].Code] {
			seen[bars[i].Code] = true
			c.cache.invalidate(bars[i].Code)
		}
	}
	return nil
}

// UniverseBars loads every code with at least minBars local bars in the
// window, keyed by code.
func (c *Collector) UniverseBars(start, end string, minBars int) (map[string][]domain.DailyBar, error) {
	rows, err := c.db.Query(`
		SELECT code FROM daily_prices
		WHERE date >= ? AND date <= ?
		GROUP BY code HAVING COUNT(*) >= ?`, start, end, minBars)
	if err != nil {
		return nil, fmt.Errorf("scan universe: %w", err)
	}
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			rows.Close()
			return nil, err
		}
		codes = append(codes, code)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(codes)

	out := make(map[string][]domain.DailyBar, len(codes))
	for _, code := range codes {
		bars, err := c.localDaily(code, start, end)
		if err != nil {
			return nil, err
		}
		out[code] = bars
	}
	return out, nil
}

// Stocks returns the master list, fetching it once when the local table
// is empty.
func (c *Collector) Stocks(ctx context.Context) ([]domain.Stock, error) {
	stocks, err := c.localStocks()
	if err != nil {
		return nil, err
	}
	if len(stocks) > 0 {
		return stocks, nil
	}

	for _, src := range c.sourcesFor("stock_list") {
		c.pace()
		fetched, err := src.StockList(ctx)
		if err != nil {
			c.log.Warn().Err(err).Str("source", src.Name()).Msg("stock list fetch failed")
			continue
		}
		if len(fetched) == 0 {
			continue
		}
		if err := c.saveStocks(fetched); err != nil {
			return nil, err
		}
		return fetched, nil
	}
	return stocks, nil
}

func (c *Collector) localStocks() ([]domain.Stock, error) {
	rows, err := c.db.Query(`SELECT code, name, market, industry FROM stocks ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("load stocks: %w", err)
	}
	defer rows.Close()

	var out []domain.Stock
	for rows.Next() {
		var s domain.Stock
		if err := rows.Scan(&s.Code, &s.Name, &s.Market, &s.Industry); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Collector) saveStocks(stocks []domain.Stock) error {
	now := time.Now().Unix()
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO stocks (code, name, market, industry, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET name = excluded.name, market = excluded.market, industry = excluded.industry`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for i := range stocks {
		s := &stocks[i]
		if _, err := stmt.Exec(s.Code, s.Name, s.Market, s.Industry, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert stock %s: %w", s.Code, err)
		}
	}
	return tx.Commit()
}

// IndexBars is the cached read path for index daily bars.
func (c *Collector) IndexBars(ctx context.Context, code, start, end string, localOnly bool) ([]domain.DailyBar, error) {
	local, err := c.localIndex(code, start, end)
	if err != nil {
		return nil, err
	}
	if localOnly || !c.fetchNeeded(local, start, end) {
		return local, nil
	}

	for _, src := range c.sourcesFor("index_data") {
		c.pace()
		bars, err := src.IndexDaily(ctx, code, start, end)
		if err != nil {
			c.log.Debug().Err(err).Str("source", src.Name()).Str("code", code).Msg("index fetch failed")
			continue
		}
		if len(bars) == 0 {
			continue
		}
		if err := c.upsertBars("index_daily", bars); err != nil {
			c.log.Error().Err(err).Str("code", code).Msg("persist index bars")
		}
		if merged, err := c.localIndex(code, start, end); err == nil {
			return merged, nil
		}
	}
	return local, nil
}

func (c *Collector) localIndex(code, start, end string) ([]domain.DailyBar, error) {
	rows, err := c.db.Query(`
		SELECT code, date, open, high, low, close, volume, amount
		FROM index_daily WHERE code = ? AND date >= ? AND date <= ?
		ORDER BY date`, code, start, end)
	if err != nil {
		return nil, fmt.Errorf("load index bars %s: %w", code, err)
	}
	defer rows.Close()

	var out []domain.DailyBar
	for rows.Next() {
		var b domain.DailyBar
		if err := rows.Scan(&b.Code, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// upsertBars writes bars into table (daily_prices or index_daily) inside
// one transaction.
func (c *Collector) upsertBars(table string, bars []domain.DailyBar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO ` + table + ` (code, date, open, high, low, close, volume, amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code, date) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, amount = excluded.amount`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	skipped := 0
	for i := range bars {
		b := &bars[i]
		if b.Code == "" || b.Date == "" || b.Close <= 0 {
			skipped++
			continue
		}
		if _, err := stmt.Exec(b.Code, b.Date, b.Open, b.High, b.Low, b.Close, b.Volume, b.Amount); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert bar %s/%s: %w", b.Code, b.Date, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if skipped > 0 {
		c.log.Debug().Int("skipped", skipped).Str("table", table).Msg("malformed bars dropped")
	}
	return nil
}

// CachedCodes returns how many codes currently have a warm in-memory
// bar series.
func (c *Collector) CachedCodes() int {
	return c.cache.len()
}

// SaveSnapshot flushes the in-memory bar cache to disk for a warm restart.
func (c *Collector) SaveSnapshot() error {
	return c.cache.save()
}

// daysBetween returns whole days from a to b (negative when b precedes a).
func daysBetween(a, b string) int {
	ta, err1 := time.Parse("2006-01-02", a)
	tb, err2 := time.Parse("2006-01-02", b)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(tb.Sub(ta).Hours() / 24)
}

// shiftDate moves a YYYY-MM-DD date by n days.
func shiftDate(date string, days int) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, days).Format("2006-01-02")
}
