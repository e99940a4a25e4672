package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/quantlab-cn/quantlab/internal/domain"
)

// Gap-date detection floor: a trading date with fewer local rows than
// max(0.8 x best observed, repairFloor) counts as a gap.
const (
	repairRatio = 0.8
	repairFloor = 3000
)

// RepairDailyGaps backfills trading dates whose local row count falls
// below the coverage threshold, one batch-by-date fetch per gap date.
// Idempotent: a fully covered window fetches nothing. Returns the number
// of dates repaired; onProgress (optional) receives (done, total).
func (c *Collector) RepairDailyGaps(ctx context.Context, start, end string, onProgress func(done, total int)) (int, error) {
	dates, err := c.TradingDates(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("gap repair: %w", err)
	}
	if len(dates) == 0 {
		return 0, nil
	}

	counts, err := c.rowCountsByDate(start, end)
	if err != nil {
		return 0, err
	}

	maxCount := 0
	for _, n := range counts {
		if n > maxCount {
			maxCount = n
		}
	}
	threshold := int(repairRatio * float64(maxCount))
	if threshold < repairFloor {
		threshold = repairFloor
	}

	var gaps []string
	for _, date := range dates {
		if counts[date] < threshold {
			gaps = append(gaps, date)
		}
	}
	if len(gaps) == 0 {
		return 0, nil
	}
	c.log.Info().Int("gap_dates", len(gaps)).Int("threshold", threshold).
		Str("start", start).Str("end", end).Msg("repairing daily gaps")

	repaired := 0
	for i, date := range gaps {
		select {
		case <-ctx.Done():
			return repaired, ctx.Err()
		default:
		}

		bars := c.fetchByDate(ctx, date)
		if len(bars) > 0 {
			if err := c.upsertDaily(bars); err != nil {
				c.log.Error().Err(err).Str("date", date).Msg("persist repaired date")
			} else {
				repaired++
			}
		}
		if onProgress != nil {
			onProgress(i+1, len(gaps))
		}
	}
	return repaired, nil
}

// fetchByDate tries each source's whole-market endpoint for one date.
func (c *Collector) fetchByDate(ctx context.Context, date string) []domain.DailyBar {
	for _, src := range c.sourcesFor("historical_daily") {
		c.pace()
		bars, err := src.DailyByDate(ctx, date)
		if err != nil {
			c.log.Debug().Err(err).Str("source", src.Name()).Str("date", date).Msg("batch fetch failed")
			continue
		}
		if len(bars) > 0 {
			return bars
		}
	}
	return nil
}

// rowCountsByDate maps each date in the window to its local row count.
func (c *Collector) rowCountsByDate(start, end string) (map[string]int, error) {
	rows, err := c.db.Query(`
		SELECT date, COUNT(*) FROM daily_prices
		WHERE date >= ? AND date <= ? GROUP BY date`, start, end)
	if err != nil {
		return nil, fmt.Errorf("count rows by date: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var date string
		var n int
		if err := rows.Scan(&date, &n); err != nil {
			return nil, err
		}
		out[date] = n
	}
	return out, rows.Err()
}

// SyncDaily fetches tradeDate's bar for every stock with enough local
// history, throttled to spare the upstream quota. Upsert keeps it
// idempotent.
func (c *Collector) SyncDaily(ctx context.Context, tradeDate string, minBars int) (int, error) {
	// Whole-market batch first: one call covers everything.
	if bars := c.fetchByDate(ctx, tradeDate); len(bars) > 0 {
		if err := c.upsertDaily(bars); err != nil {
			return 0, err
		}
		return len(bars), nil
	}

	// Per-stock fallback.
	rows, err := c.db.Query(`SELECT code FROM daily_prices GROUP BY code HAVING COUNT(*) >= ?`, minBars)
	if err != nil {
		return 0, fmt.Errorf("scan sync universe: %w", err)
	}
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			rows.Close()
			return 0, err
		}
		codes = append(codes, code)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	synced := 0
	for i, code := range codes {
		select {
		case <-ctx.Done():
			return synced, ctx.Err()
		default:
		}

		bars := c.fetchDaily(ctx, code, tradeDate, tradeDate)
		if len(bars) > 0 {
			if err := c.upsertDaily(bars); err == nil {
				synced++
			}
		}
		if (i+1)%50 == 0 {
			time.Sleep(time.Second)
		}
	}
	return synced, nil
}
