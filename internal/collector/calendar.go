package collector

import (
	"context"
	"fmt"
	"time"
)

// ensureCalendar guarantees the trading calendar covers [start, end],
// fetching and storing it when rows are missing.
func (c *Collector) ensureCalendar(ctx context.Context, start, end string) error {
	var have int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM trading_calendar WHERE date >= ? AND date <= ?`, start, end).Scan(&have); err != nil {
		return fmt.Errorf("count calendar: %w", err)
	}
	if have >= calendarDaysSpanned(start, end) {
		return nil
	}

	for _, src := range c.sourcesFor("historical_daily") {
		c.pace()
		days, err := src.TradingCalendar(ctx, start, end)
		if err != nil {
			c.log.Debug().Err(err).Str("source", src.Name()).Msg("calendar fetch failed")
			continue
		}
		if len(days) == 0 {
			continue
		}

		tx, err := c.db.Begin()
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare(`
			INSERT INTO trading_calendar (exchange, date, is_open) VALUES (?, ?, ?)
			ON CONFLICT(exchange, date) DO UPDATE SET is_open = excluded.is_open`)
		if err != nil {
			tx.Rollback()
			return err
		}
		for i := range days {
			isOpen := 0
			if days[i].IsOpen {
				isOpen = 1
			}
			if _, err := stmt.Exec(days[i].Exchange, days[i].Date, isOpen); err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("upsert calendar %s: %w", days[i].Date, err)
			}
		}
		stmt.Close()
		return tx.Commit()
	}
	return fmt.Errorf("no source could provide the trading calendar")
}

// TradingDates returns the open trading dates in [start, end], oldest
// first, fetching the calendar when needed.
func (c *Collector) TradingDates(ctx context.Context, start, end string) ([]string, error) {
	if err := c.ensureCalendar(ctx, start, end); err != nil {
		c.log.Warn().Err(err).Msg("calendar unavailable; using stored rows")
	}

	rows, err := c.db.Query(`
		SELECT date FROM trading_calendar
		WHERE date >= ? AND date <= ? AND is_open = 1
		ORDER BY date`, start, end)
	if err != nil {
		return nil, fmt.Errorf("load trading dates: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// IsTradingDay reports whether date is an open trading day. An unknown
// date (calendar unavailable) falls back to the weekday heuristic.
func (c *Collector) IsTradingDay(ctx context.Context, date string) (bool, error) {
	if err := c.ensureCalendar(ctx, date, date); err != nil {
		c.log.Warn().Err(err).Str("date", date).Msg("calendar unavailable; weekday fallback")
		t, perr := time.Parse("2006-01-02", date)
		if perr != nil {
			return false, perr
		}
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday, nil
	}

	var isOpen int
	err := c.db.QueryRow(`SELECT is_open FROM trading_calendar WHERE date = ? LIMIT 1`, date).Scan(&isOpen)
	if err != nil {
		return false, fmt.Errorf("calendar lookup %s: %w", date, err)
	}
	return isOpen == 1, nil
}

// NextTradingDay returns the first open trading day strictly after date.
func (c *Collector) NextTradingDay(ctx context.Context, date string) (string, error) {
	end := shiftDate(date, 30)
	if err := c.ensureCalendar(ctx, date, end); err != nil {
		c.log.Warn().Err(err).Msg("calendar unavailable; weekday fallback")
		t, perr := time.Parse("2006-01-02", date)
		if perr != nil {
			return "", perr
		}
		for {
			t = t.AddDate(0, 0, 1)
			if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
				return t.Format("2006-01-02"), nil
			}
		}
	}

	var next string
	err := c.db.QueryRow(`
		SELECT date FROM trading_calendar
		WHERE date > ? AND is_open = 1 ORDER BY date LIMIT 1`, date).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("next trading day after %s: %w", date, err)
	}
	return next, nil
}

// expectedTradingDays counts calendar open days in the window; when the
// calendar has no coverage it approximates five days per week.
func (c *Collector) expectedTradingDays(start, end string) int {
	var n int
	err := c.db.QueryRow(`
		SELECT COUNT(*) FROM trading_calendar
		WHERE date >= ? AND date <= ? AND is_open = 1`, start, end).Scan(&n)
	if err == nil && n > 0 {
		return n
	}
	span := calendarDaysSpanned(start, end)
	return span * 5 / 7
}

func calendarDaysSpanned(start, end string) int {
	d := daysBetween(start, end)
	if d < 0 {
		return 0
	}
	return d + 1
}
