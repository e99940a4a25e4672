// Package tushare is a minimal client for the TuShare Pro data API
// (https://api.tushare.pro). All endpoints share one POST envelope; the
// client enforces the account's per-minute call quota.
package tushare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantlab-cn/quantlab/internal/domain"
)

const defaultBaseURL = "https://api.tushare.pro"

// Client calls the TuShare Pro API. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *minuteLimiter
	log     zerolog.Logger
}

// New creates a TuShare client. rpm caps calls per rolling minute; zero
// disables the limiter. The HTTP client deliberately ignores any
// process-wide proxy configuration: domestic data endpoints are
// unreachable through the proxies used for LLM traffic.
func New(token string, rpm int, log zerolog.Logger) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		token:   token,
		http: &http.Client{
			Timeout:   60 * time.Second,
			Transport: &http.Transport{Proxy: nil},
		},
		limiter: newMinuteLimiter(rpm),
		log:     log.With().Str("component", "tushare").Logger(),
	}
}

// Name identifies the source in collector logs and fallback decisions.
func (c *Client) Name() string { return "tushare" }

// Enabled reports whether the client has a usable token.
func (c *Client) Enabled() bool { return c.token != "" }

type apiRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields,omitempty"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fields []string `json:"fields"`
		Items  [][]any  `json:"items"`
	} `json:"data"`
}

// call posts one API envelope and returns rows keyed by field name.
func (c *Client) call(ctx context.Context, apiName string, params map[string]string, fields string) ([]map[string]any, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("tushare token not configured")
	}
	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(apiRequest{APIName: apiName, Token: c.token, Params: params, Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", apiName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tushare %s: %w", apiName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tushare %s: http %d", apiName, resp.StatusCode)
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("tushare %s: decode: %w", apiName, err)
	}
	if parsed.Code != 0 {
		return nil, fmt.Errorf("tushare %s: api error %d: %s", apiName, parsed.Code, parsed.Msg)
	}

	rows := make([]map[string]any, 0, len(parsed.Data.Items))
	for _, item := range parsed.Data.Items {
		row := make(map[string]any, len(parsed.Data.Fields))
		for i, field := range parsed.Data.Fields {
			if i < len(item) {
				row[field] = item[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Daily returns daily bars for one stock in [start, end], oldest first.
func (c *Client) Daily(ctx context.Context, code, start, end string) ([]domain.DailyBar, error) {
	rows, err := c.call(ctx, "daily", map[string]string{
		"ts_code":    toTsCode(code),
		"start_date": compactDate(start),
		"end_date":   compactDate(end),
	}, "ts_code,trade_date,open,high,low,close,vol,amount")
	if err != nil {
		return nil, err
	}
	return barsFromRows(rows, ""), nil
}

// DailyByDate returns one day's bars for the whole market.
func (c *Client) DailyByDate(ctx context.Context, date string) ([]domain.DailyBar, error) {
	rows, err := c.call(ctx, "daily", map[string]string{
		"trade_date": compactDate(date),
	}, "ts_code,trade_date,open,high,low,close,vol,amount")
	if err != nil {
		return nil, err
	}
	return barsFromRows(rows, ""), nil
}

// IndexDaily returns daily bars for one index code.
func (c *Client) IndexDaily(ctx context.Context, code, start, end string) ([]domain.DailyBar, error) {
	rows, err := c.call(ctx, "index_daily", map[string]string{
		"ts_code":    code,
		"start_date": compactDate(start),
		"end_date":   compactDate(end),
	}, "ts_code,trade_date,open,high,low,close,vol,amount")
	if err != nil {
		return nil, err
	}
	return barsFromRows(rows, code), nil
}

// StockList returns the listed A-share master list.
func (c *Client) StockList(ctx context.Context) ([]domain.Stock, error) {
	rows, err := c.call(ctx, "stock_basic", map[string]string{
		"list_status": "L",
	}, "ts_code,symbol,name,market,industry")
	if err != nil {
		return nil, err
	}
	stocks := make([]domain.Stock, 0, len(rows))
	for _, row := range rows {
		code := str(row["symbol"])
		if code == "" {
			continue
		}
		stocks = append(stocks, domain.Stock{
			Code:     code,
			Name:     str(row["name"]),
			Market:   marketFromTsCode(str(row["ts_code"])),
			Industry: str(row["industry"]),
		})
	}
	return stocks, nil
}

// TradingCalendar returns SSE calendar entries for [start, end].
func (c *Client) TradingCalendar(ctx context.Context, start, end string) ([]domain.CalendarDay, error) {
	rows, err := c.call(ctx, "trade_cal", map[string]string{
		"exchange":   "SSE",
		"start_date": compactDate(start),
		"end_date":   compactDate(end),
	}, "exchange,cal_date,is_open")
	if err != nil {
		return nil, err
	}
	days := make([]domain.CalendarDay, 0, len(rows))
	for _, row := range rows {
		days = append(days, domain.CalendarDay{
			Exchange: str(row["exchange"]),
			Date:     expandDate(str(row["cal_date"])),
			IsOpen:   num(row["is_open"]) > 0,
		})
	}
	return days, nil
}

// barsFromRows converts API rows to bars, oldest first. TuShare returns
// newest first and reports volume in lots (hands) and amount in thousands.
func barsFromRows(rows []map[string]any, forceCode string) []domain.DailyBar {
	bars := make([]domain.DailyBar, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		code := forceCode
		if code == "" {
			code = symbolFromTsCode(str(row["ts_code"]))
		}
		bars = append(bars, domain.DailyBar{
			Code:   code,
			Date:   expandDate(str(row["trade_date"])),
			Open:   num(row["open"]),
			High:   num(row["high"]),
			Low:    num(row["low"]),
			Close:  num(row["close"]),
			Volume: num(row["vol"]) * 100,
			Amount: num(row["amount"]) * 1000,
		})
	}
	return bars
}

// toTsCode maps a 6-digit code to the suffixed TuShare form.
func toTsCode(code string) string {
	if strings.Contains(code, ".") {
		return code
	}
	switch {
	case strings.HasPrefix(code, "6"):
		return code + ".SH"
	case strings.HasPrefix(code, "8"), strings.HasPrefix(code, "4"):
		return code + ".BJ"
	default:
		return code + ".SZ"
	}
}

func symbolFromTsCode(tsCode string) string {
	if i := strings.IndexByte(tsCode, '.'); i > 0 {
		return tsCode[:i]
	}
	return tsCode
}

func marketFromTsCode(tsCode string) string {
	if i := strings.IndexByte(tsCode, '.'); i > 0 && i+1 < len(tsCode) {
		return tsCode[i+1:]
	}
	return ""
}

// compactDate converts YYYY-MM-DD to the YYYYMMDD wire form.
func compactDate(date string) string {
	return strings.ReplaceAll(date, "-", "")
}

// expandDate converts YYYYMMDD back to YYYY-MM-DD.
func expandDate(date string) string {
	if len(date) == 8 {
		return date[:4] + "-" + date[4:6] + "-" + date[6:]
	}
	return date
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		var f float64
		fmt.Sscanf(n, "%f", &f)
		return f
	}
	return 0
}

// minuteLimiter caps calls per rolling 60 s window.
type minuteLimiter struct {
	mu    sync.Mutex
	limit int
	calls []time.Time
}

func newMinuteLimiter(limit int) *minuteLimiter {
	return &minuteLimiter{limit: limit}
}

// wait blocks until a call slot is free or ctx is cancelled.
func (l *minuteLimiter) wait(ctx context.Context) error {
	if l.limit <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)
		kept := l.calls[:0]
		for _, t := range l.calls {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		l.calls = kept

		if len(l.calls) < l.limit {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}
		sleep := l.calls[0].Sub(cutoff)
		l.mu.Unlock()

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
