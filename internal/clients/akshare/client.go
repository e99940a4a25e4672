// Package akshare reads A-share market data through an AKTools HTTP
// bridge (the REST frontend of the AKShare library, by default on
// http://127.0.0.1:8080). It is the fallback source when TuShare is
// unavailable or unconfigured.
package akshare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantlab-cn/quantlab/internal/domain"
)

const defaultBaseURL = "http://127.0.0.1:8080"

// Client calls an AKTools instance. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// New creates an AKShare client. baseURL may be empty for the local
// default. The HTTP client ignores any process-wide proxy configuration.
func New(baseURL string, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   60 * time.Second,
			Transport: &http.Transport{Proxy: nil},
		},
		log: log.With().Str("component", "akshare").Logger(),
	}
}

// Name identifies the source in collector logs and fallback decisions.
func (c *Client) Name() string { return "akshare" }

// get fetches one public AKShare endpoint into a slice of row maps.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]map[string]any, error) {
	u := c.baseURL + "/api/public/" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("akshare %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("akshare %s: http %d", endpoint, resp.StatusCode)
	}

	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("akshare %s: decode: %w", endpoint, err)
	}
	return rows, nil
}

// Daily returns unadjusted daily bars for one stock, oldest first.
func (c *Client) Daily(ctx context.Context, code, start, end string) ([]domain.DailyBar, error) {
	params := url.Values{}
	params.Set("symbol", code)
	params.Set("period", "daily")
	params.Set("start_date", compactDate(start))
	params.Set("end_date", compactDate(end))
	params.Set("adjust", "")

	rows, err := c.get(ctx, "stock_zh_a_hist", params)
	if err != nil {
		return nil, err
	}

	bars := make([]domain.DailyBar, 0, len(rows))
	for _, row := range rows {
		bars = append(bars, domain.DailyBar{
			Code:   code,
			Date:   normalizeDate(str(row["日期"])),
			Open:   num(row["开盘"]),
			High:   num(row["最高"]),
			Low:    num(row["最低"]),
			Close:  num(row["收盘"]),
			Volume: num(row["成交量"]) * 100,
			Amount: num(row["成交额"]),
		})
	}
	return bars, nil
}

// DailyByDate is not exposed by the AKShare history endpoints; batch
// backfill stays on TuShare.
func (c *Client) DailyByDate(ctx context.Context, date string) ([]domain.DailyBar, error) {
	return nil, fmt.Errorf("akshare: batch-by-date not supported")
}

// IndexDaily returns daily bars for one index code (e.g. 000300.SH).
func (c *Client) IndexDaily(ctx context.Context, code, start, end string) ([]domain.DailyBar, error) {
	params := url.Values{}
	params.Set("symbol", toIndexSymbol(code))

	rows, err := c.get(ctx, "stock_zh_index_daily", params)
	if err != nil {
		return nil, err
	}

	bars := make([]domain.DailyBar, 0, len(rows))
	for _, row := range rows {
		date := normalizeDate(str(row["date"]))
		if date < start || date > end {
			continue
		}
		bars = append(bars, domain.DailyBar{
			Code:   code,
			Date:   date,
			Open:   num(row["open"]),
			High:   num(row["high"]),
			Low:    num(row["low"]),
			Close:  num(row["close"]),
			Volume: num(row["volume"]),
		})
	}
	return bars, nil
}

// StockList returns the A-share code/name master list.
func (c *Client) StockList(ctx context.Context) ([]domain.Stock, error) {
	rows, err := c.get(ctx, "stock_info_a_code_name", nil)
	if err != nil {
		return nil, err
	}
	stocks := make([]domain.Stock, 0, len(rows))
	for _, row := range rows {
		code := str(row["code"])
		if code == "" {
			continue
		}
		stocks = append(stocks, domain.Stock{
			Code:   code,
			Name:   str(row["name"]),
			Market: marketFromCode(code),
		})
	}
	return stocks, nil
}

// TradingCalendar derives open days from the SSE trading-date endpoint.
func (c *Client) TradingCalendar(ctx context.Context, start, end string) ([]domain.CalendarDay, error) {
	rows, err := c.get(ctx, "tool_trade_date_hist_sina", nil)
	if err != nil {
		return nil, err
	}

	open := make(map[string]bool, len(rows))
	for _, row := range rows {
		d := normalizeDate(str(row["trade_date"]))
		if d >= start && d <= end {
			open[d] = true
		}
	}

	var days []domain.CalendarDay
	from, err1 := time.Parse("2006-01-02", start)
	to, err2 := time.Parse("2006-01-02", end)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("akshare calendar: bad range %s..%s", start, end)
	}
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		date := d.Format("2006-01-02")
		days = append(days, domain.CalendarDay{Exchange: "SSE", Date: date, IsOpen: open[date]})
	}
	return days, nil
}

// toIndexSymbol maps 000300.SH to the sina form sh000300.
func toIndexSymbol(code string) string {
	if i := strings.IndexByte(code, '.'); i > 0 {
		return strings.ToLower(code[i+1:]) + code[:i]
	}
	return code
}

func marketFromCode(code string) string {
	switch {
	case strings.HasPrefix(code, "6"):
		return "SH"
	case strings.HasPrefix(code, "8"), strings.HasPrefix(code, "4"):
		return "BJ"
	default:
		return "SZ"
	}
}

// normalizeDate accepts YYYY-MM-DD, YYYYMMDD, and ISO timestamps.
func normalizeDate(date string) string {
	if len(date) >= 10 && date[4] == '-' {
		return date[:10]
	}
	if len(date) == 8 {
		return date[:4] + "-" + date[4:6] + "-" + date[6:]
	}
	return date
}

func compactDate(date string) string {
	return strings.ReplaceAll(date, "-", "")
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}
