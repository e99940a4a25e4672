package llm

import "fmt"

const strategySystemPrompt = `You are a quantitative strategy designer for the Chinese A-share market.
You answer with JSON only, no prose. Conditions reference daily-bar indicator fields
(RSI, KDJ_K, KDJ_D, KDJ_J, MACD, MACD_SIGNAL, MACD_HIST, MA, EMA, BOLL_UPPER, BOLL_MID,
BOLL_LOWER, ATR, CCI, WR, ROC, MFI, ADX, OBV, VWAP, TRIX, DPO, CMF, open, high, low,
close, volume) with operators >, <, >=, <=.`

func strategyPrompt(theme, sourceText string, count int) string {
	extra := ""
	if sourceText != "" {
		extra = "\nReference material:\n" + sourceText
	}
	return fmt.Sprintf(`Design %d distinct daily-bar strategies for the theme: %s.%s

Reply with exactly this JSON shape:
{"strategies":[{"name":"...","description":"...",
"buy_conditions":[{"field":"RSI","operator":"<","compare_type":"value","compare_value":30,"params":{"period":14}}],
"sell_conditions":[...],
"exit_config":{"stop_loss_pct":-8,"take_profit_pct":20,"max_hold_days":20}}]}

Rules: at most 4 buy conditions per strategy; buy conditions are ANDed, sell conditions ORed;
stop_loss_pct is negative; take_profit_pct is positive.`, count, theme, extra)
}

const analystSystemPrompt = `You are the daily market analyst of an A-share trading desk.
Given the market context you produce a JSON report with concrete, price-anchored
recommendations. JSON only, no prose.`

func analystPrompt(date, marketContext string) string {
	return fmt.Sprintf(`Trade date: %s

%s

Reply with exactly this JSON shape:
{"report_type":"daily","market_regime":"...","market_regime_confidence":0.0,
"recommendations":[{"stock_code":"600000","stock_name":"...","action":"buy|sell|hold|reduce",
"reason":"...","entry_price":0.0,"stop_loss":0.0,"target":0.0,"alpha_score":0.0,"sell_pct":0}],
"thinking_process":"...","summary":"..."}`, date, marketContext)
}

const selectorSystemPrompt = `You pick which strategy families fit the current market regime.
Given a statistics table you answer {"families":["...","..."]} - JSON only.`

const chatSystemPrompt = `You are the research assistant of an A-share quantitative platform.
Answer questions about strategies, signals, backtests and market data concisely.`
