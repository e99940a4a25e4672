package indicators

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/quantlab-cn/quantlab/internal/domain"
)

// Compute materializes every column the config requires from the bar
// series. Bars must be sorted ascending by date.
func Compute(bars []domain.DailyBar, cfg *Config) (*Frame, error) {
	n := len(bars)
	if n == 0 {
		return nil, fmt.Errorf("no bars to compute indicators on")
	}

	frame := &Frame{
		Dates:   make([]string, n),
		columns: make(map[string][]float64, cfg.Len()+5),
	}

	open := make([]float64, n)
	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	volume := make([]float64, n)
	for i := range bars {
		frame.Dates[i] = bars[i].Date
		open[i] = bars[i].Open
		high[i] = bars[i].High
		low[i] = bars[i].Low
		closes[i] = bars[i].Close
		volume[i] = bars[i].Volume
	}

	frame.columns[FieldOpen] = open
	frame.columns[FieldHigh] = high
	frame.columns[FieldLow] = low
	frame.columns[FieldClose] = closes
	frame.columns[FieldVolume] = volume

	for key, spec := range cfg.columns {
		if IsPriceField(spec.Field) {
			continue
		}
		if frame.Has(key) {
			continue
		}
		if err := computeColumn(frame, key, spec, open, high, low, closes, volume); err != nil {
			return nil, fmt.Errorf("compute %s: %w", key, err)
		}
	}

	return frame, nil
}

func computeColumn(frame *Frame, key string, spec columnSpec, open, high, low, closes, volume []float64) error {
	n := len(closes)
	period := intParam(spec.Params, "period", 14)
	if period >= n {
		// Not enough history; leave the column all-NaN so evaluation
		// treats every bar as warm-up.
		frame.set(key, allNaN(n))
		return nil
	}

	switch spec.Field {
	case "MA":
		frame.set(key, masked(talib.Sma(closes, period), period-1))
	case "EMA":
		frame.set(key, masked(talib.Ema(closes, period), period-1))
	case "VOL_MA":
		frame.set(key, masked(talib.Sma(volume, period), period-1))
	case "RSI":
		frame.set(key, masked(talib.Rsi(closes, period), period))

	case "KDJ_K", "KDJ_D", "KDJ_J":
		k, d := talib.Stoch(high, low, closes, period, 3, talib.SMA, 3, talib.SMA)
		// fastK (period-1) plus the two 3-bar smoothing passes.
		lb := period + 3
		k, d = masked(k, lb), masked(d, lb)
		j := make([]float64, n)
		for i := range j {
			j[i] = 3*k[i] - 2*d[i]
		}
		frame.set(ColumnKey("KDJ_K", spec.Params), k)
		frame.set(ColumnKey("KDJ_D", spec.Params), d)
		frame.set(ColumnKey("KDJ_J", spec.Params), j)

	case "MACD", "MACD_SIGNAL", "MACD_HIST":
		fast := intParam(spec.Params, "fast", 12)
		slow := intParam(spec.Params, "slow", 26)
		sig := intParam(spec.Params, "signal", 9)
		if slow >= n {
			frame.set(key, allNaN(n))
			return nil
		}
		macd, signal, hist := talib.Macd(closes, fast, slow, sig)
		lb := slow + sig - 2
		frame.set(ColumnKey("MACD", spec.Params), masked(macd, lb))
		frame.set(ColumnKey("MACD_SIGNAL", spec.Params), masked(signal, lb))
		frame.set(ColumnKey("MACD_HIST", spec.Params), masked(hist, lb))

	case "BOLL_UPPER", "BOLL_MID", "BOLL_LOWER":
		length := intParam(spec.Params, "length", 20)
		std := floatParam(spec.Params, "std", 2.0)
		if length >= n {
			frame.set(key, allNaN(n))
			return nil
		}
		upper, mid, lower := talib.BBands(closes, length, std, std, talib.SMA)
		frame.set(ColumnKey("BOLL_UPPER", spec.Params), masked(upper, length-1))
		frame.set(ColumnKey("BOLL_MID", spec.Params), masked(mid, length-1))
		frame.set(ColumnKey("BOLL_LOWER", spec.Params), masked(lower, length-1))

	case "ATR":
		frame.set(key, masked(talib.Atr(high, low, closes, period), period))
	case "CCI":
		frame.set(key, masked(talib.Cci(high, low, closes, period), period-1))
	case "WR":
		frame.set(key, masked(talib.WillR(high, low, closes, period), period-1))
	case "ROC":
		frame.set(key, masked(talib.Roc(closes, period), period))
	case "MFI":
		frame.set(key, masked(talib.Mfi(high, low, closes, volume, period), period))

	case "ADX":
		frame.set(key, masked(talib.Adx(high, low, closes, period), 2*period-1))
	case "ADX_PLUS_DI":
		frame.set(key, masked(talib.PlusDI(high, low, closes, period), period))
	case "ADX_MINUS_DI":
		frame.set(key, masked(talib.MinusDI(high, low, closes, period), period))

	case "OBV":
		frame.set(key, talib.Obv(closes, volume))
	case "TRIX":
		frame.set(key, masked(talib.Trix(closes, period), 3*period-2))

	case "STOCHRSI_K", "STOCHRSI_D":
		k, d := talib.StochRsi(closes, period, 3, 3, talib.SMA)
		// RSI lookback (period) plus fastK and fastD smoothing.
		lb := period + 4
		frame.set(ColumnKey("STOCHRSI_K", spec.Params), masked(k, lb))
		frame.set(ColumnKey("STOCHRSI_D", spec.Params), masked(d, lb))

	case "PSAR":
		step := floatParam(spec.Params, "step", 0.02)
		maxStep := floatParam(spec.Params, "max_step", 0.2)
		frame.set(key, masked(talib.Sar(high, low, step, maxStep), 1))

	case "VWAP":
		frame.set(key, rollingVWAP(high, low, closes, volume, period))
	case "CMF":
		frame.set(key, chaikinMoneyFlow(high, low, closes, volume, period))
	case "DPO":
		frame.set(key, detrendedPriceOsc(closes, period))

	default:
		return fmt.Errorf("unknown indicator field %q", spec.Field)
	}

	return nil
}

// rollingVWAP is a rolling volume-weighted average of the typical price.
// A-share daily data has no session-anchored VWAP, so a trailing window
// stands in for it.
func rollingVWAP(high, low, closes, volume []float64, period int) []float64 {
	n := len(closes)
	out := allNaN(n)
	for i := period - 1; i < n; i++ {
		var pv, v float64
		for j := i - period + 1; j <= i; j++ {
			typical := (high[j] + low[j] + closes[j]) / 3
			pv += typical * volume[j]
			v += volume[j]
		}
		if v > 0 {
			out[i] = pv / v
		}
	}
	return out
}

// chaikinMoneyFlow sums money-flow volume over the window divided by the
// window's total volume.
func chaikinMoneyFlow(high, low, closes, volume []float64, period int) []float64 {
	n := len(closes)
	mfv := make([]float64, n)
	for i := 0; i < n; i++ {
		span := high[i] - low[i]
		if span == 0 {
			continue
		}
		mult := ((closes[i] - low[i]) - (high[i] - closes[i])) / span
		mfv[i] = mult * volume[i]
	}

	out := allNaN(n)
	for i := period - 1; i < n; i++ {
		var flow, vol float64
		for j := i - period + 1; j <= i; j++ {
			flow += mfv[j]
			vol += volume[j]
		}
		if vol > 0 {
			out[i] = flow / vol
		}
	}
	return out
}

// detrendedPriceOsc is close minus the displaced simple moving average
// (displacement period/2 + 1).
func detrendedPriceOsc(closes []float64, period int) []float64 {
	n := len(closes)
	out := allNaN(n)
	sma := masked(talib.Sma(closes, period), period-1)
	shift := period/2 + 1
	for i := shift; i < n; i++ {
		base := sma[i-shift]
		if math.IsNaN(base) {
			continue
		}
		out[i] = closes[i] - base
	}
	return out
}

// masked overwrites the first lookback entries with NaN. talib leaves
// the warm-up region of every output at zero, which would otherwise read
// as a valid indicator value.
func masked(series []float64, lookback int) []float64 {
	if lookback > len(series) {
		lookback = len(series)
	}
	for i := 0; i < lookback; i++ {
		series[i] = math.NaN()
	}
	return series
}

func allNaN(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func intParam(params map[string]float64, key string, def int) int {
	if v, ok := params[key]; ok && v > 0 {
		return int(v)
	}
	return def
}

func floatParam(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok && v > 0 {
		return v
	}
	return def
}
