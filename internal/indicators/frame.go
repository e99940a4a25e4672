package indicators

import "math"

// Frame holds materialized indicator columns aligned to one stock's bar
// series. Leading values a window cannot cover are NaN.
type Frame struct {
	Dates   []string
	columns map[string][]float64
}

// Len returns the number of bars in the frame.
func (f *Frame) Len() int { return len(f.Dates) }

// Value returns column col at bar index i. The second return is false
// when the column is missing, the index is out of range, or the value is
// NaN (warm-up period).
func (f *Frame) Value(col string, i int) (float64, bool) {
	series, ok := f.columns[col]
	if !ok || i < 0 || i >= len(series) {
		return 0, false
	}
	v := series[i]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Series returns the full column slice, or nil when absent.
func (f *Frame) Series(col string) []float64 {
	return f.columns[col]
}

// Has reports whether the frame carries column col.
func (f *Frame) Has(col string) bool {
	_, ok := f.columns[col]
	return ok
}

// set stores a column, padding short series with leading NaN so every
// column aligns to the date axis.
func (f *Frame) set(col string, series []float64) {
	n := len(f.Dates)
	if len(series) == n {
		f.columns[col] = series
		return
	}

	aligned := make([]float64, n)
	pad := n - len(series)
	for i := 0; i < pad; i++ {
		aligned[i] = math.NaN()
	}
	copy(aligned[pad:], series)
	f.columns[col] = aligned
}
