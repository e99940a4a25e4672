package backtest

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when the cancel channel fires mid-run. The
// engine checks it cooperatively at each day boundary.
var ErrTimeout = errors.New("backtest cancelled: timeout")

// SignalExplosionError aborts a run whose entry pass triggered a
// pathological number of buys in a single day. Protects against
// validator escapes (e.g. an always-true condition set).
type SignalExplosionError struct {
	Strategy string
	Date     string
	Count    int
}

func (e *SignalExplosionError) Error() string {
	return fmt.Sprintf("signal explosion: strategy %q triggered %d buys on %s", e.Strategy, e.Count, e.Date)
}

// IsSignalExplosion reports whether err is a signal explosion abort.
func IsSignalExplosion(err error) bool {
	var target *SignalExplosionError
	return errors.As(err, &target)
}
