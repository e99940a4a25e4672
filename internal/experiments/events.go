package experiments

import (
	"github.com/quantlab-cn/quantlab/internal/progress"
)

// Progress event discriminators pushed over the experiment stream.
const (
	EvGenerating           = "generating"
	EvStrategiesReady      = "strategies_ready"
	EvDataIntegrity        = "data_integrity"
	EvDataIntegrityDone    = "data_integrity_done"
	EvDataIntegrityWarning = "data_integrity_warning"
	EvLoadingData          = "loading_data"
	EvDataLoaded           = "data_loaded"
	EvComputingRegimes     = "computing_regimes"
	EvRegimeWarning        = "regime_warning"
	EvBacktestStart        = "backtest_start"
	EvBacktestDone         = "backtest_done"
	EvBacktestSkip         = "backtest_skip"
	EvBacktestError        = "backtest_error"
	EvExperimentDone       = "experiment_done"
	EvResumeStart          = "resume_start"
	EvExperimentStatus     = "experiment_status"
	EvError                = "error"
	EvInfo                 = "info"
)

// Event serializes one progress payload.
func Event(typ string, fields map[string]any) string {
	return progress.Event(typ, fields)
}
