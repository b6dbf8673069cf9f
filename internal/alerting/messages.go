package alerting

import (
	"fmt"

	"go.uber.org/zap/zapcore"

	"github.com/KingEverett/Hermes-sub000/internal/store"
)

// message renders the human-readable alert text for a breach, with the
// metric formatted by its natural unit.
func message(alertType store.AlertType, current, threshold float64) string {
	switch alertType {
	case store.AlertTaskFailureRate:
		return fmt.Sprintf("Task failure rate is %.1f%% (threshold %.1f%%)", current, threshold)
	case store.AlertQueueDepth:
		return fmt.Sprintf("Total queue depth is %.0f tasks (threshold %.0f)", current, threshold)
	case store.AlertDeadLetterCount:
		return fmt.Sprintf("%.0f tasks entered the dead-letter queue (threshold %.0f)", current, threshold)
	case store.AlertWorkerOffline:
		return fmt.Sprintf("%.0f workers are offline (threshold %.0f)", current, threshold)
	case store.AlertWorkerMemory:
		return fmt.Sprintf("Average worker memory is %.1f%% of baseline (threshold %.1f%%)", current, threshold)
	case store.AlertTaskDuration:
		return fmt.Sprintf("Average task duration is %.0fms (threshold %.0fms)", current, threshold)
	default:
		return fmt.Sprintf("Metric %s is %.2f (threshold %.2f)", alertType, current, threshold)
	}
}

// condition is the stored human-readable form of the comparison.
func condition(alertType store.AlertType, cmp store.Comparison, threshold float64) string {
	return fmt.Sprintf("%s %s %g", alertType, cmp, threshold)
}

func severityLogLevel(sev store.Severity) zapcore.Level {
	switch sev {
	case store.SeverityCritical, store.SeverityHigh:
		return zapcore.ErrorLevel
	case store.SeverityMedium:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
