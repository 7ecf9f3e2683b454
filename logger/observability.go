package logger

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// ObservabilityLogger provides structured JSONL logging using logrus for
// Loki ingestion. One instance is shared by all reliability components.
type ObservabilityLogger struct {
	logger *logrus.Logger
	file   *os.File
}

// Component constants for consistent labeling
const (
	ComponentRedundancyCache    = "redundancy_cache"
	ComponentFailureClassifier  = "failure_classifier"
	ComponentStrategyPlanner    = "strategy_planner"
	ComponentRecoveryComposer   = "recovery_composer"
	ComponentCorrectionAgent    = "correction_agent"
	ComponentCalibrationMetrics = "calibration_metrics"
	ComponentStore              = "store"
	ComponentConfig             = "configuration"
)

// Category constants for log classification
const (
	CategoryRequest        = "request"
	CategoryClassification = "classification"
	CategoryCorrection     = "correction"
	CategoryCache          = "cache"
	CategoryCleanup        = "cleanup"
	CategoryMetrics        = "metrics"
	CategorySuccess        = "success"
	CategoryWarning        = "warning"
	CategoryError          = "error"
)

// LogFunc is the logging callback injected into components. Components
// must tolerate a nil LogFunc; use Nop for explicit no-op logging.
type LogFunc func(component, category, requestID, message string, fields map[string]interface{})

// Nop returns a LogFunc that discards everything. Used in tests.
func Nop() LogFunc {
	return func(component, category, requestID, message string, fields map[string]interface{}) {}
}

// NewObservabilityLogger creates a structured logger writing JSONL to
// logDir/toolguard.jsonl.
func NewObservabilityLogger(logDir string) (*ObservabilityLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	logPath := filepath.Join(logDir, "toolguard.jsonl")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(file)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetLevel(logrus.InfoLevel)

	return &ObservabilityLogger{
		logger: logger,
		file:   file,
	}, nil
}

// LogEvent writes one structured event with component/category labels.
func (o *ObservabilityLogger) LogEvent(component, category, requestID, message string, fields map[string]interface{}) {
	entry := o.logger.WithFields(logrus.Fields{
		"service":    "toolguard",
		"component":  component,
		"category":   category,
		"request_id": requestID,
	})
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	switch category {
	case CategoryError:
		entry.Error(message)
	case CategoryWarning:
		entry.Warn(message)
	default:
		entry.Info(message)
	}
}

// Func adapts the logger to the LogFunc callback shape components expect.
func (o *ObservabilityLogger) Func() LogFunc {
	return o.LogEvent
}

// Close flushes and closes the underlying log file.
func (o *ObservabilityLogger) Close() error {
	if o.file != nil {
		return o.file.Close()
	}
	return nil
}
