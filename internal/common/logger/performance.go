package logger

import (
	"time"

	"go.uber.org/zap"
)

// PerformanceLogger records operation timings with duration-based log
// levels, so slow paths surface without drowning the log in routine
// timings.
type PerformanceLogger struct {
	logger *zap.Logger
}

// NewPerformanceLogger creates a performance logger.
func NewPerformanceLogger(logger *zap.Logger) *PerformanceLogger {
	return &PerformanceLogger{
		logger: logger.With(zap.String("log_type", "performance")),
	}
}

// Timer measures a single operation from StartTimer to Stop.
type Timer struct {
	logger    *zap.Logger
	operation string
	startTime time.Time
	fields    []zap.Field
}

// StartTimer begins timing the named operation.
func (p *PerformanceLogger) StartTimer(operation string, fields ...zap.Field) *Timer {
	return &Timer{
		logger:    p.logger,
		operation: operation,
		startTime: time.Now(),
		fields:    fields,
	}
}

// Stop logs the elapsed time. Operations over a second log at Info, over
// five seconds at Warn, everything else at Debug.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)

	fields := append(t.fields,
		zap.String("operation", t.operation),
		zap.Duration("duration", duration),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)

	switch {
	case duration > 5*time.Second:
		t.logger.Warn("Slow operation", fields...)
	case duration > 1*time.Second:
		t.logger.Info("Operation completed", fields...)
	default:
		t.logger.Debug("Operation completed", fields...)
	}

	return duration
}

// StopWithError logs the elapsed time together with the failure.
func (t *Timer) StopWithError(err error) time.Duration {
	duration := time.Since(t.startTime)

	fields := append(t.fields,
		zap.String("operation", t.operation),
		zap.Duration("duration", duration),
		zap.Int64("duration_ms", duration.Milliseconds()),
		zap.Error(err),
	)

	t.logger.Error("Operation failed", fields...)

	return duration
}

// WarnThreshold logs a warning when duration exceeds threshold.
func (p *PerformanceLogger) WarnThreshold(operation string, duration, threshold time.Duration, fields ...zap.Field) {
	if duration <= threshold {
		return
	}
	allFields := append(fields,
		zap.String("operation", operation),
		zap.Duration("duration", duration),
		zap.Duration("threshold", threshold),
	)
	p.logger.Warn("Operation exceeded threshold", allFields...)
}
