package telemetry

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// CronLogger adapts slog to the cron.Logger interface.
type CronLogger struct {
	logger *slog.Logger
}

var _ cron.Logger = CronLogger{}

// NewCronLogger wraps l.
func NewCronLogger(l *slog.Logger) CronLogger {
	return CronLogger{logger: l}
}

// Info logs routine scheduler messages at debug level.
func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug("cron: "+msg, keysAndValues...)
}

// Error logs scheduler failures, including recovered job panics.
func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
