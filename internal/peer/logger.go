package peer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug so pion's trace output stays hidden
// unless explicitly enabled.
const levelTrace = slog.LevelDebug - 4

// LoggerFactory routes pion's scoped loggers into slog.
type LoggerFactory struct {
	logger *slog.Logger
}

func NewLoggerFactory(logger *slog.Logger) *LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerFactory{logger: logger}
}

func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{logger: f.logger.With("component", "pion", "scope", scope)}
}

type leveledLogger struct {
	logger *slog.Logger
}

func (l *leveledLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *leveledLogger) logf(level slog.Level, format string, args ...any) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Trace(msg string)                  { l.log(levelTrace, msg) }
func (l *leveledLogger) Tracef(format string, args ...any) { l.logf(levelTrace, format, args...) }
func (l *leveledLogger) Debug(msg string)                  { l.log(slog.LevelDebug, msg) }
func (l *leveledLogger) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l *leveledLogger) Info(msg string)                   { l.log(slog.LevelInfo, msg) }
func (l *leveledLogger) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l *leveledLogger) Warn(msg string)                   { l.log(slog.LevelWarn, msg) }
func (l *leveledLogger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l *leveledLogger) Error(msg string)                  { l.log(slog.LevelError, msg) }
func (l *leveledLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
