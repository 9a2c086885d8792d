package logsink

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapObserver returns a subscriber that forwards records to a zap logger.
// Fatal records are written at zap's Error level so the process never exits.
func ZapObserver(logger *zap.Logger) func(Record) {
	return func(r Record) {
		if ce := logger.Check(zapLevel(r.Level), r.Text); ce != nil {
			ce.Write(
				zap.String("severity", r.Level.String()),
				zap.String("timestamp", r.Timestamp),
			)
		}
	}
}

func zapLevel(level Severity) zapcore.Level {
	switch level {
	case Fatal, Error:
		return zapcore.ErrorLevel
	case Warn:
		return zapcore.WarnLevel
	case Info:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
