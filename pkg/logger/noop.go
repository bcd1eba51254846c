package logger

import (
	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
)

// Logger is the structured logger every package accepts.
type Logger = sdklogging.Logger

// NoOpLogger discards everything. Library callers that do not pass a logger get one.
type NoOpLogger struct{}

func (l *NoOpLogger) Info(msg string, keysAndValues ...any)  {}
func (l *NoOpLogger) Infof(format string, args ...any)       {}
func (l *NoOpLogger) Debug(msg string, keysAndValues ...any) {}
func (l *NoOpLogger) Debugf(format string, args ...any)      {}
func (l *NoOpLogger) Error(msg string, keysAndValues ...any) {}
func (l *NoOpLogger) Errorf(format string, args ...any)      {}
func (l *NoOpLogger) Warn(msg string, keysAndValues ...any)  {}
func (l *NoOpLogger) Warnf(format string, args ...any)       {}
func (l *NoOpLogger) Fatal(msg string, keysAndValues ...any) {}
func (l *NoOpLogger) Fatalf(format string, args ...any)      {}
func (l *NoOpLogger) With(keysAndValues ...any) Logger       { return l }

func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

// EnsureLogger returns logger, or a no-op logger when it is nil.
func EnsureLogger(logger Logger) Logger {
	if logger == nil {
		return NewNoOpLogger()
	}
	return logger
}

// Component tags every line from l with the component name.
func Component(l Logger, name string) Logger {
	return EnsureLogger(l).With("component", name)
}

// New builds the zap backed logger for an environment ("development" or "production").
func New(environment string) (Logger, error) {
	return sdklogging.NewZapLogger(sdklogging.LogLevel(environment))
}
