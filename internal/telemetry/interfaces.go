// Package telemetry adapts the standard library logger to the narrow
// interface the rest of the server depends on, so components never
// import log directly.
package telemetry

import "log"

// Logger exposes the logging capability required by server components
// that only need free-text diagnostics (startup messages, non-fatal
// warnings) rather than a structured logging.Event.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts a function into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapLogger adapts a standard library logger to the Logger interface.
func WrapLogger(logger *log.Logger) Logger {
	return &loggerAdapter{logger: logger}
}

type loggerAdapter struct {
	logger *log.Logger
}

func (l *loggerAdapter) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

// StandardLogger returns the underlying *log.Logger, when there is one,
// so callers that need to hand a stdlib logger to a third-party
// component (a Sink fallback, for instance) can retrieve it.
func (l *loggerAdapter) StandardLogger() *log.Logger {
	if l == nil {
		return nil
	}
	return l.logger
}
