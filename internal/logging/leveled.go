package logging

import "go.uber.org/zap"

// LeveledLogger adapts the default logger to the key/value logging
// interface of HTTP client libraries such as go-retryablehttp.
type LeveledLogger struct {
	sugar *zap.SugaredLogger
}

// Leveled returns a LeveledLogger writing through Logger() with the given
// component name.
func Leveled(component string) LeveledLogger {
	return LeveledLogger{sugar: Logger().Named(component).Sugar()}
}

func (l LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Info is demoted to debug: the HTTP client logs every request at info.
func (l LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}
