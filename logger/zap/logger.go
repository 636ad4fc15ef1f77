package zap

import (
	"github.com/3rs4lg4d0/eventbox/evbx"
	"go.uber.org/zap"
)

// Logger is the zap implementation of evbx.Logger.
type Logger struct {
	Logger *zap.Logger
}

var _ evbx.Logger = (*Logger)(nil)

func New(l *zap.Logger) *Logger {
	if l == nil {
		panic("zap logger is mandatory")
	}
	return &Logger{Logger: l.Named("eventbox")}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Error(msg, zap.Error(err))
}
