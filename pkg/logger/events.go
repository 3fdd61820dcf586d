package logger

import (
	"strings"

	"go.uber.org/zap"
)

// Events — структурный лог рантайма: уровень + имя события + поля.
// Движок и раннер зависят только от этого интерфейса, редактирование
// чувствительных полей — забота реализации.
type Events interface {
	Log(level string, event string, fields ...zap.Field)
}

type zapEvents struct {
	l *zap.Logger
}

// NewEvents wraps a zap logger into the runtime event log.
func NewEvents(l *zap.Logger) Events {
	return &zapEvents{l: l.With(zap.String("service", serviceName))}
}

func (z *zapEvents) Log(level string, event string, fields ...zap.Field) {
	fields = append(fields, zap.String("event", event))
	switch strings.ToUpper(level) {
	case "DEBUG":
		z.l.Debug(event, fields...)
	case "WARNING", "WARN":
		z.l.Warn(event, fields...)
	case "ERROR":
		z.l.Error(event, fields...)
	default:
		z.l.Info(event, fields...)
	}
}

// NopEvents используется в тестах.
type NopEvents struct{}

func (NopEvents) Log(string, string, ...zap.Field) {}
