package netcode

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/outofforest/logger"
)

// roleLogger prefixes every message with the role of the endpoint.
type roleLogger struct {
	prefix string
	log    atomic.Pointer[zap.Logger]
}

func newRoleLogger(role string, log *zap.Logger) *roleLogger {
	if log == nil {
		log = zap.NewNop()
	}
	l := &roleLogger{prefix: "[" + role + "] "}
	l.set(log)
	return l
}

func (l *roleLogger) set(log *zap.Logger) {
	l.log.Store(log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return prefixCore{Core: core, prefix: l.prefix}
	})))
}

// Logger returns the logger adding the prefix to the messages.
func (l *roleLogger) Logger() *zap.Logger {
	return l.log.Load()
}

// context attaches the prefixed logger to the context passed to hosts and tasks.
func (l *roleLogger) context(ctx context.Context) context.Context {
	return logger.WithLogger(ctx, l.Logger())
}

func (l *roleLogger) Debug(msg string, fields ...zap.Field) {
	l.log.Load().Debug(msg, fields...)
}

func (l *roleLogger) Info(msg string, fields ...zap.Field) {
	l.log.Load().Info(msg, fields...)
}

func (l *roleLogger) Warn(msg string, fields ...zap.Field) {
	l.log.Load().Warn(msg, fields...)
}

func (l *roleLogger) Error(msg string, fields ...zap.Field) {
	l.log.Load().Error(msg, fields...)
}

type prefixCore struct {
	zapcore.Core

	prefix string
}

func (c prefixCore) With(fields []zapcore.Field) zapcore.Core {
	return prefixCore{Core: c.Core.With(fields), prefix: c.prefix}
}

func (c prefixCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c prefixCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = c.prefix + entry.Message
	return c.Core.Write(entry, fields)
}
