package udpc

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// LogLevel is a six-level logging scale. Contexts gate on this
// atomically so hot-path code never builds a formatted message when the
// level wouldn't emit it.
type LogLevel int32

const (
	LogSilent LogLevel = iota
	LogError
	LogWarning
	LogInfo
	LogVerbose
	LogDebug
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogError:
		return slog.LevelError
	case LogWarning:
		return slog.LevelWarn
	case LogInfo, LogVerbose:
		return slog.LevelInfo
	case LogDebug:
		return slog.LevelDebug
	default:
		return slog.LevelError
	}
}

// LogSink receives typed log events from the core. Callers never need to
// format a message unless the level is active; the default implementation
// wraps a *slog.Logger and lets slog's own level gating do that work.
type LogSink interface {
	Log(level LogLevel, msg string, fields ...any)
}

type slogSink struct {
	log *slog.Logger
}

// NewSlogSink adapts a *slog.Logger into a LogSink. A nil logger discards
// everything.
func NewSlogSink(log *slog.Logger) LogSink {
	if log == nil {
		log = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &slogSink{log: log}
}

func (s *slogSink) Log(level LogLevel, msg string, fields ...any) {
	s.log.Log(context.Background(), level.slogLevel(), msg, fields...)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// levelGate is an atomic LogLevel used by Context so SetLoggingLevel can be
// called from any goroutine without holding the Context mutex.
type levelGate struct {
	v atomic.Int32
}

func (g *levelGate) set(l LogLevel)  { g.v.Store(int32(l)) }
func (g *levelGate) get() LogLevel   { return LogLevel(g.v.Load()) }
func (g *levelGate) active(l LogLevel) bool {
	if l == LogSilent {
		return false
	}
	return g.get() >= l
}
