// Package xlog is a thin wrapper around zerolog. Every state transition,
// connect/reconnect, publish/subscribe failure, and return-message event
// logs one structured line through this wrapper.
package xlog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger. The zero value logs to stderr at info
// level, so callers that forget to construct one still get output.
type Logger struct {
	z    zerolog.Logger
	init bool
}

// New builds a Logger writing to w (os.Stderr if nil) with the given
// minimum level ("debug", "info", "warn", "error"; defaults to "info").
func New(w io.Writer, level string) Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return Logger{z: zerolog.New(w).Level(lvl).With().Timestamp().Logger(), init: true}
}

// With returns a Logger with a component field attached, so each log line
// carries the package it came from.
func (l Logger) With(component string) Logger {
	return Logger{z: l.ensure().With().Str("component", component).Logger(), init: true}
}

func (l Logger) ensure() *zerolog.Logger {
	if !l.init {
		z := New(nil, "info").z
		return &z
	}
	return &l.z
}

// Info logs msg at info level with the given structured fields (key,
// value, key, value, ...).
func (l Logger) Info(msg string, kv ...any) {
	l.event(l.ensure().Info(), msg, kv)
}

// Warn logs msg at warn level.
func (l Logger) Warn(msg string, kv ...any) {
	l.event(l.ensure().Warn(), msg, kv)
}

// Error logs msg at error level, with err attached if non-nil.
func (l Logger) Error(err error, msg string, kv ...any) {
	ev := l.ensure().Error()
	if err != nil {
		ev = ev.Err(err)
	}
	l.event(ev, msg, kv)
}

// Debug logs msg at debug level.
func (l Logger) Debug(msg string, kv ...any) {
	l.event(l.ensure().Debug(), msg, kv)
}

func (l Logger) event(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}
