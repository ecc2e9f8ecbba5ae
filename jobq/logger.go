package jobq

import (
	"context"
	"fmt"
	"iter"
	stdlog "log"
	"slices"
	"strings"

	cluelog "goa.design/clue/log"
)

type (
	// Logger is the logging interface accepted by all jobq components.
	// Key/value pairs alternate keys and values, a trailing key is logged
	// with an empty value.
	Logger interface {
		// EnableDebug turns on debug entries.
		EnableDebug()
		// WithPrefix returns a logger that adds kvs to every entry.
		WithPrefix(kvs ...any) Logger
		Debug(msg string, kvs ...any)
		Info(msg string, kvs ...any)
		Error(err error, kvs ...any)
	}

	noopLogger struct{}

	// stdLogger writes "[LEVEL] message k=v..." lines to a standard
	// library logger.
	stdLogger struct {
		out    *stdlog.Logger
		debug  bool
		prefix []any
	}

	// clueLogger writes structured entries to the clue logger stored in ctx.
	clueLogger struct {
		ctx context.Context
	}
)

// NoopLogger returns a logger that discards everything.
func NoopLogger() Logger { return noopLogger{} }

// StdLogger returns a logger that writes to l.
func StdLogger(l *stdlog.Logger) Logger { return &stdLogger{out: l} }

// ClueLogger returns a logger backed by the clue logger of ctx. It panics if
// ctx was not initialized with log.Context.
func ClueLogger(ctx context.Context) Logger {
	cluelog.MustContainLogger(ctx)
	return &clueLogger{ctx: ctx}
}

func (noopLogger) EnableDebug()               {}
func (l noopLogger) WithPrefix(...any) Logger { return l }
func (noopLogger) Debug(string, ...any)       {}
func (noopLogger) Info(string, ...any)        {}
func (noopLogger) Error(error, ...any)        {}

func (l *stdLogger) EnableDebug() { l.debug = true }

func (l *stdLogger) WithPrefix(kvs ...any) Logger {
	return &stdLogger{out: l.out, debug: l.debug, prefix: append(slices.Clip(l.prefix), kvs...)}
}

func (l *stdLogger) Debug(msg string, kvs ...any) {
	if l.debug {
		l.print("DEBUG", msg, kvs)
	}
}

func (l *stdLogger) Info(msg string, kvs ...any) { l.print("INFO", msg, kvs) }

func (l *stdLogger) Error(err error, kvs ...any) { l.print("ERROR", err.Error(), kvs) }

func (l *stdLogger) print(level, msg string, kvs []any) {
	var b strings.Builder
	b.WriteString("[" + level + "] " + msg)
	for k, v := range pairs(append(slices.Clip(l.prefix), kvs...)) {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	l.out.Print(b.String())
}

func (l *clueLogger) EnableDebug() {
	l.ctx = cluelog.Context(l.ctx, cluelog.WithDebug())
}

func (l *clueLogger) WithPrefix(kvs ...any) Logger {
	return &clueLogger{ctx: cluelog.With(l.ctx, fielders(kvs)...)}
}

func (l *clueLogger) Debug(msg string, kvs ...any) {
	cluelog.Debug(l.ctx, fielders(append([]any{"msg", msg}, kvs...))...)
}

func (l *clueLogger) Info(msg string, kvs ...any) {
	cluelog.Info(l.ctx, fielders(append([]any{"msg", msg}, kvs...))...)
}

func (l *clueLogger) Error(err error, kvs ...any) {
	cluelog.Error(l.ctx, err, fielders(kvs)...)
}

func fielders(kvs []any) []cluelog.Fielder {
	fs := make([]cluelog.Fielder, 0, (len(kvs)+1)/2)
	for k, v := range pairs(kvs) {
		fs = append(fs, cluelog.KV{K: k, V: v})
	}
	return fs
}

// pairs iterates over the key/value pairs of kvs in order.
func pairs(kvs []any) iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for i := 0; i < len(kvs); i += 2 {
			var v any
			if i+1 < len(kvs) {
				v = kvs[i+1]
			}
			if !yield(fmt.Sprint(kvs[i]), v) {
				return
			}
		}
	}
}
