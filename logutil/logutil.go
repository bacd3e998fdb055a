package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

const LevelTrace slog.Level = -8

// NewLogger returns a logger writing text records, or JSON records when
// format is "json", at or above level.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				switch attr.Value.Any().(slog.Level) {
				case LevelTrace:
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type key string

func Trace(msg string, args ...any) {
	TraceContext(context.WithValue(context.TODO(), key("skip"), 1), msg, args...)
}

func TraceContext(ctx context.Context, msg string, args ...any) {
	traceLogger(ctx, slog.Default(), msg, args...)
}

// TraceLogger emits a trace record through logger rather than the default.
func TraceLogger(logger *slog.Logger, msg string, args ...any) {
	traceLogger(context.TODO(), logger, msg, args...)
}

func traceLogger(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	if logger.Enabled(ctx, LevelTrace) {
		skip, _ := ctx.Value(key("skip")).(int)
		var pcs [1]uintptr
		runtime.Callers(3+skip, pcs[:])
		record := slog.NewRecord(time.Now(), LevelTrace, msg, pcs[0])
		record.Add(args...)
		logger.Handler().Handle(ctx, record)
	}
}
