package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON = "json"
	FormatText = "text"
	FormatZap  = "zap"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler appends attributes stored in a context by ContextAttrs to
// every record logged with that context.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	// copy, so sibling contexts never share a backing array
	merged := make([]slog.Attr, 0, len(a)+len(attrs))
	if ok {
		merged = append(merged, a...)
	}
	merged = append(merged, attrs...)
	return context.WithValue(ctx, slogKey, merged)
}

// ParseLevel maps debug|info|warn|error to a slog.Level, empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("parsing log level %q: %w", s, err)
	}
	return level, nil
}

// New returns a logger writing to w in a given format. The zap format
// builds a zap production core and bridges it into slog.
func New(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	var base slog.Handler
	switch format {
	case "", FormatJSON:
		base = slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource: false,
			Level:     level,
		})
	case FormatText:
		base = slog.NewTextHandler(w, &slog.HandlerOptions{
			AddSource: false,
			Level:     level,
		})
	case FormatZap:
		encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		core := zapcore.NewCore(encoder, zapcore.AddSync(w), zapLevel(level))
		base = zapslog.NewHandler(core)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	return slog.New(NewContextHandler(base)), nil
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level <= slog.LevelDebug:
		return zapcore.DebugLevel
	case level <= slog.LevelInfo:
		return zapcore.InfoLevel
	case level <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
