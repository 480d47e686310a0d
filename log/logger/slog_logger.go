package logger

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"

	"github.com/planp1125-pixel/plandb-mvp/log/writer"
)

const redacted = "******"

// DefaultRedact 默认隐藏的字段，数据库密钥不能出现在日志里
var DefaultRedact = []string{"key", "key1", "key2", "password"}

// SLogOptions 日志初始化选项
type SLogOptions struct {
	// 日志级别：debug, info, warn, error
	Level string `cfg:"level" def:"info" validate:"omitempty,oneof=debug info warn error"`

	// 输出格式：text, json
	Format string `cfg:"format" def:"text" validate:"omitempty,oneof=text json"`

	// 输出目标，为空时输出到 stdout
	Output *writer.Options `cfg:"output"`

	TimeFormat string `cfg:"timeFormat"`
	AddSource  bool   `cfg:"addSource"`

	// Fields 附加在每条日志上的字段
	Fields map[string]any `cfg:"fields"`

	// Redact 值需要隐藏的字段名，不区分大小写，为空时使用 DefaultRedact
	Redact []string `cfg:"redact"`
}

// SLog 基于 log/slog 的日志器。
// 上下文中有有效的 span 时，*Context 方法会附带 trace_id 和 span_id
type SLog struct {
	slogger *slog.Logger
	w       writer.Writer
}

func NewSLogWithOptions(options *SLogOptions) (*SLog, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}

	var level slog.Level
	if options.Level != "" {
		if err := level.UnmarshalText([]byte(options.Level)); err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", options.Level)
		}
	}

	format := strings.ToLower(options.Format)
	if format != "" && format != "text" && format != "json" {
		return nil, errors.Errorf("unsupported format: %s", options.Format)
	}

	var w writer.Writer
	if options.Output != nil {
		var err error
		if w, err = writer.NewWriterWithOptions(options.Output); err != nil {
			return nil, errors.WithMessage(err, "failed to create writer")
		}
	} else {
		w = writer.NewConsoleWriter(nil)
	}

	redact := options.Redact
	if len(redact) == 0 {
		redact = DefaultRedact
	}
	handlerOpts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   options.AddSource,
		ReplaceAttr: replaceAttr(options.TimeFormat, redact),
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	slogger := slog.New(traceHandler{handler})
	if len(options.Fields) > 0 {
		args := make([]any, 0, len(options.Fields)*2)
		for k, v := range options.Fields {
			args = append(args, k, v)
		}
		slogger = slogger.With(args...)
	}

	return &SLog{slogger: slogger, w: w}, nil
}

func replaceAttr(timeFormat string, redact []string) func([]string, slog.Attr) slog.Attr {
	hidden := make(map[string]struct{}, len(redact))
	for _, k := range redact {
		hidden[strings.ToLower(k)] = struct{}{}
	}
	return func(groups []string, a slog.Attr) slog.Attr {
		if timeFormat != "" && a.Key == slog.TimeKey && len(groups) == 0 {
			return slog.String(a.Key, a.Value.Time().Format(timeFormat))
		}
		if _, ok := hidden[strings.ToLower(a.Key)]; ok && a.Value.Kind() != slog.KindGroup {
			if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
				return a
			}
			return slog.String(a.Key, redacted)
		}
		return a
	}
}

// traceHandler 从上下文中的 span 取出 trace_id 和 span_id
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

// Close 关闭底层输出
func (l *SLog) Close() error {
	if l.w == nil {
		return nil
	}
	return l.w.Close()
}

func (l *SLog) Debug(msg string, args ...any) { l.slogger.Debug(msg, args...) }
func (l *SLog) Info(msg string, args ...any) { l.slogger.Info(msg, args...) }
func (l *SLog) Warn(msg string, args ...any) { l.slogger.Warn(msg, args...) }
func (l *SLog) Error(msg string, args ...any) { l.slogger.Error(msg, args...) }

func (l *SLog) DebugContext(ctx context.Context, msg string, args ...any) {
	l.slogger.DebugContext(ctx, msg, args...)
}

func (l *SLog) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slogger.InfoContext(ctx, msg, args...)
}

func (l *SLog) WarnContext(ctx context.Context, msg string, args ...any) {
	l.slogger.WarnContext(ctx, msg, args...)
}

func (l *SLog) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slogger.ErrorContext(ctx, msg, args...)
}

func (l *SLog) With(args ...any) Logger {
	return &SLog{slogger: l.slogger.With(args...), w: l.w}
}

func (l *SLog) WithGroup(name string) Logger {
	return &SLog{slogger: l.slogger.WithGroup(name), w: l.w}
}
