// Package logger 结构化日志封装 (zerolog)
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	traceIDKey ctxKey = "traceID"
	spanIDKey  ctxKey = "spanID"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

// Fields 日志字段
type Fields map[string]interface{}

type Logger struct {
	zl zerolog.Logger
}

// New 创建 JSON 日志，w 为空时写 stdout
func New(service string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	zl := zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Logger()
	return &Logger{zl: zl}
}

// Nop 丢弃所有输出，测试用
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Level 返回带最低级别过滤的副本；无法识别的级别按 info 处理
func (l *Logger) Level(level string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return &Logger{zl: l.zl.Level(lvl)}
}

// WithContext 附加 trace/span id，context 中没有时不写字段
func (l *Logger) WithContext(ctx context.Context) *Logger {
	b := l.zl.With()
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		b = b.Str("traceID", traceID)
	}
	if spanID := SpanIDFromContext(ctx); spanID != "" {
		b = b.Str("spanID", spanID)
	}
	return &Logger{zl: b.Logger()}
}

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

// Debugf 带字段的 Debug 日志
func (l *Logger) Debugf(msg string, fields Fields) { emit(l.zl.Debug(), msg, fields) }

// Infof 带字段的 Info 日志
func (l *Logger) Infof(msg string, fields Fields) { emit(l.zl.Info(), msg, fields) }

// Warnf 带字段的 Warn 日志
func (l *Logger) Warnf(msg string, fields Fields) { emit(l.zl.Warn(), msg, fields) }

// Errorf 带字段的 Error 日志
func (l *Logger) Errorf(msg string, fields Fields) { emit(l.zl.Error(), msg, fields) }

func emit(event *zerolog.Event, msg string, fields Fields) {
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// WithError 添加错误字段
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

// WithField 添加单个字段
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// WithFields 添加多个字段
func (l *Logger) WithFields(fields Fields) *Logger {
	ctx := l.zl.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zl: ctx.Logger()}
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func ContextWithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func TraceIDFromContext(ctx context.Context) string {
	return stringValue(ctx, traceIDKey)
}

func SpanIDFromContext(ctx context.Context) string {
	return stringValue(ctx, spanIDKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
