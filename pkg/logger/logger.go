package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mailtriage/pkg/trace"
)

// Level 运行时可调整的日志级别
var Level = zap.NewAtomicLevel()

// NewLogger 创建 JSON 格式的生产 logger，level 为空时默认 info
func NewLogger(level string) *zap.Logger {
	if level != "" {
		if err := Level.UnmarshalText([]byte(level)); err != nil {
			Level.SetLevel(zapcore.InfoLevel)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = Level
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l
}

// WithTrace 从 context 中提取 trace_id 并添加到 logger
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	traceID := trace.FromContext(ctx)
	if traceID != "" {
		return logger.With(zap.String("trace_id", traceID))
	}
	return logger
}
