package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"escrowchat/pkg/config"
	"escrowchat/pkg/trace"
)

var Log *zap.Logger

// NewLogger 按配置创建 logger，development 模式输出彩色可读格式
func NewLogger(cfg config.LogConfig) *zap.Logger {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if cfg.Level != "" {
		if lvl, err := zapcore.ParseLevel(cfg.Level); err == nil {
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	// CLI 的 stdout 留给渲染输出
	zc.OutputPaths = []string{"stderr"}

	l, err := zc.Build()
	if err != nil {
		panic(err)
	}
	Log = l
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
