package trace

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// HeaderName 是传递 trace id 的 HTTP header
const HeaderName = "X-Trace-ID"

// GenerateTraceID 生成一个新的 trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext 从 context 中获取 trace_id
func FromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(ctxKey{}).(string); ok {
		return traceID
	}
	return ""
}

// WithContext 将 trace_id 添加到 context 中
func WithContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// Ensure returns ctx unchanged if it already carries a trace id, otherwise a
// child context with a fresh one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateTraceID()
	return WithContext(ctx, id), id
}

// FromHeader 从 HTTP header 值中提取 trace_id，为空时生成新的
func FromHeader(headerValue string) string {
	if headerValue != "" {
		return headerValue
	}
	return GenerateTraceID()
}
