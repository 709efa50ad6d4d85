package ctxkeys

import (
	"context"

	"go.uber.org/zap"
)

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	traceIDKey  contextKey = "trace_id"
	runIDKey    contextKey = "run_id"
	pageIDKey   contextKey = "page_id"
	operatorKey contextKey = "operator"
)

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) {
	return lookup(ctx, traceIDKey)
}

// WithRunID 设置 RunID（一次进程运行）
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID 获取 RunID
func RunID(ctx context.Context) (string, bool) {
	return lookup(ctx, runIDKey)
}

// WithPageID 设置 PageID（一次页面加载）
func WithPageID(ctx context.Context, pageID string) context.Context {
	return context.WithValue(ctx, pageIDKey, pageID)
}

// PageID 获取 PageID
func PageID(ctx context.Context) (string, bool) {
	return lookup(ctx, pageIDKey)
}

// WithOperator 设置已认证的操作员（JWT subject）
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// Operator 获取操作员
func Operator(ctx context.Context) (string, bool) {
	return lookup(ctx, operatorKey)
}

// Fields 把 context 中已设置的标识转换为日志字段
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	for _, k := range []contextKey{traceIDKey, runIDKey, pageIDKey, operatorKey} {
		if v, ok := lookup(ctx, k); ok {
			fields = append(fields, zap.String(string(k), v))
		}
	}
	return fields
}

func lookup(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
