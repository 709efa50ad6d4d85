package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	_, ok := RunID(ctx)
	assert.False(t, ok)
	assert.Empty(t, Fields(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithPageID(ctx, "page-7")
	ctx = WithTraceID(ctx, "")

	run, ok := RunID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "run-1", run)

	page, ok := PageID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "page-7", page)

	_, ok = TraceID(ctx)
	assert.False(t, ok, "empty values are treated as unset")

	fields := Fields(ctx)
	assert.Len(t, fields, 2)
	assert.Equal(t, "run_id", fields[0].Key)
	assert.Equal(t, "page_id", fields[1].Key)
}

func TestOperator(t *testing.T) {
	ctx := WithOperator(context.Background(), "ops@example.test")

	op, ok := Operator(ctx)
	assert.True(t, ok)
	assert.Equal(t, "ops@example.test", op)

	fields := Fields(ctx)
	assert.Len(t, fields, 1)
	assert.Equal(t, "operator", fields[0].Key)
}
