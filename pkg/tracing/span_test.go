package tracing

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildSpansInheritTraceID(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "run", "run-1")
	ctx, src := StartChildSpan(ctx, "source")
	_, phase := StartChildSpan(ctx, "fetch")
	phase.SetAttr("pages", 3)
	phase.End()
	src.End()
	root.End()

	assert.Equal(t, "run-1", src.TraceID)
	assert.Equal(t, "run-1", phase.TraceID)
	require.Len(t, root.Children, 1)
	require.Len(t, root.Children[0].Children, 1)
	assert.Same(t, phase, root.Children[0].Children[0])
}

func TestStartChildSpan_WithoutParent(t *testing.T) {
	ctx, span := StartChildSpan(context.Background(), "orphan")
	assert.Empty(t, span.TraceID)
	assert.Same(t, span, SpanFromContext(ctx))
}

func TestLog_WritesWholeTree(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, root := StartSpan(context.Background(), "run", "abc")
	_, child := StartChildSpan(ctx, "store")
	child.SetAttr("rows", 7)
	child.End()
	root.End()
	root.Log(logger)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "span=run")
	assert.Contains(t, lines[1], "span=store")
	assert.Contains(t, lines[1], "rows=7")
	assert.Contains(t, lines[1], "depth=1")
}
