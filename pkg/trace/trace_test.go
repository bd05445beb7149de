package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTrace_StdoutFallback(t *testing.T) {
	shutdown, err := InitTrace("papertrader-test", Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	ctx, span := otel.Tracer("test").Start(context.Background(), "ledger.buy")
	defer span.End()

	assert.True(t, span.SpanContext().HasTraceID(), "SDK provider 应产出有效 trace id")
	assert.NotNil(t, ctx)
}
