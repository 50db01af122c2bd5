package ctxutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDRoundTrip(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))

	ctx := WithRequestID(context.Background(), "turn-1")
	assert.Equal(t, "turn-1", RequestIDFromContext(ctx))

	inner := WithRequestID(ctx, "turn-2")
	assert.Equal(t, "turn-2", RequestIDFromContext(inner))
	assert.Equal(t, "turn-1", RequestIDFromContext(ctx))
}
