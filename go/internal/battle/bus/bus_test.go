package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_DeliversNamedThenWildcard(t *testing.T) {
	b := NewLocal()
	ctx := context.Background()
	var got []string
	b.On(Wildcard, func(_ context.Context, ev Event) { got = append(got, "any:"+ev.Name) })
	b.On("ready", func(_ context.Context, ev Event) { got = append(got, "ready:"+ev.Detail.(string)) })

	require.NoError(t, b.Emit(ctx, "ready", "r1"))
	require.NoError(t, b.Emit(ctx, "countdown", nil))

	assert.Equal(t, []string{"ready:r1", "any:ready", "any:countdown"}, got)
}

func TestLocal_UnsubscribeIsIdempotent(t *testing.T) {
	b := NewLocal()
	calls := 0
	off := b.On("ready", func(context.Context, Event) { calls++ })

	off()
	off()
	require.NoError(t, b.Emit(context.Background(), "ready", nil))
	assert.Equal(t, 0, calls)
}

func TestLocal_PanickingHandlerIsIsolated(t *testing.T) {
	b := NewLocal()
	reached := false
	b.On("ready", func(context.Context, Event) { panic("listener bug") })
	b.On("ready", func(context.Context, Event) { reached = true })

	assert.NotPanics(t, func() {
		assert.NoError(t, b.Emit(context.Background(), "ready", nil))
	})
	assert.True(t, reached)
}

func TestLocal_HandlerCanUnsubscribeSibling(t *testing.T) {
	b := NewLocal()
	var off func()
	second := 0
	b.On("ready", func(context.Context, Event) { off() })
	off = b.On("ready", func(context.Context, Event) { second++ })

	require.NoError(t, b.Emit(context.Background(), "ready", nil))
	assert.Equal(t, 0, second)
}

func TestLocal_EmitAfterClose(t *testing.T) {
	b := NewLocal()
	b.Close()
	assert.ErrorIs(t, b.Emit(context.Background(), "ready", nil), ErrClosed)
}
