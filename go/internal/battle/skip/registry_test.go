package skip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkip_InvokesAndClearsHandler(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.SetHandler(func() { calls++ })
	require.True(t, r.HasHandler())

	r.Skip()
	assert.Equal(t, 1, calls)
	assert.False(t, r.HasHandler())
	assert.False(t, r.Pending())

	// A second skip has nothing to run and becomes pending.
	r.Skip()
	assert.Equal(t, 1, calls)
	assert.True(t, r.Pending())
}

func TestPendingSkip_ConsumedExactlyOnceOnRegistration(t *testing.T) {
	r := NewRegistry()

	r.Skip()
	require.True(t, r.Pending())
	require.False(t, r.HasHandler())

	timerStopped := 0
	r.SetHandler(func() { timerStopped++ })

	assert.Equal(t, 1, timerStopped)
	assert.False(t, r.Pending())
	assert.False(t, r.HasHandler())

	next := 0
	r.SetHandler(func() { next++ })
	assert.Equal(t, 0, next, "the pending skip must not carry over to a later handler")
	assert.True(t, r.HasHandler())
}

func TestSetHandler_ReplacesSilently(t *testing.T) {
	r := NewRegistry()
	first, second := 0, 0
	r.SetHandler(func() { first++ })
	r.SetHandler(func() { second++ })

	r.Skip()
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestSetHandler_NilWithPendingKeepsPending(t *testing.T) {
	r := NewRegistry()
	r.Skip()
	r.Clear()
	assert.True(t, r.Pending())

	r.DiscardPending()
	assert.False(t, r.Pending())
}

func TestOnChange_NotifiesPresence(t *testing.T) {
	r := NewRegistry()
	var seen []bool
	unsubscribe := r.OnChange(func(has bool) { seen = append(seen, has) })

	r.SetHandler(func() {})
	r.Skip()
	r.Skip()
	r.SetHandler(func() {})

	assert.Equal(t, []bool{true, false, true, false}, seen)

	unsubscribe()
	r.SetHandler(func() {})
	assert.Len(t, seen, 4)
}

func TestHandlerMayRegisterSuccessor(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.SetHandler(func() {
		order = append(order, "cooldown")
		r.SetHandler(func() { order = append(order, "selection") })
	})

	r.Skip()
	require.True(t, r.HasHandler())
	r.Skip()
	assert.Equal(t, []string{"cooldown", "selection"}, order)
}
