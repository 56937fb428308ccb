package interrupt

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingCloser struct {
	mu     sync.Mutex
	closed int
}

func (c *countingCloser) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *countingCloser) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestInterruptFirstReasonWins(t *testing.T) {
	token := New()
	require.False(t, token.Interrupted())
	require.Equal(t, Running, token.Reason())

	require.True(t, token.Interrupt(ByUser))
	require.False(t, token.Interrupt(BySystem))

	require.True(t, token.Interrupted())
	require.True(t, token.InterruptedByUser())
	require.Equal(t, "user", token.Reason().String())

	select {
	case <-token.Done():
	default:
		t.Fatalf("expected done channel to be closed")
	}
}

func TestInterruptWithRunningReasonMeansSystem(t *testing.T) {
	token := New()
	token.Interrupt(Running)
	require.Equal(t, BySystem, token.Reason())
	require.False(t, token.InterruptedByUser())
}

func TestForceCloseClosesRegisteredClosers(t *testing.T) {
	token := New()
	kept := &countingCloser{}
	removed := &countingCloser{}
	token.AddCloser(kept)
	token.AddCloser(removed)
	token.RemoveCloser(removed)

	token.ForceClose(BySystem)

	require.Equal(t, 1, kept.count())
	require.Equal(t, 0, removed.count())
	require.Equal(t, BySystem, token.Reason())

	late := &countingCloser{}
	token.AddCloser(late)
	require.Equal(t, 1, late.count())
}

func TestForceCloseKeepsEarlierUserReason(t *testing.T) {
	token := New()
	token.Interrupt(ByUser)
	token.ForceClose(BySystem)
	require.True(t, token.InterruptedByUser())
}
