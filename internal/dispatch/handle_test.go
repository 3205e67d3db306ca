package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"eventd/internal/category"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitCtx(ctx context.Context, _ *Handle) error {
	<-ctx.Done()
	return ctx.Err()
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("body did not return")
	}
}

func TestHandleTimeoutBoundary(t *testing.T) {
	clk := newFakeClock()
	h := NewHandle(WorkItem{Category: category.Archive, Body: waitCtx}, 5, clk.Now)
	assert.False(t, h.HasTimedOut(), "not started")

	require.NoError(t, h.Start(context.Background()))
	assert.False(t, h.HasTimedOut())
	assert.Equal(t, int64(0), h.DurationSeconds())

	clk.Advance(4 * time.Second)
	assert.False(t, h.HasTimedOut())

	clk.Advance(time.Second)
	assert.True(t, h.HasTimedOut(), "elapsed == timeout counts as timed out")
	assert.Equal(t, int64(5), h.DurationSeconds())

	h.Interrupt()
	waitDone(t, h)
	assert.ErrorIs(t, h.Err(), context.Canceled)
}

func TestHandleNonPositiveTimeoutNeverExpires(t *testing.T) {
	for _, timeout := range []int64{0, -1, -3600} {
		clk := newFakeClock()
		h := NewHandle(WorkItem{Category: category.Convert, Body: waitCtx}, timeout, clk.Now)
		require.NoError(t, h.Start(context.Background()))

		clk.Advance(1000 * time.Hour)
		assert.False(t, h.HasTimedOut(), "timeout %d", timeout)

		h.Interrupt()
		waitDone(t, h)
	}
}

func TestHandleSelfAdjustingBudget(t *testing.T) {
	clk := newFakeClock()
	adjusted := make(chan struct{})
	h := NewHandle(WorkItem{Category: category.Convert, Body: func(ctx context.Context, h *Handle) error {
		h.SetTimeoutSeconds(60)
		close(adjusted)
		<-ctx.Done()
		return nil
	}}, 5, clk.Now)
	require.NoError(t, h.Start(context.Background()))
	<-adjusted

	clk.Advance(30 * time.Second)
	assert.False(t, h.HasTimedOut())
	assert.Equal(t, int64(60), h.TimeoutSeconds())

	clk.Advance(30 * time.Second)
	assert.True(t, h.HasTimedOut())

	h.Interrupt()
	waitDone(t, h)
	assert.NoError(t, h.Err())
}

func TestHandleStartErrors(t *testing.T) {
	h := NewHandle(WorkItem{Category: category.Alert}, 0, nil)
	assert.ErrorIs(t, h.Start(context.Background()), ErrNilBody)

	h = NewHandle(WorkItem{Category: category.Alert, Body: func(context.Context, *Handle) error { return nil }}, 0, nil)
	require.NoError(t, h.Start(context.Background()))
	assert.ErrorIs(t, h.Start(context.Background()), ErrAlreadyStarted)
	waitDone(t, h)
}

func TestHandlePanicBecomesError(t *testing.T) {
	h := NewHandle(WorkItem{Category: category.Digest, Body: func(context.Context, *Handle) error {
		panic("boom")
	}}, 0, nil)
	require.NoError(t, h.Start(context.Background()))
	waitDone(t, h)

	var pe *PanicError
	require.True(t, errors.As(h.Err(), &pe))
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestWorkItemDisplayName(t *testing.T) {
	assert.Equal(t, "feed-poll", WorkItem{Category: category.FeedPoll}.displayName())
	assert.Equal(t, "nightly", WorkItem{Category: category.FeedPoll, Name: "nightly"}.displayName())
}
