package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventd/internal/category"
	"eventd/internal/eventbus"
	"eventd/internal/exclusivity"
	"eventd/internal/telemetry"
)

type fixture struct {
	d   *Dispatcher
	st  *telemetry.Station
	reg *exclusivity.Registry
	clk *fakeClock
}

func newFixture(t *testing.T, cfg Config, opts ...Option) fixture {
	t.Helper()
	clk := newFakeClock()
	st := telemetry.New(telemetry.WithClock(clk.Now))
	reg := exclusivity.New(category.DefaultTable())
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return fixture{d: New(cfg, reg, st, opts...), st: st, reg: reg, clk: clk}
}

func (f fixture) drained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.d.ActiveCount() == 0 && f.d.Zombies() == 0 },
		2*time.Second, 5*time.Millisecond)
}

// gate blocks a body until released.
func gate() (Body, func()) {
	ch := make(chan struct{})
	return func(ctx context.Context, _ *Handle) error {
		<-ch
		return nil
	}, func() { close(ch) }
}

func TestTickCompletes(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 2})
	require.NoError(t, f.d.Submit(WorkItem{
		Category: category.Convert,
		Name:     "thumbs",
		Source:   "uploads",
		Body: func(_ context.Context, h *Handle) error {
			h.AddWords(7)
			return nil
		},
	}))

	assert.Equal(t, 1, f.d.Tick(context.Background()))
	f.drained(t)

	assert.Equal(t, int64(1), f.st.ThreadCount())
	assert.Equal(t, int64(1), f.st.SourceCount("uploads"))
	assert.Equal(t, map[string]int64{"convert": 7}, f.st.WordCounts())
	assert.Equal(t, "thumbs", f.st.LastThreadName())

	snap := f.d.Snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, OutcomeCompleted, snap.History[0].Outcome)
	assert.Equal(t, uint64(1), snap.Completed)
	assert.Equal(t, 0, snap.Pending)
}

func TestBodyFailureIsRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.d.Submit(WorkItem{
		Category: category.Archive,
		Body:     func(context.Context, *Handle) error { return errors.New("disk full") },
	}))
	require.Equal(t, 1, f.d.Tick(context.Background()))
	f.drained(t)

	assert.Equal(t, int64(1), f.st.ErrorCount())
	log := f.st.FailureLog(0)
	require.Len(t, log, 1)
	assert.True(t, strings.HasPrefix(log[0].Text, "errored"))
	assert.Contains(t, log[0].Text, "disk full")
	assert.False(t, f.reg.IsActive(category.Archive), "marker released after failure")
	assert.Equal(t, int64(1), f.st.ThreadCount())
}

func TestPanickingBodyIsFailure(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.d.Submit(WorkItem{
		Category: category.Index,
		Body:     func(context.Context, *Handle) error { panic("nil map") },
	}))
	require.Equal(t, 1, f.d.Tick(context.Background()))
	f.drained(t)

	assert.Equal(t, uint64(1), f.d.Snapshot().Failed)
	assert.False(t, f.reg.IsActive(category.Index))
}

func TestExclusiveCategoryIsSerialized(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 4})
	body, release := gate()

	require.NoError(t, f.d.Submit(WorkItem{Category: category.FeedPoll, Name: "a", Body: body}))
	require.NoError(t, f.d.Submit(WorkItem{Category: category.FeedPoll, Name: "b", Body: func(context.Context, *Handle) error { return nil }}))

	assert.Equal(t, 1, f.d.Tick(context.Background()))
	assert.Equal(t, 1, f.d.Pending())
	assert.True(t, f.reg.IsActive(category.FeedPoll))

	// still held: retried, not started
	assert.Equal(t, 0, f.d.Tick(context.Background()))
	assert.Equal(t, 1, f.d.Pending())
	assert.GreaterOrEqual(t, f.d.Snapshot().Deferred, uint64(2))

	release()
	require.Eventually(t, func() bool { return !f.reg.IsActive(category.FeedPoll) }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.d.Tick(context.Background()))
	assert.Equal(t, 0, f.d.Pending())
	f.drained(t)
	assert.Equal(t, int64(2), f.st.ThreadCount())
}

func TestNonExclusiveRunsInParallel(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 4})
	body, release := gate()
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, f.d.Submit(WorkItem{Category: category.Convert, Name: n, Body: body}))
	}
	assert.Equal(t, 3, f.d.Tick(context.Background()))
	assert.Equal(t, 3, f.d.ActiveCount())
	assert.Equal(t, 3, f.st.ActiveThreads())
	release()
	f.drained(t)
}

// A category made exclusive by a reload must not lose its marker when an
// instance started under the old table returns.
func TestTableReloadKeepsMarker(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 4})
	oldBody, releaseOld := gate()
	newBody, releaseNew := gate()

	require.NoError(t, f.d.Submit(WorkItem{Category: category.Convert, Name: "a", Body: oldBody}))
	require.Equal(t, 1, f.d.Tick(context.Background()))

	tbl, err := category.DefaultTable().WithOverrides(map[string]bool{"convert": true})
	require.NoError(t, err)
	f.reg.SetTable(tbl)

	require.NoError(t, f.d.Submit(WorkItem{Category: category.Convert, Name: "b", Body: newBody}))
	require.Equal(t, 1, f.d.Tick(context.Background()))
	require.True(t, f.reg.IsActive(category.Convert))

	releaseOld()
	require.Eventually(t, func() bool { return f.d.ActiveCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.reg.IsActive(category.Convert), "b still holds the marker")

	require.NoError(t, f.d.Submit(WorkItem{Category: category.Convert, Name: "c", Body: func(context.Context, *Handle) error { return nil }}))
	assert.Equal(t, 0, f.d.Tick(context.Background()))
	assert.Equal(t, 1, f.d.ActiveCount())

	releaseNew()
	require.Eventually(t, func() bool { return !f.reg.IsActive(category.Convert) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.d.Tick(context.Background()))
	f.drained(t)
}

func TestPoolBound(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 2})
	body, release := gate()
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, f.d.Submit(WorkItem{Category: category.Convert, Name: n, Body: body}))
	}
	assert.Equal(t, 2, f.d.Tick(context.Background()))
	assert.Equal(t, 1, f.d.Pending())

	release()
	f.drained(t)
	assert.Equal(t, 1, f.d.Tick(context.Background()))
	f.drained(t)
}

func TestPendingCoalesces(t *testing.T) {
	f := newFixture(t, Config{})
	noop := func(context.Context, *Handle) error { return nil }
	require.NoError(t, f.d.Submit(WorkItem{Category: category.Digest, Name: "daily", Body: noop}))
	require.NoError(t, f.d.Submit(WorkItem{Category: category.Digest, Name: "daily", Body: noop}))
	assert.Equal(t, 1, f.d.Pending())

	f.d.Tick(context.Background())
	f.drained(t)
}

func TestSweepTimesOut(t *testing.T) {
	f := newFixture(t, Config{CategoryTimeouts: map[category.Category]time.Duration{category.Archive: 10 * time.Second}})
	require.NoError(t, f.d.Submit(WorkItem{Category: category.Archive, Name: "monthly", Body: waitCtx}))
	require.Equal(t, 1, f.d.Tick(context.Background()))

	f.clk.Advance(9 * time.Second)
	assert.Equal(t, 0, f.d.Sweep())

	f.clk.Advance(time.Second)
	assert.Equal(t, 1, f.d.Sweep())
	assert.Equal(t, 0, f.d.ActiveCount())
	assert.False(t, f.reg.IsActive(category.Archive))
	assert.Equal(t, int64(1), f.st.TimeoutCount())
	assert.Equal(t, int64(10), f.st.MaxDuration())

	log := f.st.FailureLog(0)
	require.Len(t, log, 1)
	assert.True(t, strings.HasPrefix(log[0].Text, "timed out"))

	// the body saw the interrupt and returned; it is not counted twice
	f.drained(t)
	snap := f.d.Snapshot()
	assert.Equal(t, uint64(1), snap.TimedOut)
	assert.Equal(t, uint64(0), snap.Completed+snap.Failed)
	assert.Equal(t, int64(1), f.st.ThreadCount())
}

func TestZombieBody(t *testing.T) {
	f := newFixture(t, Config{DefaultTimeout: 3 * time.Second})
	body, release := gate()
	require.NoError(t, f.d.Submit(WorkItem{Category: category.Transfer, Body: body}))
	require.Equal(t, 1, f.d.Tick(context.Background()))

	f.clk.Advance(3 * time.Second)
	require.Equal(t, 1, f.d.Sweep())
	assert.Equal(t, 0, f.d.ActiveCount())
	assert.Equal(t, int64(1), f.d.Zombies(), "body ignores ctx and keeps running")

	release()
	require.Eventually(t, func() bool { return f.d.Zombies() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), f.d.Snapshot().Completed)
}

func TestManagementOverride(t *testing.T) {
	f := newFixture(t, Config{DefaultTimeout: time.Minute})
	f.st.SetMaxThreadRuntime(2)

	require.NoError(t, f.d.Submit(WorkItem{Category: category.Convert, Body: waitCtx}))
	require.Equal(t, 1, f.d.Tick(context.Background()))
	hs := f.d.Handles()
	require.Len(t, hs, 1)
	assert.Equal(t, int64(2), hs[0].TimeoutSeconds())

	f.clk.Advance(2 * time.Second)
	assert.Equal(t, 1, f.d.Sweep())
	f.drained(t)
}

func TestStopRequestBlocksNewWork(t *testing.T) {
	f := newFixture(t, Config{})
	body, release := gate()
	require.NoError(t, f.d.Submit(WorkItem{Category: category.Convert, Name: "a", Body: body}))
	require.NoError(t, f.d.Submit(WorkItem{Category: category.Convert, Name: "b", Body: body}))
	require.Equal(t, 2, f.d.Tick(context.Background()))

	assert.Equal(t, telemetry.StopDeferred, f.st.RequestStop())

	err := f.d.Submit(WorkItem{Category: category.Convert, Name: "c", Body: body})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 0, f.d.Tick(context.Background()))

	release()
	f.drained(t)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, Config{})
	assert.ErrorIs(t, f.d.Submit(WorkItem{Category: category.Alert}), ErrNilBody)
	err := f.d.Submit(WorkItem{Category: "bogus", Body: func(context.Context, *Handle) error { return nil }})
	assert.ErrorIs(t, err, category.ErrUnknownCategory)
}

func TestSourceIsPolled(t *testing.T) {
	polls := 0
	src := SourceFunc(func(context.Context) []WorkItem {
		polls++
		return []WorkItem{{Category: category.Cleanup, Body: func(context.Context, *Handle) error { return nil }}}
	})
	f := newFixture(t, Config{}, WithSource(src))

	assert.Equal(t, 1, f.d.Tick(context.Background()))
	f.drained(t)
	assert.Equal(t, 1, polls)
}

func TestLifecycleEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	f := newFixture(t, Config{}, WithBus(bus))
	require.NoError(t, f.d.Submit(WorkItem{Category: category.Alert, Name: "page", Body: func(context.Context, *Handle) error { return nil }}))
	f.d.Tick(context.Background())
	f.drained(t)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
			we, ok := ev.Data.(WorkEvent)
			require.True(t, ok)
			assert.Equal(t, "page", we.Name)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{EventStarted, EventCompleted}, types)
}

func TestApplyResizesPool(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 1})
	body, release := gate()
	require.NoError(t, f.d.Submit(WorkItem{Category: category.Convert, Name: "a", Body: body}))
	require.NoError(t, f.d.Submit(WorkItem{Category: category.Convert, Name: "b", Body: body}))
	assert.Equal(t, 1, f.d.Tick(context.Background()))

	f.d.Apply(Config{PoolSize: 3})
	assert.Equal(t, 1, f.d.Tick(context.Background()))
	assert.Equal(t, 3, f.d.Snapshot().PoolSize)

	release()
	f.drained(t)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{TickEvery: time.Hour, SweepEvery: time.Hour})
	assert.ErrorIs(t, f.d.Stop(context.Background()), ErrNotStarted)

	require.NoError(t, f.d.Start(context.Background()))
	assert.ErrorIs(t, f.d.Start(context.Background()), ErrAlreadyStarted)
	assert.True(t, f.d.Snapshot().Running)

	f.d.Apply(Config{TickEvery: 2 * time.Hour, SweepEvery: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.d.Stop(ctx))
	assert.False(t, f.d.Snapshot().Running)
}

func TestStopWaitsForDrain(t *testing.T) {
	f := newFixture(t, Config{TickEvery: time.Hour, SweepEvery: time.Hour})
	require.NoError(t, f.d.Start(context.Background()))
	body, release := gate()
	require.NoError(t, f.d.Submit(WorkItem{Category: category.Convert, Body: body}))
	require.Equal(t, 1, f.d.Tick(context.Background()))

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.d.Stop(short), context.DeadlineExceeded)

	release()
	f.drained(t)
}
