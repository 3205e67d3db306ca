// Package dispatch runs WorkItems on a bounded pool of goroutines.
//
// Each accepted item moves through
//
//	PENDING -> ACQUIRING-LOCK -> RUNNING -> COMPLETED | FAILED | TIMED-OUT
//
// Tick pulls new work and starts what the pool and the exclusivity registry
// allow; anything refused stays pending for the next tick. Sweep runs on its
// own clock and times out handles that overran their budget.
//
// Timeouts are cooperative: a timed-out handle loses its pool slot and its
// exclusivity marker immediately, but its body keeps running until it
// observes ctx.Done() or returns. Such bodies are counted as zombies.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"eventd/internal/category"
	"eventd/internal/eventbus"
	"eventd/internal/exclusivity"
	"eventd/internal/telemetry"
	logx "eventd/pkg/logx"
)

type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	noisy logx.Logger // sampled, for per-tick chatter
	bus   eventbus.Bus
	reg   *exclusivity.Registry
	st    *telemetry.Station
	src   Source
	now   func() time.Time

	pool atomic.Pointer[semaphore.Weighted]

	active  sync.Map // id -> *Handle
	activeN atomic.Int64
	zombies sync.Map // id -> *Handle
	zombieN atomic.Int64
	wg      sync.WaitGroup

	pmu     sync.Mutex
	pending []WorkItem

	hmu     sync.Mutex
	history []HistoryItem

	started   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	deferred  atomic.Uint64
	dropped   atomic.Uint64

	// set while running
	c       *cron.Cron
	tickID  cron.EntryID
	sweepID cron.EntryID
	runCtx  context.Context
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(d *Dispatcher) { d.bus = bus } }
func WithSource(src Source) Option      { return func(d *Dispatcher) { d.src = src } }

// WithClock replaces time.Now for handles and history, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New builds a dispatcher and binds it to st as the active-thread counter.
func New(cfg Config, reg *exclusivity.Registry, st *telemetry.Station, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg: cfg,
		log: logx.Nop(),
		reg: reg,
		st:  st,
		now: time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	if d.reg == nil {
		d.reg = exclusivity.New(category.DefaultTable())
	}
	if d.st == nil {
		d.st = telemetry.New()
	}
	d.noisy = d.log.Sampled(logx.NewSampler(10*time.Second, 5))
	d.pool.Store(semaphore.NewWeighted(int64(cfg.PoolSize)))
	d.st.BindActive(d)
	return d
}

// ActiveCount is the number of live handles. Zombies are not included.
func (d *Dispatcher) ActiveCount() int { return int(d.activeN.Load()) }

func (d *Dispatcher) Zombies() int64 { return d.zombieN.Load() }

func (d *Dispatcher) Registry() *exclusivity.Registry { return d.reg }
func (d *Dispatcher) Station() *telemetry.Station     { return d.st }

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Start schedules Tick and Sweep on their own cron clocks. Handles started
// afterwards inherit ctx.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c != nil {
		return ErrAlreadyStarted
	}

	cl := logx.CronAdapter{Log: d.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	d.runCtx = ctx
	d.tickID = c.Schedule(cron.Every(d.cfg.TickEvery), cron.FuncJob(func() { d.Tick(ctx) }))
	d.sweepID = c.Schedule(cron.Every(d.cfg.SweepEvery), cron.FuncJob(func() { d.Sweep() }))
	c.Start()
	d.c = c

	d.log.Info("dispatcher started",
		logx.Int("pool", d.cfg.PoolSize),
		logx.Duration("tick", d.cfg.TickEvery),
		logx.Duration("sweep", d.cfg.SweepEvery),
		logx.Duration("default_timeout", d.cfg.DefaultTimeout),
	)
	return nil
}

// Stop halts both clocks and waits for running bodies, zombies included, to
// return. Nothing is interrupted; if ctx ends first its error is returned
// and the bodies are left running.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	c := d.c
	if c == nil {
		d.mu.Unlock()
		return ErrNotStarted
	}
	d.c = nil
	d.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		d.log.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.log.Warn("dispatcher stop timed out",
			logx.Int("active", d.ActiveCount()),
			logx.Int64("zombies", d.Zombies()),
			logx.Err(ctx.Err()),
		)
		return ctx.Err()
	}
}

// Apply swaps the live configuration. A new pool size takes effect for
// handles started afterwards; running handles release into the pool they
// came from. Clock cadence changes reschedule the cron entries.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	prev := d.cfg
	d.cfg = cfg
	c := d.c
	ctx := d.runCtx
	if c != nil && prev.TickEvery != cfg.TickEvery {
		c.Remove(d.tickID)
		d.tickID = c.Schedule(cron.Every(cfg.TickEvery), cron.FuncJob(func() { d.Tick(ctx) }))
	}
	if c != nil && prev.SweepEvery != cfg.SweepEvery {
		c.Remove(d.sweepID)
		d.sweepID = c.Schedule(cron.Every(cfg.SweepEvery), cron.FuncJob(func() { d.Sweep() }))
	}
	d.mu.Unlock()

	if prev.PoolSize != cfg.PoolSize {
		d.pool.Store(semaphore.NewWeighted(int64(cfg.PoolSize)))
	}
	d.log.Info("dispatcher reconfigured",
		logx.Int("pool", cfg.PoolSize),
		logx.Duration("default_timeout", cfg.DefaultTimeout),
	)
}

// Submit queues an item for the next tick.
func (d *Dispatcher) Submit(item WorkItem) error {
	if item.Body == nil {
		return ErrNilBody
	}
	if !item.Category.Valid() {
		return fmt.Errorf("submit %q: %w", item.Category, category.ErrUnknownCategory)
	}
	if d.st.StopRequested() {
		return ErrStopped
	}
	d.pmu.Lock()
	defer d.pmu.Unlock()
	d.pending = d.addPending(d.pending, item)
	return nil
}

// addPending coalesces items with the same category and name and bounds the
// queue by dropping the oldest entries. Caller holds pmu.
func (d *Dispatcher) addPending(list []WorkItem, item WorkItem) []WorkItem {
	k := item.key()
	for _, p := range list {
		if p.key() == k {
			return list
		}
	}
	list = append(list, item)
	if limit := d.config().MaxPending; len(list) > limit {
		n := len(list) - limit
		d.dropped.Add(uint64(n))
		d.noisy.Warn("pending work dropped", logx.Int("count", n), logx.Int("limit", limit))
		list = list[n:]
	}
	return list
}

// Tick starts every pending or newly polled item the pool and the
// registry accept and returns how many were started. After a stop
// request it starts nothing and leaves the pending list as is.
func (d *Dispatcher) Tick(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.st.StopRequested() {
		return 0
	}

	d.pmu.Lock()
	candidates := d.pending
	d.pending = nil
	d.pmu.Unlock()

	if d.src != nil {
		candidates = append(candidates, d.src.Poll(ctx)...)
	}

	runCtx := ctx
	d.mu.Lock()
	if d.runCtx != nil {
		runCtx = d.runCtx
	}
	d.mu.Unlock()

	started := 0
	var retry []WorkItem
	for _, it := range candidates {
		ok, err := d.launch(runCtx, it)
		switch {
		case err != nil:
			d.dropped.Add(1)
			d.log.Warn("work item rejected", logx.String("name", it.displayName()), logx.Err(err))
		case ok:
			started++
		default:
			retry = append(retry, it)
		}
	}

	if len(retry) > 0 {
		d.pmu.Lock()
		list := d.pending
		for _, it := range retry {
			list = d.addPending(list, it)
		}
		d.pending = list
		d.pmu.Unlock()
	}
	return started
}

// launch is ACQUIRING-LOCK -> RUNNING. It reports false, nil when the item
// must wait for a later tick.
func (d *Dispatcher) launch(ctx context.Context, it WorkItem) (bool, error) {
	if it.Body == nil {
		return false, ErrNilBody
	}
	if !it.Category.Valid() {
		return false, fmt.Errorf("launch %q: %w", it.Category, category.ErrUnknownCategory)
	}

	pool := d.pool.Load()
	if !pool.TryAcquire(1) {
		d.deferItem(it, "pool_full")
		return false, nil
	}
	ok, held := d.reg.Acquire(it.Category)
	if !ok {
		pool.Release(1)
		d.deferItem(it, "category_busy")
		return false, nil
	}

	h := NewHandle(it, d.timeoutFor(it.Category), d.now)
	h.sem = pool
	h.marker = held
	h.onStart = func(h *Handle) { d.publish(EventStarted, h, "", nil) }
	h.onReturn = d.onReturn

	d.active.Store(h.id, h)
	d.activeN.Add(1)
	d.wg.Add(1)
	if err := h.Start(ctx); err != nil {
		d.wg.Done()
		d.active.Delete(h.id)
		d.activeN.Add(-1)
		if held {
			d.reg.Release(it.Category)
		}
		pool.Release(1)
		return false, err
	}
	d.started.Add(1)

	d.log.Debug("work started",
		logx.String("id", h.id),
		logx.String("name", h.Name()),
		logx.String("category", it.Category.String()),
		logx.Int64("timeout_s", h.TimeoutSeconds()),
	)
	return true, nil
}

func (d *Dispatcher) deferItem(it WorkItem, reason string) {
	d.deferred.Add(1)
	d.noisy.Debug("work deferred", logx.String("name", it.displayName()), logx.String("reason", reason))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: EventDeferred, Time: d.now(), Data: WorkEvent{
			Name:     it.displayName(),
			Category: it.Category,
			Source:   it.Source,
			Reason:   reason,
		}})
	}
}

// timeoutFor resolves the initial budget: category timeout, then the
// management override, then the default.
func (d *Dispatcher) timeoutFor(c category.Category) int64 {
	cfg := d.config()
	if t, ok := cfg.CategoryTimeouts[c]; ok && t > 0 {
		return ceilSeconds(t)
	}
	if o := d.st.MaxThreadRuntime(); o > 0 {
		return o
	}
	return ceilSeconds(cfg.DefaultTimeout)
}

func ceilSeconds(t time.Duration) int64 {
	if t <= 0 {
		return 0
	}
	s := int64(t / time.Second)
	if t%time.Second != 0 {
		s++
	}
	return s
}

// onReturn runs on the body goroutine after the body returned.
func (d *Dispatcher) onReturn(h *Handle) {
	defer d.wg.Done()
	err := h.Err()
	outcome := OutcomeCompleted
	if err != nil {
		outcome = OutcomeFailed
	}
	if d.finish(h, outcome, err) {
		return
	}
	// Already accounted as timed out.
	if _, ok := d.zombies.LoadAndDelete(h.id); ok {
		d.zombieN.Add(-1)
		d.log.Info("timed out work returned",
			logx.String("id", h.id),
			logx.String("name", h.Name()),
			logx.Int64("elapsed_s", h.DurationSeconds()),
		)
	}
}

// Sweep interrupts every handle that has run past its budget and returns
// how many it timed out.
func (d *Dispatcher) Sweep() int {
	n := 0
	d.active.Range(func(_, v any) bool {
		h, ok := v.(*Handle)
		if !ok || !h.HasTimedOut() {
			return true
		}
		if !d.finish(h, OutcomeTimedOut, nil) {
			return true
		}
		n++
		h.Interrupt()
		if _, loaded := d.zombies.LoadOrStore(h.id, h); !loaded {
			d.zombieN.Add(1)
		}
		// The body may have returned between finish and the store above.
		select {
		case <-h.Done():
			if _, ok := d.zombies.LoadAndDelete(h.id); ok {
				d.zombieN.Add(-1)
			}
		default:
		}
		return true
	})
	return n
}

// finish releases everything h holds and records its outcome. It runs at
// most once per handle and reports whether this call did the work.
func (d *Dispatcher) finish(h *Handle, outcome Outcome, err error) bool {
	if !h.finished.CompareAndSwap(false, true) {
		return false
	}
	d.active.Delete(h.id)
	d.activeN.Add(-1)
	if h.marker {
		d.reg.Release(h.Category())
	}
	if h.sem != nil {
		h.sem.Release(1)
	}

	secs := h.DurationSeconds()
	d.st.RecordDuration(h.Name(), secs)
	if src := h.Source(); src != "" {
		d.st.IncrementSourceCount(src, 1)
	}
	if w := h.Words(); w > 0 {
		d.st.IncrementWordCount(h.Category().String(), w)
	}

	label := fmt.Sprintf("%s [%s] id=%s", h.Name(), h.Category(), h.id)
	fields := []logx.Field{
		logx.String("id", h.id),
		logx.String("name", h.Name()),
		logx.String("category", h.Category().String()),
		logx.Int64("duration_s", secs),
	}

	switch outcome {
	case OutcomeCompleted:
		d.completed.Add(1)
		d.log.Debug("work completed", fields...)
		d.publish(EventCompleted, h, "", nil)
	case OutcomeFailed:
		d.failed.Add(1)
		d.st.RecordError(fmt.Sprintf("%s: %v", label, err))
		var pe *PanicError
		if errors.As(err, &pe) {
			fields = append(fields, logx.Stack(pe.Stack))
		}
		d.log.Warn("work failed", append(fields, logx.Err(err))...)
		d.publish(EventFailed, h, "", err)
	case OutcomeTimedOut:
		d.timedOut.Add(1)
		d.st.RecordTimeout(fmt.Sprintf("%s after %ds (budget %ds)", label, secs, h.TimeoutSeconds()))
		d.log.Warn("work timed out", append(fields, logx.Int64("timeout_s", h.TimeoutSeconds()))...)
		d.publish(EventTimedOut, h, "timeout", nil)
	}

	item := HistoryItem{
		ID:       h.id,
		Name:     h.Name(),
		Category: h.Category(),
		Started:  h.StartTime(),
		Duration: d.now().Sub(h.StartTime()),
		Outcome:  outcome,
	}
	if err != nil {
		item.Error = err.Error()
	}
	d.appendHistory(item)
	return true
}

func (d *Dispatcher) publish(typ string, h *Handle, reason string, err error) {
	if d.bus == nil {
		return
	}
	ev := WorkEvent{
		ID:       h.id,
		Name:     h.Name(),
		Category: h.Category(),
		Source:   h.Source(),
		Started:  h.StartTime(),
		Timeout:  h.TimeoutSeconds(),
		Reason:   reason,
	}
	if typ != EventStarted {
		ev.Duration = d.now().Sub(h.StartTime())
	}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: ev})
}

func (d *Dispatcher) appendHistory(item HistoryItem) {
	size := d.config().HistorySize
	d.hmu.Lock()
	d.history = append(d.history, item)
	if len(d.history) > size {
		d.history = d.history[len(d.history)-size:]
	}
	d.hmu.Unlock()
}

// Pending is the number of items waiting for a later tick.
func (d *Dispatcher) Pending() int {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	return len(d.pending)
}

// Handles lists running handles.
func (d *Dispatcher) Handles() []*Handle {
	var out []*Handle
	d.active.Range(func(_, v any) bool {
		if h, ok := v.(*Handle); ok {
			out = append(out, h)
		}
		return true
	})
	return out
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	cfg := d.cfg
	running := d.c != nil
	d.mu.Unlock()

	var active []ActiveView
	for _, h := range d.Handles() {
		active = append(active, ActiveView{
			ID:       h.id,
			Name:     h.Name(),
			Category: h.Category(),
			Started:  h.StartTime(),
			Elapsed:  h.DurationSeconds(),
			Timeout:  h.TimeoutSeconds(),
		})
	}

	d.hmu.Lock()
	hist := make([]HistoryItem, len(d.history))
	copy(hist, d.history)
	d.hmu.Unlock()

	return Snapshot{
		Running:        running,
		PoolSize:       cfg.PoolSize,
		TickEvery:      cfg.TickEvery,
		SweepEvery:     cfg.SweepEvery,
		DefaultTimeout: cfg.DefaultTimeout,
		Active:         active,
		Pending:        d.Pending(),
		Zombies:        d.Zombies(),
		Started:        d.started.Load(),
		Completed:      d.completed.Load(),
		Failed:         d.failed.Load(),
		TimedOut:       d.timedOut.Load(),
		Deferred:       d.deferred.Load(),
		Dropped:        d.dropped.Load(),
		Locks:          d.reg.Active(),
		History:        hist,
	}
}
