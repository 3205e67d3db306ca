package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"eventd/internal/category"
)

// Handle tracks one execution of a WorkItem: its goroutine, start time and
// budget.
//
// Interrupt is cooperative. It cancels the context handed to the body; a body
// that never looks at ctx.Done() keeps running until it returns on its own.
type Handle struct {
	id   string
	item WorkItem
	now  func() time.Time

	started   atomic.Bool
	startNano atomic.Int64
	timeout   atomic.Int64 // seconds, <= 0 means unlimited
	words     atomic.Int64

	cancel atomic.Pointer[context.CancelFunc]
	done   chan struct{}
	err    error // written before done is closed

	// set by the dispatcher
	sem      *semaphore.Weighted
	marker   bool // holds the category marker
	onStart  func(*Handle)
	onReturn func(*Handle)
	finished atomic.Bool
}

// NewHandle wraps item. timeoutSeconds <= 0 disables the timeout; now may be
// nil to use time.Now.
func NewHandle(item WorkItem, timeoutSeconds int64, now func() time.Time) *Handle {
	if now == nil {
		now = time.Now
	}
	h := &Handle{
		id:   uuid.NewString(),
		item: item,
		now:  now,
		done: make(chan struct{}),
	}
	h.timeout.Store(timeoutSeconds)
	return h
}

func (h *Handle) ID() string                  { return h.id }
func (h *Handle) Name() string                { return h.item.displayName() }
func (h *Handle) Category() category.Category { return h.item.Category }
func (h *Handle) Source() string              { return h.item.Source }

// Start records the start time and then launches the body on its own
// goroutine. A handle can be started once.
func (h *Handle) Start(ctx context.Context) error {
	if h.item.Body == nil {
		return ErrNilBody
	}
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel.Store(&cancel)
	h.startNano.Store(h.now().UnixNano())
	if h.onStart != nil {
		h.onStart(h)
	}

	go h.run(runCtx)
	return nil
}

func (h *Handle) run(ctx context.Context) {
	defer func() {
		h.Interrupt()
		close(h.done)
		if h.onReturn != nil {
			h.onReturn(h)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			h.err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	h.err = h.item.Body(ctx, h)
}

func (h *Handle) Started() bool { return h.started.Load() }

func (h *Handle) StartTime() time.Time {
	n := h.startNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SetTimeoutSeconds changes the budget of this execution. The body may call
// it on its own handle.
func (h *Handle) SetTimeoutSeconds(n int64) { h.timeout.Store(n) }

func (h *Handle) TimeoutSeconds() int64 { return h.timeout.Load() }

func (h *Handle) elapsed() time.Duration {
	n := h.startNano.Load()
	if n == 0 {
		return 0
	}
	d := h.now().Sub(time.Unix(0, n))
	if d < 0 {
		return 0
	}
	return d
}

// DurationSeconds is the elapsed time since Start, truncated to seconds.
func (h *Handle) DurationSeconds() int64 {
	return int64(h.elapsed() / time.Second)
}

// HasTimedOut is evaluated on demand; there is no timer per handle.
// Reaching the budget exactly counts as timed out.
func (h *Handle) HasTimedOut() bool {
	t := h.timeout.Load()
	if t <= 0 || !h.started.Load() {
		return false
	}
	return h.elapsed() >= time.Duration(t)*time.Second
}

// Interrupt asks the body to stop by cancelling its context.
func (h *Handle) Interrupt() {
	if c := h.cancel.Load(); c != nil {
		(*c)()
	}
}

// Done is closed when the body goroutine has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the body's result. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// AddWords reports processed words for the per-category word counters.
func (h *Handle) AddWords(n int64) {
	if n > 0 {
		h.words.Add(n)
	}
}

func (h *Handle) Words() int64 { return h.words.Load() }

// PanicError is what a panicking body is turned into.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
