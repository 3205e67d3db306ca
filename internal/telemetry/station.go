// Package telemetry aggregates process-wide execution counters: durations,
// per-source counts, failure and interruption logs, connectivity state and
// the stop request flag.
//
// Every mutator is built on sync/atomic or sync.Map so that workers from
// unrelated categories never serialize on a shared lock when they report.
package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type ConnectionStatus int32

const (
	Online ConnectionStatus = iota
	Offline
)

func (s ConnectionStatus) String() string {
	if s == Offline {
		return "OFFLINE"
	}
	return "ONLINE"
}

type StopDecision int

const (
	StopImmediate StopDecision = iota
	StopDeferred
)

func (d StopDecision) String() string {
	if d == StopDeferred {
		return "deferred"
	}
	return "immediate"
}

// ActiveCounter reports the number of live executions. The station never
// stores that number itself.
type ActiveCounter interface {
	ActiveCount() int
}

const DefaultStopGrace = 3 * time.Second

type lastSample struct {
	value  int64
	at     time.Time
	thread string
}

type Station struct {
	now      func() time.Time
	window   time.Duration
	grace    time.Duration
	onExit   func()
	exitOnce sync.Once

	startedAt time.Time

	active atomic.Value // activeHolder

	minDuration atomic.Int64 // -1 until the first record
	maxDuration atomic.Int64
	last        atomic.Pointer[lastSample]
	threadCount atomic.Int64

	sourceCounts sync.Map // string -> *atomic.Int64
	wordCounts   sync.Map // string -> *atomic.Int64

	failures      eventLog
	interruptions eventLog
	openInterrupt atomic.Uint64

	timeouts atomic.Int64
	errors   atomic.Int64
	alerts   atomic.Int64

	connection       atomic.Int32
	stopRequested    atomic.Bool
	maxThreadRuntime atomic.Int64 // seconds, <= 0 means no override
}

type activeHolder struct{ c ActiveCounter }

type Option func(*Station)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Station) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDebounceWindow overrides DefaultDebounceWindow.
func WithDebounceWindow(d time.Duration) Option {
	return func(s *Station) { s.window = d }
}

// WithStopGrace sets the delay between an immediate stop decision and the exit callback.
func WithStopGrace(d time.Duration) Option {
	return func(s *Station) {
		if d >= 0 {
			s.grace = d
		}
	}
}

// WithExit installs the callback run after an immediate stop decision.
func WithExit(fn func()) Option {
	return func(s *Station) { s.onExit = fn }
}

func New(opts ...Option) *Station {
	s := &Station{
		now:    time.Now,
		window: DefaultDebounceWindow,
		grace:  DefaultStopGrace,
	}
	for _, o := range opts {
		o(s)
	}
	s.startedAt = s.now()
	s.minDuration.Store(-1)
	s.last.Store(&lastSample{})
	s.connection.Store(int32(Online))
	return s
}

// BindActive attaches the source of the active-thread count.
func (s *Station) BindActive(c ActiveCounter) {
	s.active.Store(activeHolder{c: c})
}

func (s *Station) ActiveThreads() int {
	h, _ := s.active.Load().(activeHolder)
	if h.c == nil {
		return 0
	}
	return h.c.ActiveCount()
}

func (s *Station) StartedAt() time.Time { return s.startedAt }

// ---- durations ----

// RecordDuration folds one finished execution into the aggregates.
// min/max always move; the last-duration gauge follows DebounceLast.
func (s *Station) RecordDuration(threadName string, seconds int64) {
	if seconds < 0 {
		seconds = 0
	}
	now := s.now()

	for {
		cur := s.minDuration.Load()
		if cur >= 0 && cur <= seconds {
			break
		}
		if s.minDuration.CompareAndSwap(cur, seconds) {
			break
		}
	}
	for {
		cur := s.maxDuration.Load()
		if cur >= seconds {
			break
		}
		if s.maxDuration.CompareAndSwap(cur, seconds) {
			break
		}
	}
	for {
		old := s.last.Load()
		v := DebounceLast(old.value, old.at, seconds, now, s.window)
		thread := old.thread
		if v == seconds {
			thread = threadName
		}
		if s.last.CompareAndSwap(old, &lastSample{value: v, at: now, thread: thread}) {
			break
		}
	}
	s.threadCount.Add(1)
}

// MinDuration returns 0 until something was recorded.
func (s *Station) MinDuration() int64 {
	if v := s.minDuration.Load(); v > 0 {
		return v
	}
	return 0
}

func (s *Station) MaxDuration() int64  { return s.maxDuration.Load() }
func (s *Station) LastDuration() int64 { return s.last.Load().value }
func (s *Station) ThreadCount() int64  { return s.threadCount.Load() }

func (s *Station) LastDurationTimestamp() time.Time { return s.last.Load().at }

// LastThreadName is the execution that currently owns the last-duration value.
func (s *Station) LastThreadName() string { return s.last.Load().thread }

// ---- counters ----

func addTo(m *sync.Map, key string, delta int64) int64 {
	v, _ := m.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64).Add(delta)
}

func readAll(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// IncrementSourceCount creates the entry at delta if absent, else adds delta.
func (s *Station) IncrementSourceCount(source string, delta int64) int64 {
	return addTo(&s.sourceCounts, source, delta)
}

func (s *Station) SourceCount(source string) int64 {
	v, ok := s.sourceCounts.Load(source)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func (s *Station) SourceCounts() map[string]int64 { return readAll(&s.sourceCounts) }

// IncrementWordCount has the same upsert semantics as IncrementSourceCount.
func (s *Station) IncrementWordCount(category string, delta int64) int64 {
	return addTo(&s.wordCounts, category, delta)
}

func (s *Station) WordCounts() map[string]int64 { return readAll(&s.wordCounts) }

func (s *Station) IncrementAlerts() int64 { return s.alerts.Add(1) }
func (s *Station) AlertCount() int64      { return s.alerts.Load() }

// ---- failure / interruption logs ----

func (s *Station) RecordFailure(description string) {
	s.failures.append(s.now(), description)
}

// RecordTimeout logs a failure tagged as a hung execution.
func (s *Station) RecordTimeout(description string) {
	s.timeouts.Add(1)
	s.RecordFailure("timed out: " + description)
}

// RecordError logs a failure tagged as a crashing execution.
func (s *Station) RecordError(description string) {
	s.errors.Add(1)
	s.RecordFailure("errored: " + description)
}

func (s *Station) TimeoutCount() int64 { return s.timeouts.Load() }
func (s *Station) ErrorCount() int64   { return s.errors.Load() }

func (s *Station) FailureLog(limit int) []LogEntry { return s.failures.entries(limit) }
func (s *Station) FailureCount() int               { return s.failures.len() }

const interruptionOpenText = "in progress"

// RecordInterruptionStart opens an interruption entry. It reports false when
// one is already open; the open entry keeps its original start time.
func (s *Station) RecordInterruptionStart() bool {
	seq := s.interruptions.append(s.now(), interruptionOpenText)
	if s.openInterrupt.CompareAndSwap(0, seq) {
		return true
	}
	s.interruptions.remove(seq)
	return false
}

// RecordInterruptionEnd closes the open interruption, replacing its text with
// the elapsed duration. Without an open interruption it does nothing.
func (s *Station) RecordInterruptionEnd() (time.Duration, bool) {
	seq := s.openInterrupt.Swap(0)
	if seq == 0 {
		return 0, false
	}
	e, ok := s.interruptions.get(seq)
	if !ok {
		return 0, false
	}
	elapsed := s.now().Sub(e.At)
	if elapsed < 0 {
		elapsed = 0
	}
	s.interruptions.replace(seq, fmt.Sprintf("lasted %s", elapsed.Round(time.Second)))
	return elapsed, true
}

func (s *Station) InterruptionOpen() bool { return s.openInterrupt.Load() != 0 }

func (s *Station) InterruptionLog(limit int) []LogEntry { return s.interruptions.entries(limit) }

// ---- connectivity ----

// SetConnectionStatus stores st and returns the previous value. Any transition is legal.
func (s *Station) SetConnectionStatus(st ConnectionStatus) ConnectionStatus {
	return ConnectionStatus(s.connection.Swap(int32(st)))
}

func (s *Station) ConnectionStatus() ConnectionStatus {
	return ConnectionStatus(s.connection.Load())
}

// ---- management ----

// SetMaxThreadRuntime overrides the default execution budget in seconds.
// Values <= 0 clear the override.
func (s *Station) SetMaxThreadRuntime(seconds int64) {
	if seconds < 0 {
		seconds = 0
	}
	s.maxThreadRuntime.Store(seconds)
}

func (s *Station) MaxThreadRuntime() int64 { return s.maxThreadRuntime.Load() }

func (s *Station) StopRequested() bool { return s.stopRequested.Load() }

// RequestStop marks the process as stopping. With executions still running
// the decision is deferred and the caller waits for them to drain; otherwise
// the exit callback is scheduled after the grace delay so in-flight reads
// (e.g. a monitor request) can complete.
func (s *Station) RequestStop() StopDecision {
	s.stopRequested.Store(true)
	if s.ActiveThreads() > 0 {
		return StopDeferred
	}
	s.scheduleExit()
	return StopImmediate
}

// ExitIfDrained completes a deferred stop once no executions remain. It
// reports whether the exit has been scheduled.
func (s *Station) ExitIfDrained() bool {
	if !s.StopRequested() || s.ActiveThreads() > 0 {
		return false
	}
	s.scheduleExit()
	return true
}

func (s *Station) scheduleExit() {
	if s.onExit == nil {
		return
	}
	s.exitOnce.Do(func() {
		if s.grace <= 0 {
			go s.onExit()
			return
		}
		time.AfterFunc(s.grace, s.onExit)
	})
}

// ---- snapshot ----

type Snapshot struct {
	StartedAt             time.Time        `json:"started_at"`
	ActiveThreads         int              `json:"active_threads"`
	MinDuration           int64            `json:"min_duration_s"`
	MaxDuration           int64            `json:"max_duration_s"`
	LastDuration          int64            `json:"last_duration_s"`
	LastDurationTimestamp time.Time        `json:"last_duration_at"`
	LastThreadName        string           `json:"last_thread,omitempty"`
	ThreadCount           int64            `json:"thread_count"`
	SourceCounts          map[string]int64 `json:"source_counts"`
	WordCounts            map[string]int64 `json:"word_counts"`
	Timeouts              int64            `json:"timeouts"`
	Errors                int64            `json:"errors"`
	Alerts                int64            `json:"alerts"`
	Failures              []LogEntry       `json:"failures"`
	Interruptions         []LogEntry       `json:"interruptions"`
	Connection            string           `json:"connection"`
	StopRequested         bool             `json:"stop_requested"`
	MaxThreadRuntime      int64            `json:"max_thread_runtime_s"`
}

// Snapshot copies every field; logLimit bounds the failure/interruption tails.
func (s *Station) Snapshot(logLimit int) Snapshot {
	return Snapshot{
		StartedAt:             s.startedAt,
		ActiveThreads:         s.ActiveThreads(),
		MinDuration:           s.MinDuration(),
		MaxDuration:           s.MaxDuration(),
		LastDuration:          s.LastDuration(),
		LastDurationTimestamp: s.LastDurationTimestamp(),
		LastThreadName:        s.LastThreadName(),
		ThreadCount:           s.ThreadCount(),
		SourceCounts:          s.SourceCounts(),
		WordCounts:            s.WordCounts(),
		Timeouts:              s.TimeoutCount(),
		Errors:                s.ErrorCount(),
		Alerts:                s.AlertCount(),
		Failures:              s.FailureLog(logLimit),
		Interruptions:         s.InterruptionLog(logLimit),
		Connection:            s.ConnectionStatus().String(),
		StopRequested:         s.StopRequested(),
		MaxThreadRuntime:      s.MaxThreadRuntime(),
	}
}

// SortedKeys is a small helper for stable rendering of count maps.
func SortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
