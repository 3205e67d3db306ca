package dispatch

import (
	"context"
	"time"

	"eventd/internal/category"
	"eventd/internal/exclusivity"
)

// Body is the executable part of a WorkItem. It receives the handle that
// tracks it so it can adjust its own budget or report word counts.
// A returned error is recorded as a failure.
type Body func(ctx context.Context, h *Handle) error

// WorkItem is one schedulable unit. Whether it is exclusive is decided by the
// dispatcher's category table, not by the item.
type WorkItem struct {
	Category category.Category
	Name     string
	Source   string
	Body     Body
}

func (w WorkItem) displayName() string {
	if w.Name != "" {
		return w.Name
	}
	return w.Category.String()
}

func (w WorkItem) key() string {
	return w.Category.String() + "/" + w.displayName()
}

// Source produces work on each tick. Poll must not block.
type Source interface {
	Poll(ctx context.Context) []WorkItem
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) []WorkItem

func (f SourceFunc) Poll(ctx context.Context) []WorkItem { return f(ctx) }

type Config struct {
	PoolSize   int
	TickEvery  time.Duration
	SweepEvery time.Duration

	// DefaultTimeout applies when neither a category timeout nor a
	// management override is set. 0 disables timeouts.
	DefaultTimeout   time.Duration
	CategoryTimeouts map[category.Category]time.Duration

	HistorySize int
	MaxPending  int
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.TickEvery <= 0 {
		c.TickEvery = 5 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1024
	}
	return c
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

type HistoryItem struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Category category.Category `json:"category"`
	Started  time.Time         `json:"started"`
	Duration time.Duration     `json:"duration"`
	Outcome  Outcome           `json:"outcome"`
	Error    string            `json:"error,omitempty"`
}

// WorkEvent is the payload of work.* events on the bus.
type WorkEvent struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Category category.Category `json:"category"`
	Source   string            `json:"source,omitempty"`
	Started  time.Time         `json:"started"`
	Duration time.Duration     `json:"duration"`
	Timeout  int64             `json:"timeout_s,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Error    string            `json:"error,omitempty"`
}

const (
	EventStarted   = "work.started"
	EventCompleted = "work.completed"
	EventFailed    = "work.failed"
	EventTimedOut  = "work.timedout"
	EventDeferred  = "work.deferred"
)

// ActiveView describes one running handle.
type ActiveView struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Category category.Category `json:"category"`
	Started  time.Time         `json:"started"`
	Elapsed  int64             `json:"elapsed_s"`
	Timeout  int64             `json:"timeout_s"`
}

type Snapshot struct {
	Running        bool                      `json:"running"`
	PoolSize       int                       `json:"pool_size"`
	TickEvery      time.Duration             `json:"tick_every"`
	SweepEvery     time.Duration             `json:"sweep_every"`
	DefaultTimeout time.Duration             `json:"default_timeout"`
	Active         []ActiveView              `json:"active"`
	Pending        int                       `json:"pending"`
	Zombies        int64                     `json:"zombies"`
	Started        uint64                    `json:"started"`
	Completed      uint64                    `json:"completed"`
	Failed         uint64                    `json:"failed"`
	TimedOut       uint64                    `json:"timed_out"`
	Deferred       uint64                    `json:"deferred"`
	Dropped        uint64                    `json:"dropped"`
	Locks          []exclusivity.ActiveEntry `json:"locks"`
	History        []HistoryItem             `json:"history"`
}
