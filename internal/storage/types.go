// Package storage persists journal records: work failures, timeouts,
// connectivity interruptions and status transitions.
//
// Drivers:
//   - "sqlite": SQLite database file (default)
//   - "file": append-only JSON Lines file
//
// If Driver is empty or "none", storage is disabled.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

type Kind string

const (
	KindFailure      Kind = "failure"
	KindTimeout      Kind = "timeout"
	KindInterruption Kind = "interruption"
	KindConnectivity Kind = "connectivity"
)

// Record is one journal line. Keep it compact and schema-stable.
type Record struct {
	ID         int64     `json:"id,omitempty"`
	At         time.Time `json:"at"`
	Kind       Kind      `json:"kind"`
	Category   string    `json:"category,omitempty"`
	Name       string    `json:"name,omitempty"`
	Source     string    `json:"source,omitempty"`
	Text       string    `json:"text"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// Query filters List. Zero values match everything; Limit <= 0 means 100.
type Query struct {
	Kind  Kind
	Since time.Time
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}

func (q Query) match(r Record) bool {
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	if !q.Since.IsZero() && r.At.Before(q.Since) {
		return false
	}
	return true
}

// Store is the journal persistence API. List returns newest first.
type Store interface {
	Append(ctx context.Context, r Record) error
	List(ctx context.Context, q Query) ([]Record, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
