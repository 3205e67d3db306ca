// Package exclusivity is the lock table that keeps exclusive categories from
// running twice at the same time inside one process.
//
// It is not a queue: a failed TryAcquire is expected to be retried by the
// caller on its next tick.
package exclusivity

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"eventd/internal/category"
)

type marker struct {
	since time.Time
}

type Registry struct {
	table  atomic.Pointer[category.Table]
	active sync.Map // category.Category -> marker
}

func New(tbl category.Table) *Registry {
	r := &Registry{}
	r.table.Store(&tbl)
	return r
}

// SetTable swaps the exclusivity table. Markers already held stay until released.
func (r *Registry) SetTable(tbl category.Table) {
	r.table.Store(&tbl)
}

func (r *Registry) Table() category.Table {
	if t := r.table.Load(); t != nil {
		return *t
	}
	return category.Table{}
}

// Exclusive reports whether c is serialized under the current table.
func (r *Registry) Exclusive(c category.Category) bool {
	return r.Table().Exclusive(c)
}

// TryAcquire inserts c if absent and reports whether the caller may run.
// Non-exclusive categories always succeed without touching the table.
func (r *Registry) TryAcquire(c category.Category) bool {
	ok, _ := r.Acquire(c)
	return ok
}

// Acquire is TryAcquire that also reports whether a marker was inserted.
// Only a caller with held == true may Release c; the table can change
// between acquire and release.
func (r *Registry) Acquire(c category.Category) (ok, held bool) {
	if !r.Exclusive(c) {
		return true, false
	}
	_, loaded := r.active.LoadOrStore(c, marker{since: time.Now()})
	return !loaded, !loaded
}

// Release removes the marker for c. Releasing an absent category is a no-op.
func (r *Registry) Release(c category.Category) {
	r.active.Delete(c)
}

// IsActive is a point-in-time check for reporting only. Never use it to
// decide whether to run something; use TryAcquire.
func (r *Registry) IsActive(c category.Category) bool {
	_, ok := r.active.Load(c)
	return ok
}

// ActiveEntry describes a held marker.
type ActiveEntry struct {
	Category category.Category `json:"category"`
	Since    time.Time         `json:"since"`
}

// Active lists held markers sorted by category.
func (r *Registry) Active() []ActiveEntry {
	out := make([]ActiveEntry, 0, 4)
	r.active.Range(func(k, v any) bool {
		c, _ := k.(category.Category)
		m, _ := v.(marker)
		out = append(out, ActiveEntry{Category: c, Since: m.since})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}
