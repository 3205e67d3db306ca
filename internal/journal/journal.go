// Package journal persists failure, timeout and connectivity events from the
// bus so they survive restarts, and prunes them on the cleanup schedule.
package journal

import (
	"context"
	"fmt"
	"time"

	"eventd/internal/category"
	"eventd/internal/dispatch"
	"eventd/internal/eventbus"
	"eventd/internal/probe"
	"eventd/internal/source"
	"eventd/internal/storage"
	logx "eventd/pkg/logx"
)

// PruneJobName is the periodic cleanup job registered by the app.
const PruneJobName = "journal-prune"

const writeTimeout = 5 * time.Second

type Journal struct {
	store     storage.Store
	log       logx.Logger
	retention time.Duration
	now       func() time.Time
}

type Option func(*Journal)

func WithLogger(log logx.Logger) Option     { return func(j *Journal) { j.log = log } }
func WithClock(now func() time.Time) Option { return func(j *Journal) { j.now = now } }

func New(store storage.Store, retention time.Duration, opts ...Option) *Journal {
	j := &Journal{store: store, retention: retention, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Record maps a bus event to a journal record. ok is false for events the
// journal ignores.
func Record(ev eventbus.Event) (rec storage.Record, ok bool) {
	switch data := ev.Data.(type) {
	case dispatch.WorkEvent:
		rec = storage.Record{
			At:         ev.Time,
			Category:   data.Category.String(),
			Name:       data.Name,
			Source:     data.Source,
			DurationMS: data.Duration.Milliseconds(),
		}
		switch ev.Type {
		case dispatch.EventFailed:
			rec.Kind = storage.KindFailure
			rec.Text = "errored: " + data.Error
		case dispatch.EventTimedOut:
			rec.Kind = storage.KindTimeout
			rec.Text = fmt.Sprintf("timed out: budget %ds", data.Timeout)
		default:
			return storage.Record{}, false
		}
		return rec, true
	case probe.Event:
		rec = storage.Record{At: ev.Time, Source: data.Target}
		switch ev.Type {
		case probe.EventOffline:
			rec.Kind = storage.KindConnectivity
			rec.Text = data.Status + ": " + data.Error
		case probe.EventOnline:
			rec.Kind = storage.KindInterruption
			rec.Text = fmt.Sprintf("lasted %s", data.Interruption.Round(time.Second))
			rec.DurationMS = data.Interruption.Milliseconds()
		default:
			return storage.Record{}, false
		}
		return rec, true
	}
	return storage.Record{}, false
}

// Run consumes bus events until ctx ends. Write errors are logged and the
// event is dropped.
func (j *Journal) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256, dispatch.EventFailed, dispatch.EventTimedOut, "probe.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			j.write(ctx, ev)
		}
	}
}

func (j *Journal) write(ctx context.Context, ev eventbus.Event) {
	rec, ok := Record(ev)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := j.store.Append(wctx, rec); err != nil {
		j.log.Warn("journal append failed", logx.String("kind", string(rec.Kind)), logx.Err(err))
	}
}

// Recent lists the newest records, newest first.
func (j *Journal) Recent(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	return j.store.List(ctx, q)
}

// Prune drops records older than the retention window.
func (j *Journal) Prune(ctx context.Context) (int64, error) {
	if j.retention <= 0 {
		return 0, nil
	}
	n, err := j.store.Prune(ctx, j.now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.log.Info("journal pruned", logx.Int64("removed", n), logx.Duration("retention", j.retention))
	}
	return n, nil
}

// Job runs Prune as cleanup work under the dispatcher.
func (j *Journal) Job(every time.Duration) source.Job {
	return source.Job{
		Name:     PruneJobName,
		Category: category.Cleanup,
		Every:    every,
		Body: func(ctx context.Context, h *dispatch.Handle) error {
			n, err := j.Prune(ctx)
			if h != nil {
				h.AddWords(n)
			}
			return err
		},
	}
}
