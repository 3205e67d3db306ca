// Package notify turns timeouts, failures and connectivity transitions into
// operator alerts (Telegram, Sentry), rate limited, and counts every alert
// raised on the telemetry station.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"eventd/internal/dispatch"
	"eventd/internal/eventbus"
	"eventd/internal/probe"
	"eventd/internal/telemetry"
	logx "eventd/pkg/logx"
)

const deliverTimeout = 10 * time.Second

type Kind string

const (
	KindTimeout      Kind = "timeout"
	KindFailure      Kind = "failure"
	KindConnectivity Kind = "connectivity"
)

type Alert struct {
	Kind  Kind
	At    time.Time
	Title string
	Text  string
	Tags  map[string]string
}

func (a Alert) String() string {
	if a.Text == "" {
		return a.Title
	}
	return a.Title + "\n" + a.Text
}

// Sink delivers alerts to one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, a Alert) error
}

type Config struct {
	OnTimeout      bool
	OnFailure      bool
	OnConnectivity bool
	PerMinute      int
	Burst          int
}

func (c Config) wants(k Kind) bool {
	switch k {
	case KindTimeout:
		return c.OnTimeout
	case KindFailure:
		return c.OnFailure
	case KindConnectivity:
		return c.OnConnectivity
	}
	return false
}

func (c Config) limiter() *rate.Limiter {
	per, burst := c.PerMinute, c.Burst
	if per <= 0 {
		per = 6
	}
	if burst <= 0 {
		burst = 3
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(per)), burst)
}

type Stats struct {
	Raised    uint64 `json:"raised"`
	Delivered uint64 `json:"delivered"`
	Limited   uint64 `json:"limited"`
	Failed    uint64 `json:"failed"`
}

type Notifier struct {
	sinks []Sink
	st    *telemetry.Station
	log   logx.Logger

	cfg     atomic.Pointer[Config]
	limiter atomic.Pointer[rate.Limiter]

	raised, delivered, limited, failed atomic.Uint64
}

func New(cfg Config, st *telemetry.Station, log logx.Logger, sinks ...Sink) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{sinks: sinks, st: st, log: log}
	n.Apply(cfg)
	return n
}

// Apply swaps the filter and rate limit; the token bucket restarts full.
func (n *Notifier) Apply(cfg Config) {
	n.cfg.Store(&cfg)
	n.limiter.Store(cfg.limiter())
}

// FromEvent builds the alert for a bus event. ok is false for events that
// never alert.
func FromEvent(ev eventbus.Event) (a Alert, ok bool) {
	switch data := ev.Data.(type) {
	case dispatch.WorkEvent:
		tags := map[string]string{"category": data.Category.String(), "work": data.Name}
		switch ev.Type {
		case dispatch.EventTimedOut:
			return Alert{
				Kind:  KindTimeout,
				At:    ev.Time,
				Title: fmt.Sprintf("%s timed out", data.Name),
				Text:  fmt.Sprintf("category %s, budget %ds, ran %s", data.Category, data.Timeout, data.Duration.Round(time.Second)),
				Tags:  tags,
			}, true
		case dispatch.EventFailed:
			return Alert{
				Kind:  KindFailure,
				At:    ev.Time,
				Title: fmt.Sprintf("%s failed", data.Name),
				Text:  data.Error,
				Tags:  tags,
			}, true
		}
	case probe.Event:
		tags := map[string]string{"target": data.Target, "status": data.Status}
		switch ev.Type {
		case probe.EventOffline:
			return Alert{Kind: KindConnectivity, At: ev.Time, Title: data.Target + " OFFLINE", Text: data.Error, Tags: tags}, true
		case probe.EventOnline:
			return Alert{
				Kind:  KindConnectivity,
				At:    ev.Time,
				Title: data.Target + " ONLINE",
				Text:  fmt.Sprintf("interruption lasted %s", data.Interruption.Round(time.Second)),
				Tags:  tags,
			}, true
		}
	}
	return Alert{}, false
}

// Raise filters, rate limits and delivers a. It reports whether the alert was
// raised (counted), regardless of sink errors.
func (n *Notifier) Raise(ctx context.Context, a Alert) bool {
	if !n.cfg.Load().wants(a.Kind) {
		return false
	}
	if !n.limiter.Load().Allow() {
		n.limited.Add(1)
		n.log.Debug("alert rate limited", logx.String("kind", string(a.Kind)), logx.String("title", a.Title))
		return false
	}
	n.raised.Add(1)
	if n.st != nil {
		n.st.IncrementAlerts()
	}
	n.log.Warn("alert", logx.String("kind", string(a.Kind)), logx.String("title", a.Title), logx.String("text", a.Text))

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
	defer cancel()
	var errs []error
	for _, s := range n.sinks {
		if err := s.Deliver(dctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		n.failed.Add(1)
		n.log.Error("alert delivery failed", logx.String("kind", string(a.Kind)), logx.Err(err))
	} else if len(n.sinks) > 0 {
		n.delivered.Add(1)
	}
	return true
}

// Run consumes bus events until ctx ends.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64, dispatch.EventFailed, dispatch.EventTimedOut, "probe.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if a, ok := FromEvent(ev); ok {
				n.Raise(ctx, a)
			}
		}
	}
}

func (n *Notifier) Stats() Stats {
	return Stats{
		Raised:    n.raised.Load(),
		Delivered: n.delivered.Load(),
		Limited:   n.limited.Load(),
		Failed:    n.failed.Load(),
	}
}
