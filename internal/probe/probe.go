// Package probe checks reachability of the profile database and drives the
// station's connection status and interruption log.
package probe

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"eventd/internal/category"
	"eventd/internal/dispatch"
	"eventd/internal/eventbus"
	"eventd/internal/source"
	"eventd/internal/telemetry"
	logx "eventd/pkg/logx"
)

const (
	EventOffline = "probe.offline"
	EventOnline  = "probe.online"

	// JobName is the periodic job the app registers for the probe.
	JobName = "connectivity"
)

// Event is the payload of probe.* events.
type Event struct {
	Target       string        `json:"target"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	Interruption time.Duration `json:"interruption,omitempty"`
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Postgres opens a short-lived connection per check.
type Postgres struct {
	URL string
}

func (p Postgres) Ping(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.URL)
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))
	return conn.Ping(ctx)
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Prober struct {
	pinger  Pinger
	target  string
	timeout time.Duration
	st      *telemetry.Station
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Prober)

func WithBus(bus eventbus.Bus) Option       { return func(p *Prober) { p.bus = bus } }
func WithLogger(log logx.Logger) Option     { return func(p *Prober) { p.log = log } }
func WithTimeout(d time.Duration) Option    { return func(p *Prober) { p.timeout = d } }
func WithClock(now func() time.Time) Option { return func(p *Prober) { p.now = now } }

// New builds a prober; target is only used for logs and events and must not
// contain credentials.
func New(pinger Pinger, target string, st *telemetry.Station, opts ...Option) *Prober {
	p := &Prober{
		pinger:  pinger,
		target:  target,
		timeout: 5 * time.Second,
		st:      st,
		log:     logx.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Check pings once and applies the transition. Loss opens an interruption
// only on the first failed check; recovery closes it.
func (p *Prober) Check(ctx context.Context) telemetry.ConnectionStatus {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.pinger.Ping(cctx)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not an outage.
			return p.st.ConnectionStatus()
		}
		p.st.SetConnectionStatus(telemetry.Offline)
		if p.st.RecordInterruptionStart() {
			p.log.Warn("connectivity lost", logx.String("target", p.target), logx.Err(err))
			p.publish(EventOffline, Event{Target: p.target, Status: telemetry.Offline.String(), Error: err.Error()})
		} else {
			p.log.Debug("still offline", logx.String("target", p.target), logx.Err(err))
		}
		return telemetry.Offline
	}

	prev := p.st.SetConnectionStatus(telemetry.Online)
	if d, ok := p.st.RecordInterruptionEnd(); ok {
		p.log.Info("connectivity restored", logx.String("target", p.target), logx.Duration("lasted", d))
		p.publish(EventOnline, Event{Target: p.target, Status: telemetry.Online.String(), Interruption: d})
	} else if prev != telemetry.Online {
		p.log.Debug("connectivity online", logx.String("target", p.target))
	}
	return telemetry.Online
}

func (p *Prober) publish(typ string, ev Event) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: ev})
}

// Body adapts Check to a dispatch body. Outages are not body failures.
func (p *Prober) Body(ctx context.Context, _ *dispatch.Handle) error {
	p.Check(ctx)
	return nil
}

func (p *Prober) Job(every time.Duration) source.Job {
	return source.Job{
		Name:     JobName,
		Category: category.Connectivity,
		Every:    every,
		Source:   p.target,
		Body:     p.Body,
	}
}
