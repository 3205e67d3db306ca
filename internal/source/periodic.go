// Package source produces WorkItems for the dispatcher from a fixed set of
// interval jobs.
package source

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"eventd/internal/category"
	"eventd/internal/dispatch"
	logx "eventd/pkg/logx"
)

var ErrDuplicateJob = errors.New("job already registered")

type Job struct {
	Name     string
	Category category.Category
	Every    time.Duration
	Source   string
	Body     dispatch.Body
}

type entry struct {
	job   Job
	sched cron.Schedule
	next  time.Time
	fired uint64
}

// Periodic emits each registered job once per interval. It never blocks:
// Poll only compares due times.
type Periodic struct {
	mu     sync.Mutex
	now    func() time.Time
	spread time.Duration
	log    logx.Logger
	jobs   map[string]*entry
}

type Option func(*Periodic)

func WithClock(now func() time.Time) Option {
	return func(p *Periodic) {
		if now != nil {
			p.now = now
		}
	}
}

// WithStartupSpread delays each job's first run by a random amount below
// min(max, every), so jobs registered together don't all fire on the same tick.
func WithStartupSpread(max time.Duration) Option {
	return func(p *Periodic) { p.spread = max }
}

func WithLogger(log logx.Logger) Option { return func(p *Periodic) { p.log = log } }

func NewPeriodic(opts ...Option) *Periodic {
	p := &Periodic{
		now:  time.Now,
		log:  logx.Nop(),
		jobs: map[string]*entry{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Add registers job. Without a startup spread the first run is due at once.
func (p *Periodic) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return fmt.Errorf("job name required")
	}
	if !job.Category.Valid() {
		return fmt.Errorf("job %s: %w", job.Name, category.ErrUnknownCategory)
	}
	if job.Body == nil {
		return fmt.Errorf("job %s: %w", job.Name, dispatch.ErrNilBody)
	}
	if job.Every <= 0 {
		return fmt.Errorf("job %s: interval must be > 0", job.Name)
	}

	now := p.now()
	e := &entry{job: job, sched: cron.Every(job.Every), next: now.Add(p.jitter(job))}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.jobs[job.Name]; ok {
		return fmt.Errorf("job %s: %w", job.Name, ErrDuplicateJob)
	}
	p.jobs[job.Name] = e
	p.log.Debug("job registered",
		logx.String("job", job.Name),
		logx.String("category", job.Category.String()),
		logx.Duration("every", job.Every),
		logx.Time("first", e.next),
	)
	return nil
}

// AddSpec is Add with the interval given as text (see ParseInterval).
func (p *Periodic) AddSpec(name string, c category.Category, spec string, body dispatch.Body) error {
	every, err := ParseInterval(spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	return p.Add(Job{Name: name, Category: c, Every: every, Body: body})
}

func (p *Periodic) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.jobs[name]; !ok {
		return false
	}
	delete(p.jobs, name)
	return true
}

func (p *Periodic) jitter(job Job) time.Duration {
	max := p.spread
	if max > job.Every {
		max = job.Every
	}
	if max <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(job.Name))
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64())))
	return time.Duration(rng.Int63n(int64(max)))
}

// Poll returns the jobs that are due and moves each one to its next slot.
// A job that missed several slots fires once.
func (p *Periodic) Poll(ctx context.Context) []dispatch.WorkItem {
	if ctx != nil && ctx.Err() != nil {
		return nil
	}
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	var out []dispatch.WorkItem
	for _, e := range p.jobs {
		if now.Before(e.next) {
			continue
		}
		e.fired++
		e.next = e.sched.Next(now)
		src := e.job.Source
		if src == "" {
			src = e.job.Name
		}
		out = append(out, dispatch.WorkItem{
			Category: e.job.Category,
			Name:     e.job.Name,
			Source:   src,
			Body:     e.job.Body,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type JobView struct {
	Name     string            `json:"name"`
	Category category.Category `json:"category"`
	Every    time.Duration     `json:"every"`
	Next     time.Time         `json:"next"`
	Fired    uint64            `json:"fired"`
}

func (p *Periodic) Jobs() []JobView {
	p.mu.Lock()
	out := make([]JobView, 0, len(p.jobs))
	for _, e := range p.jobs {
		out = append(out, JobView{Name: e.job.Name, Category: e.job.Category, Every: e.job.Every, Next: e.next, Fired: e.fired})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
