package logx

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Sampler rate-limits log lines coming from hot paths (e.g. a dispatcher tick
// that hits the same conflict every second).
type Sampler struct {
	lim     *rate.Limiter
	dropped atomic.Uint64
}

// NewSampler allows burst lines, then one line per every.
func NewSampler(every time.Duration, burst int) *Sampler {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.Inf
	if every > 0 {
		lim = rate.Every(every)
	}
	return &Sampler{lim: rate.NewLimiter(lim, burst)}
}

func (s *Sampler) Allow() bool {
	if s == nil || s.lim == nil {
		return true
	}
	if s.lim.Allow() {
		return true
	}
	s.dropped.Add(1)
	return false
}

// Dropped returns how many lines were suppressed so far.
func (s *Sampler) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// CronAdapter satisfies robfig/cron's Logger interface.
type CronAdapter struct {
	Log Logger
}

func (c CronAdapter) Info(msg string, keysAndValues ...interface{}) {
	c.Log.Debug("cron."+msg, kvFields(keysAndValues)...)
}

func (c CronAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append([]Field{Err(err)}, kvFields(keysAndValues)...)
	c.Log.Error("cron."+msg, fields...)
}

func kvFields(kv []interface{}) []Field {
	out := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
