package telemetry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LogEntry is one timestamped line of the failure or interruption log.
type LogEntry struct {
	Seq  uint64    `json:"seq"`
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// eventLog is an append-only, time-ordered log. Writers never block each
// other: ordering comes from the sequence number, not from a shared lock.
type eventLog struct {
	seq atomic.Uint64
	m   sync.Map // uint64 -> LogEntry
	n   atomic.Int64
}

func (l *eventLog) append(at time.Time, text string) uint64 {
	seq := l.seq.Add(1)
	l.m.Store(seq, LogEntry{Seq: seq, At: at, Text: text})
	l.n.Add(1)
	return seq
}

func (l *eventLog) get(seq uint64) (LogEntry, bool) {
	v, ok := l.m.Load(seq)
	if !ok {
		return LogEntry{}, false
	}
	e, ok := v.(LogEntry)
	return e, ok
}

// replace swaps the text of an existing entry, keeping its key and time.
func (l *eventLog) replace(seq uint64, text string) bool {
	e, ok := l.get(seq)
	if !ok {
		return false
	}
	e.Text = text
	l.m.Store(seq, e)
	return true
}

func (l *eventLog) remove(seq uint64) {
	if _, loaded := l.m.LoadAndDelete(seq); loaded {
		l.n.Add(-1)
	}
}

func (l *eventLog) len() int { return int(l.n.Load()) }

// entries returns a copy ordered by sequence; limit <= 0 returns everything,
// otherwise only the newest limit entries.
func (l *eventLog) entries(limit int) []LogEntry {
	out := make([]LogEntry, 0, l.len())
	l.m.Range(func(_, v any) bool {
		if e, ok := v.(LogEntry); ok {
			out = append(out, e)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
