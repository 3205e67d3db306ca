package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"eventd/internal/telemetry"
)

const namespace = "eventd"

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

// collector reads the station and dispatcher at scrape time so the exported
// values never drift from /telemetry.
type collector struct {
	src Sources

	active, threads, minDur, maxDur, lastDur          *prometheus.Desc
	timeouts, errors, alerts, sources, words          *prometheus.Desc
	online, interruptOpen, maxRuntime, stopReq        *prometheus.Desc
	pending, zombies, work, deferred, poolSize, locks *prometheus.Desc
}

func newCollector(src Sources) *collector {
	return &collector{
		src:           src,
		active:        desc("active_threads", "Work items currently running."),
		threads:       desc("threads_total", "Executions that recorded a duration."),
		minDur:        desc("duration_min_seconds", "Shortest recorded execution."),
		maxDur:        desc("duration_max_seconds", "Longest recorded execution."),
		lastDur:       desc("duration_last_seconds", "Most recent debounced execution duration."),
		timeouts:      desc("timeouts_total", "Executions interrupted for exceeding their budget."),
		errors:        desc("errors_total", "Executions that returned an error or panicked."),
		alerts:        desc("alerts_total", "Operator alerts raised."),
		sources:       desc("source_items_total", "Items processed per source.", "source"),
		words:         desc("words_total", "Words processed per category.", "category"),
		online:        desc("connection_online", "1 when the profile database is reachable."),
		interruptOpen: desc("interruption_open", "1 while a connectivity interruption is open."),
		maxRuntime:    desc("max_thread_runtime_seconds", "Management override of the execution budget (0 = none)."),
		stopReq:       desc("stop_requested", "1 once a stop has been requested."),
		pending:       desc("pending_items", "Deferred work waiting for a later tick."),
		zombies:       desc("zombies", "Timed-out bodies that have not returned yet."),
		work:          desc("work_total", "Finished executions by outcome.", "outcome"),
		deferred:      desc("deferred_total", "Launch attempts deferred by the pool or an exclusivity lock."),
		poolSize:      desc("pool_size", "Configured worker pool size."),
		locks:         desc("exclusive_locks", "Exclusive categories currently held."),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.active, c.threads, c.minDur, c.maxDur, c.lastDur,
		c.timeouts, c.errors, c.alerts, c.sources, c.words,
		c.online, c.interruptOpen, c.maxRuntime, c.stopReq,
		c.pending, c.zombies, c.work, c.deferred, c.poolSize, c.locks,
	} {
		ch <- d
	}
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	if st := c.src.Station; st != nil {
		gauge(c.active, float64(st.ActiveThreads()))
		counter(c.threads, float64(st.ThreadCount()))
		gauge(c.minDur, float64(st.MinDuration()))
		gauge(c.maxDur, float64(st.MaxDuration()))
		gauge(c.lastDur, float64(st.LastDuration()))
		counter(c.timeouts, float64(st.TimeoutCount()))
		counter(c.errors, float64(st.ErrorCount()))
		counter(c.alerts, float64(st.AlertCount()))
		for k, v := range st.SourceCounts() {
			counter(c.sources, float64(v), k)
		}
		for k, v := range st.WordCounts() {
			counter(c.words, float64(v), k)
		}
		gauge(c.online, b2f(st.ConnectionStatus() == telemetry.Online))
		gauge(c.interruptOpen, b2f(st.InterruptionOpen()))
		gauge(c.maxRuntime, float64(st.MaxThreadRuntime()))
		gauge(c.stopReq, b2f(st.StopRequested()))
	}

	if c.src.Dispatcher != nil {
		snap := c.src.Dispatcher.Snapshot()
		gauge(c.pending, float64(snap.Pending))
		gauge(c.zombies, float64(snap.Zombies))
		counter(c.work, float64(snap.Completed), "completed")
		counter(c.work, float64(snap.Failed), "failed")
		counter(c.work, float64(snap.TimedOut), "timed_out")
		counter(c.deferred, float64(snap.Deferred))
		gauge(c.poolSize, float64(snap.PoolSize))
		gauge(c.locks, float64(len(snap.Locks)))
	}
}

// newRegistry avoids the global default registry so tests and reloads get a
// fresh set.
func newRegistry(src Sources) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newCollector(src),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return reg
}
