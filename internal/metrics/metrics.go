package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsh/oslayer/internal/thread"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
// It observes threads, processes, hangs and crash reports.
type Collector struct {
	startedAt time.Time

	threadsStarted atomic.Uint64
	threadsExited  atomic.Uint64

	processesSpawned atomic.Uint64
	processesReaped  atomic.Uint64
	processFailures  atomic.Uint64
	waitersStarted   atomic.Uint64

	hangsReported atomic.Uint64
	reportsTotal  atomic.Uint64
	byKind        sync.Map // string -> *atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// ThreadAdded and ThreadRemoved are the thread manager observer.
func (c *Collector) ThreadAdded(thread.Registration) {
	if c == nil {
		return
	}
	c.threadsStarted.Add(1)
}

func (c *Collector) ThreadRemoved(thread.Registration) {
	if c == nil {
		return
	}
	c.threadsExited.Add(1)
}

func (c *Collector) ProcessSpawned(int, string) {
	if c == nil {
		return
	}
	c.processesSpawned.Add(1)
}

func (c *Collector) ProcessReaped(_ int, exitCode int) {
	if c == nil {
		return
	}
	c.processesReaped.Add(1)
	if exitCode != 0 {
		c.processFailures.Add(1)
	}
}

func (c *Collector) WaiterStarted(int) {
	if c == nil {
		return
	}
	c.waitersStarted.Add(1)
}

func (c *Collector) IncHang() {
	if c == nil {
		return
	}
	c.hangsReported.Add(1)
}

// IncReport counts a written crash report of the given kind.
func (c *Collector) IncReport(kind string) {
	if c == nil {
		return
	}
	c.reportsTotal.Add(1)
	if kind == "" {
		kind = "unknown"
	}
	ptr, _ := c.byKind.LoadOrStore(kind, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

type HandlerOptions struct {
	ThreadCount    func() int
	HeartbeatCount func() int
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP oslayer_up Whether the process is running.\n")
		fmt.Fprint(w, "# TYPE oslayer_up gauge\n")
		fmt.Fprint(w, "oslayer_up 1\n")

		fmt.Fprint(w, "# HELP oslayer_uptime_seconds Seconds since the collector was created.\n")
		fmt.Fprint(w, "# TYPE oslayer_uptime_seconds gauge\n")
		fmt.Fprintf(w, "oslayer_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		counter(w, "oslayer_threads_started_total", "Threads registered with the thread manager.", c.threadsStarted.Load())
		counter(w, "oslayer_threads_exited_total", "Threads deregistered from the thread manager.", c.threadsExited.Load())
		counter(w, "oslayer_processes_spawned_total", "Child processes created.", c.processesSpawned.Load())
		counter(w, "oslayer_processes_reaped_total", "Child processes waited for.", c.processesReaped.Load())
		counter(w, "oslayer_processes_failed_total", "Child processes that exited with a non-zero code.", c.processFailures.Load())
		counter(w, "oslayer_process_waiters_total", "Background waiter threads started to reap children.", c.waitersStarted.Load())
		counter(w, "oslayer_hangs_reported_total", "Hangs reported by the heartbeat watchdog.", c.hangsReported.Load())
		counter(w, "oslayer_crash_reports_total", "Crash reports written.", c.reportsTotal.Load())

		kinds := snapshotKeys(&c.byKind)
		if len(kinds) > 0 {
			fmt.Fprint(w, "# HELP oslayer_crash_reports_by_kind_total Crash reports written by kind.\n")
			fmt.Fprint(w, "# TYPE oslayer_crash_reports_by_kind_total counter\n")
			for _, k := range kinds {
				ptr, _ := c.byKind.Load(k)
				n := uint64(0)
				if ptr != nil {
					n = ptr.(*atomic.Uint64).Load()
				}
				fmt.Fprintf(w, "oslayer_crash_reports_by_kind_total{kind=\"%s\"} %d\n", escapeLabelValue(k), n)
			}
		}

		if opts.ThreadCount != nil {
			fmt.Fprint(w, "# HELP oslayer_threads_active Registered threads.\n")
			fmt.Fprint(w, "# TYPE oslayer_threads_active gauge\n")
			fmt.Fprintf(w, "oslayer_threads_active %d\n", opts.ThreadCount())
		}
		if opts.HeartbeatCount != nil {
			fmt.Fprint(w, "# HELP oslayer_heartbeats_active Threads sending heartbeats.\n")
			fmt.Fprint(w, "# TYPE oslayer_heartbeats_active gauge\n")
			fmt.Fprintf(w, "oslayer_heartbeats_active %d\n", opts.HeartbeatCount())
		}
	})
}

func counter(w http.ResponseWriter, name, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, v)
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
