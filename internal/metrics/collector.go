// Package metrics is a small Prometheus text-format collector for the gateway.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide collector served on /metrics.
var Collector = NewCollector("gptproxy")

// Registry aggregates counters, gauges and histograms under one name prefix.
type Registry struct {
	prefix     string
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

func NewCollector(prefix string) *Registry {
	return &Registry{prefix: prefix, startTime: time.Now()}
}

func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// SetBool stores 1 for true and 0 for false.
func (g *Gauge) SetBool(b bool) {
	if b {
		g.Set(1)
		return
	}
	g.Set(0)
}

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Since observes the seconds elapsed from start.
func (h *Histogram) Since(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (r *Registry) fullName(name string) string {
	if r.prefix == "" {
		return name
	}
	return r.prefix + "_" + name
}

// Counter returns or creates a counter. labels is a preformatted label set
// such as `kind="offer"`.
func (r *Registry) Counter(name, help, labels string) *Counter {
	name = r.fullName(name)
	key := name + "{" + labels + "}"
	if v, ok := r.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := r.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

func (r *Registry) Gauge(name, help, labels string) *Gauge {
	name = r.fullName(name)
	key := name + "{" + labels + "}"
	if v, ok := r.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := r.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	name = r.fullName(name)
	key := name + "{" + labels + "}"
	if v, ok := r.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	actual, _ := r.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// Label formats a single label pair with the value quoted.
func Label(key, value string) string {
	return key + "=" + fmt.Sprintf("%q", value)
}

func sortedKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// Handler renders every metric in Prometheus text format, sorted by name.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	}
}

func (r *Registry) Render() string {
	var sb strings.Builder

	uptime := r.fullName("uptime_seconds")
	fmt.Fprintf(&sb, "# HELP %s Time since start in seconds\n", uptime)
	fmt.Fprintf(&sb, "# TYPE %s gauge\n", uptime)
	fmt.Fprintf(&sb, "%s %d\n\n", uptime, int64(r.Uptime().Seconds()))

	written := make(map[string]bool)
	for _, key := range sortedKeys(&r.counters) {
		v, _ := r.counters.Load(key)
		c := v.(*Counter)
		writeHeader(&sb, written, c.name, c.help, "counter")
		writeSample(&sb, c.name, c.labels, fmt.Sprintf("%d", c.Value()))
	}

	for _, key := range sortedKeys(&r.gauges) {
		v, _ := r.gauges.Load(key)
		g := v.(*Gauge)
		writeHeader(&sb, written, g.name, g.help, "gauge")
		writeSample(&sb, g.name, g.labels, fmt.Sprintf("%d", g.Value()))
	}

	for _, key := range sortedKeys(&r.histograms) {
		v, _ := r.histograms.Load(key)
		h := v.(*Histogram)
		h.mu.Lock()
		writeHeader(&sb, written, h.name, h.help, "histogram")
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			labels := `le="` + le + `"`
			if h.labels != "" {
				labels = h.labels + "," + labels
			}
			writeSample(&sb, h.name+"_bucket", labels, fmt.Sprintf("%d", b.count))
		}
		writeSample(&sb, h.name+"_count", h.labels, fmt.Sprintf("%d", h.count))
		writeSample(&sb, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
		h.mu.Unlock()
	}

	return sb.String()
}

func writeHeader(sb *strings.Builder, written map[string]bool, name, help, kind string) {
	if written[name] {
		return
	}
	written[name] = true
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, kind)
}

func writeSample(sb *strings.Builder, name, labels, value string) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %s\n", name, labels, value)
		return
	}
	fmt.Fprintf(sb, "%s %s\n", name, value)
}
