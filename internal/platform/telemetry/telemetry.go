// Package telemetry records HTTP server and remote-call metrics in memory and
// serves them in Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	remoteDurationBuckets  = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120}
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits for atomic add
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled stores
// ---------------------------------------------------------------------------

// labelKey joins label values with "|". Values must not contain "|".
func labelKey(values ...string) string {
	return strings.Join(values, "|")
}

type histogramStore struct {
	mu         sync.RWMutex
	boundaries []float64
	items      map[string]*histogram
}

func newHistogramStore(boundaries []float64) *histogramStore {
	return &histogramStore{boundaries: boundaries, items: make(map[string]*histogram)}
}

func (s *histogramStore) get(key string) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(s.boundaries)
		s.items[key] = h
	}
	return h
}

func (s *histogramStore) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) add(key string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			var v int64
			p = &v
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, delta)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Outcome labels for remote calls and workflow operations.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

// Metrics is the process-wide registry. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	httpDuration   *histogramStore // method|route|status
	remoteDuration *histogramStore // op|outcome
	operations     *counterStore   // op|outcome
	activeRequests int64
	activeSessions int64
}

func New() *Metrics {
	return &Metrics{
		httpDuration:   newHistogramStore(defaultDurationBuckets),
		remoteDuration: newHistogramStore(remoteDurationBuckets),
		operations:     newCounterStore(),
	}
}

// ObserveRemote records one call to the analysis service.
func (m *Metrics) ObserveRemote(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.remoteDuration.get(labelKey(op, outcome)).Observe(d.Seconds())
}

// CountOperation records the outcome of a workflow operation.
func (m *Metrics) CountOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.add(labelKey(op, outcome), 1)
}

// Operations returns how many times op ended with outcome.
func (m *Metrics) Operations(op, outcome string) int64 {
	if m == nil {
		return 0
	}
	return m.operations.get(labelKey(op, outcome))
}

// RemoteCalls returns how many remote calls for op ended with outcome.
func (m *Metrics) RemoteCalls(op, outcome string) int64 {
	if m == nil {
		return 0
	}
	h, ok := m.remoteDuration.snapshot()[labelKey(op, outcome)]
	if !ok {
		return 0
	}
	return h.Count()
}

// SetActiveSessions publishes the number of sessions held by the store.
func (m *Metrics) SetActiveSessions(n int64) {
	if m == nil {
		return
	}
	atomic.StoreInt64(&m.activeSessions, n)
}

// Middleware records request duration by route pattern and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			atomic.AddInt64(&m.activeRequests, 1)
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			atomic.AddInt64(&m.activeRequests, -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := strconv.Itoa(c.Response().Status)
			m.httpDuration.get(labelKey(c.Request().Method, route, status)).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		if m != nil {
			m.write(&b)
		}
		return c.String(http.StatusOK, b.String())
	}
}

func (m *Metrics) write(b *strings.Builder) {
	writeHistograms(b, "http_server_request_duration_seconds", "Duration of HTTP requests in seconds.",
		[]string{"method", "route", "status_code"}, m.httpDuration)

	b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.activeRequests))

	writeHistograms(b, "backend_request_duration_seconds", "Duration of analysis service calls in seconds.",
		[]string{"op", "outcome"}, m.remoteDuration)

	b.WriteString("# HELP workflow_operations_total Workflow operations by outcome.\n")
	b.WriteString("# TYPE workflow_operations_total counter\n")
	counters := m.operations.snapshot()
	for _, key := range sortedKeys(counters) {
		fmt.Fprintf(b, "workflow_operations_total{%s} %d\n", labels([]string{"op", "outcome"}, key), counters[key])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP workflow_sessions_active Sessions held by the session store.\n")
	b.WriteString("# TYPE workflow_sessions_active gauge\n")
	fmt.Fprintf(b, "workflow_sessions_active %d\n\n", atomic.LoadInt64(&m.activeSessions))
}

func writeHistograms(b *strings.Builder, name, help string, names []string, store *histogramStore) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)

	snap := store.snapshot()
	for _, key := range sortedKeys(snap) {
		h := snap[key]
		lbl := labels(names, key)
		cum := h.cumulativeBuckets()
		for i, boundary := range store.boundaries {
			fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, lbl, boundary, cum[i])
		}
		fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, lbl, h.Count())
		fmt.Fprintf(b, "%s_sum{%s} %g\n", name, lbl, h.Sum())
		fmt.Fprintf(b, "%s_count{%s} %d\n", name, lbl, h.Count())
	}
	b.WriteByte('\n')
}

func labels(names []string, key string) string {
	values := strings.SplitN(key, "|", len(names))
	parts := make([]string, 0, len(names))
	for i, n := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		parts = append(parts, fmt.Sprintf("%s=%q", n, v))
	}
	return strings.Join(parts, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
