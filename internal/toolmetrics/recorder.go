// Package toolmetrics tracks QPS and response-time metrics for the tool
// fleet (SPEC_FULL.md §5), mirroring the shape of modelpool's metrics but
// over the simpler sliding windows original_source/app/core/monitoring.py
// uses: a 1-second window of request timestamps for QPS, and the trailing
// 10 response-time samples for average response time.
package toolmetrics

import (
	"sync"
	"time"

	"modelgate/internal/clock"
	"modelgate/internal/config"
)

const (
	qpsWindow          = 1 * time.Second
	responseTimeSample = 10
)

// Snapshot is the per-service metrics view (SPEC_FULL §5's
// {qps, avgResponseTimeMs, loadRate, healthy} shape; healthy is supplied by
// the caller from health.Monitor, which this package does not depend on).
type Snapshot struct {
	QPS               float64
	AvgResponseTimeMs float64
	LoadRate          float64
}

type serviceState struct {
	qpsThreshold    float64
	recentRequests  []time.Time
	responseTimesMs []float64
	requestCount    int64
	errorCount      int64
	activeTasks     int
}

// Recorder tracks per-service request timing. Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	clock    clock.Clock
	services map[string]*serviceState
}

// New builds a Recorder for the given tool services.
func New(c clock.Clock, services []config.ToolServiceCfg) *Recorder {
	if c == nil {
		c = clock.RealClock{}
	}
	st := make(map[string]*serviceState, len(services))
	for _, svc := range services {
		qt := svc.QPSThreshold
		if qt <= 0 {
			qt = 100
		}
		st[svc.Name] = &serviceState{qpsThreshold: qt}
	}
	return &Recorder{clock: c, services: st}
}

// UpdateServices replaces the tracked service list, preserving any existing
// state for services whose name survives the reload.
func (r *Recorder) UpdateServices(services []config.ToolServiceCfg) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*serviceState, len(services))
	for _, svc := range services {
		qt := svc.QPSThreshold
		if qt <= 0 {
			qt = 100
		}
		if prev, ok := r.services[svc.Name]; ok {
			prev.qpsThreshold = qt
			next[svc.Name] = prev
			continue
		}
		next[svc.Name] = &serviceState{qpsThreshold: qt}
	}
	r.services = next
}

// RecordStart marks the beginning of a forwarded request.
func (r *Recorder) RecordStart(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.services[service]
	if !ok {
		return
	}
	now := r.clock.Now()
	st.recentRequests = append(st.recentRequests, now)
	st.activeTasks++
}

// RecordEnd marks completion, recording response time and error status.
func (r *Recorder) RecordEnd(service string, rtMs float64, isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.services[service]
	if !ok {
		return
	}
	if st.activeTasks > 0 {
		st.activeTasks--
	}
	st.requestCount++
	if isError {
		st.errorCount++
	}
	st.responseTimesMs = append(st.responseTimesMs, rtMs)
	if len(st.responseTimesMs) > responseTimeSample {
		st.responseTimesMs = st.responseTimesMs[len(st.responseTimesMs)-responseTimeSample:]
	}
}

// ForService computes the current {qps, avgResponseTimeMs, loadRate} view
// for one service.
func (r *Recorder) ForService(service string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.services[service]
	if !ok {
		return Snapshot{}
	}
	now := r.clock.Now()
	st.recentRequests = pruneWindow(st.recentRequests, now, qpsWindow)

	qps := float64(len(st.recentRequests)) / qpsWindow.Seconds()
	avgRt := meanFloat(st.responseTimesMs)
	loadRate := clamp01(safeDiv(qps, st.qpsThreshold))

	return Snapshot{QPS: qps, AvgResponseTimeMs: round2(avgRt), LoadRate: loadRate}
}

// Services returns the tracked service names.
func (r *Recorder) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

func pruneWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func meanFloat(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var total float64
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
