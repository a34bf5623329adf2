// Package modelpool holds the Instance State Store: the single mutable
// shared resource of the gateway (spec.md §5). It owns per-(model,instance)
// weights, counters, and sliding-window samples, the Smooth Weighted
// Round-Robin selector, and the Weight Controller that adjusts weights and
// status on commit. Generalized from internal/strategy's Backend +
// WeightedRoundRobin pair, whose atomic-counter/mutex-guarded-loop style
// this package keeps — but a single coarse mutex replaces the atomics,
// because the selector's global currentWeight sum can't be kept consistent
// across per-instance locks (spec.md §4.1).
package modelpool

import (
	"math"
	"net/url"
	"sort"
	"sync"
	"time"

	"modelgate/internal/clock"
	"modelgate/internal/config"
)

// Status is the derived health label carried by an InstanceState. There is
// no UNHEALTHY state — see Store.Commit and spec.md §4.4.
type Status string

const (
	StatusHealthy Status = "HEALTHY"
	StatusWarning Status = "WARNING"
)

const (
	minEffectiveWeight = 5.0
	maxEffectiveWeight = 100.0
	loadWindow         = 30 * time.Second
	failureThreshold   = 3 // historyFailures > 3 => WARNING
	decayFactor        = 0.8
	growthFactor       = 1.05
	unbalancedSpread   = 0.2
)

// loadSample is one (wallTime, activeRequestsAtStart) entry of loadHistory.
type loadSample struct {
	at   time.Time
	load int
}

// InstanceState is the full mutable record for one (model, instance) pair.
// All fields are owned and mutated exclusively by Store under its mutex.
type InstanceState struct {
	Model string
	Name  string
	Host  string
	Port  string
	URL   string

	loadThreshold float64

	currentWeight   int
	effectiveWeight float64
	historyFailures int

	activeRequests int
	requestCount   int64
	errorCount     int64
	tokenTotal     int64

	lastResponseTimeMs float64
	lastUpdateWallTime time.Time

	loadHistory []loadSample

	status       Status
	loadRate     float64
	balanceLabel string
}

// NodeView is one row of a per-node metrics snapshot (spec.md §4.5).
type NodeView struct {
	Name               string
	Host               string
	Status             Status
	BalanceLabel       string
	LoadRate           float64
	TokenTotal         int64
	LastResponseTimeMs float64
	EffectiveWeight    float64
}

// GlobalView is the per-model aggregate snapshot (spec.md §4.5).
type GlobalView struct {
	Nodes           int
	Healthy         int
	Warning         int
	BalanceDegree   float64
	Throughput      float64
	AvgLoadRate     float64
	AvgResponseTime float64
	TokenTotal      int64
	UpdatedAt       time.Time
}

type modelState struct {
	order     []string // configured instance order — selection tie-break and iteration determinism
	instances map[string]*InstanceState
}

// Store is the Instance State Store: one coarse mutex guarding a
// map[model]map[instance]*InstanceState. All mutators are O(instances per
// model) with no I/O under the lock (spec.md §4.1).
type Store struct {
	mu     sync.Mutex
	clock  clock.Clock
	models map[string]*modelState
}

// NewStore constructs an empty Store. Call Initialize before use.
func NewStore(c clock.Clock) *Store {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Store{clock: c, models: make(map[string]*modelState)}
}

// Initialize builds the instance map from cfg, replacing any prior contents
// atomically. It is idempotent: calling it twice with the same cfg produces
// an equal Store (spec.md §8 invariant 6).
func (s *Store) Initialize(models []config.ModelCfg) {
	next := make(map[string]*modelState, len(models))
	for _, m := range models {
		ms := &modelState{
			order:     make([]string, 0, len(m.Instances)),
			instances: make(map[string]*InstanceState, len(m.Instances)),
		}
		for _, inst := range m.Instances {
			host, port := splitHostPort(inst.URL)
			ms.order = append(ms.order, inst.Name)
			ms.instances[inst.Name] = &InstanceState{
				Model:           m.Name,
				Name:            inst.Name,
				Host:            host,
				Port:            port,
				URL:             inst.URL,
				loadThreshold:   inst.LoadThreshold,
				effectiveWeight: float64(inst.InitialWeight),
				status:          StatusHealthy,
				balanceLabel:    "balanced",
			}
		}
		next[m.Name] = ms
	}

	s.mu.Lock()
	s.models = next
	s.mu.Unlock()
}

func splitHostPort(rawURL string) (host, port string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ""
	}
	host = u.Hostname()
	port = u.Port()
	return host, port
}

// Select runs the Smooth Weighted Round Robin algorithm (spec.md §4.2) over
// the healthy instances of model and returns the chosen instance's name and
// base URL. It increments activeRequests on the winner before returning.
func (s *Store) Select(model string) (name string, baseURL string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.models[model]
	if !ok {
		return "", "", ErrModelNotConfigured
	}

	var healthy []*InstanceState
	total := 0.0
	for _, n := range ms.order {
		inst := ms.instances[n]
		if inst.status == StatusHealthy {
			healthy = append(healthy, inst)
			total += inst.effectiveWeight
		}
	}
	if len(healthy) == 0 {
		return "", "", ErrNoHealthyInstance
	}

	for _, inst := range healthy {
		inst.currentWeight += int(math.Round(inst.effectiveWeight))
	}

	best := healthy[0]
	for _, inst := range healthy[1:] {
		if inst.currentWeight > best.currentWeight {
			best = inst
		}
	}
	best.currentWeight -= int(math.Round(total))
	best.activeRequests++

	return best.Name, best.URL, nil
}

// Commit applies the Weight Controller (spec.md §4.4): records the sample,
// decrements activeRequests, updates the sliding load window, adjusts
// effectiveWeight and status, and recomputes balanceLabel across the model.
func (s *Store) Commit(model, name string, rtMs float64, isError bool, tokenCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.models[model]
	if !ok {
		return ErrModelNotConfigured
	}
	inst, ok := ms.instances[name]
	if !ok {
		return ErrUnknownInstance
	}

	now := s.clock.Now()

	inst.lastResponseTimeMs = rtMs
	inst.requestCount++
	inst.tokenTotal += tokenCount
	inst.lastUpdateWallTime = now

	before := inst.activeRequests
	if inst.activeRequests > 0 {
		inst.activeRequests--
	}

	inst.loadHistory = append(inst.loadHistory, loadSample{at: now, load: before})
	inst.loadHistory = pruneHistory(inst.loadHistory, now)

	avgLoad := timeWeightedAvg(inst.loadHistory, now)
	inst.loadRate = clamp01(safeDiv(avgLoad, inst.loadThreshold))

	if isError {
		inst.errorCount++
		inst.effectiveWeight = math.Max(minEffectiveWeight, inst.effectiveWeight*decayFactor)
		inst.historyFailures++
		if inst.historyFailures > failureThreshold {
			inst.status = StatusWarning
		}
	} else {
		inst.historyFailures = 0
		inst.effectiveWeight = math.Min(maxEffectiveWeight, inst.effectiveWeight*growthFactor)
	}

	recomputeBalanceLabels(ms)
	return nil
}

// ResetStatus is the explicit administrative reset spec.md §9 asks
// implementations to expose for the never-auto-re-promoted WARNING status.
// It is not called automatically anywhere in this package.
func (s *Store) ResetStatus(model, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.models[model]
	if !ok {
		return ErrModelNotConfigured
	}
	inst, ok := ms.instances[name]
	if !ok {
		return ErrUnknownInstance
	}
	inst.status = StatusHealthy
	inst.historyFailures = 0
	recomputeBalanceLabels(ms)
	return nil
}

// SnapshotPerNode returns a list sorted by instance name of {name, host,
// status, balanceLabel, loadRate, tokenTotal, lastResponseTimeMs,
// effectiveWeight} for model (spec.md §4.5).
func (s *Store) SnapshotPerNode(model string) ([]NodeView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.models[model]
	if !ok {
		return nil, ErrModelNotConfigured
	}

	views := make([]NodeView, 0, len(ms.instances))
	for _, n := range ms.order {
		inst := ms.instances[n]
		views = append(views, NodeView{
			Name:               inst.Name,
			Host:               inst.Host,
			Status:             inst.status,
			BalanceLabel:       inst.balanceLabel,
			LoadRate:           inst.loadRate,
			TokenTotal:         inst.tokenTotal,
			LastResponseTimeMs: inst.lastResponseTimeMs,
			EffectiveWeight:    inst.effectiveWeight,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views, nil
}

// SnapshotGlobal computes the per-model aggregate view (spec.md §4.5).
func (s *Store) SnapshotGlobal(model string) (GlobalView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.models[model]
	if !ok {
		return GlobalView{}, ErrModelNotConfigured
	}

	now := s.clock.Now()
	var (
		healthyWeights  []float64
		healthy, warn   int
		throughput      float64
		sumLoadRate     float64
		sumResponseTime float64
		tokenTotal      int64
		n               int
	)
	for _, inst := range ms.instances {
		n++
		switch inst.status {
		case StatusHealthy:
			healthy++
			healthyWeights = append(healthyWeights, inst.effectiveWeight)
		case StatusWarning:
			warn++
		}
		if !inst.lastUpdateWallTime.IsZero() && now.Sub(inst.lastUpdateWallTime) <= 10*time.Second {
			throughput += float64(inst.requestCount)
		}
		sumLoadRate += inst.loadRate
		sumResponseTime += inst.lastResponseTimeMs
		tokenTotal += inst.tokenTotal
	}

	return GlobalView{
		Nodes:           n,
		Healthy:         healthy,
		Warning:         warn,
		BalanceDegree:   balanceDegree(healthyWeights),
		Throughput:      throughput / 10.0,
		AvgLoadRate:     safeMean(sumLoadRate, n),
		AvgResponseTime: safeMean(sumResponseTime, n),
		TokenTotal:      tokenTotal,
		UpdatedAt:       now,
	}, nil
}

// Models returns the configured model names, for routes that must enumerate
// all models (e.g. the combined metrics endpoint).
func (s *Store) Models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.models))
	for m := range s.models {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

func pruneHistory(h []loadSample, now time.Time) []loadSample {
	cutoff := now.Add(-loadWindow)
	i := 0
	for i < len(h) && h[i].at.Before(cutoff) {
		i++
	}
	return h[i:]
}

// timeWeightedAvg integrates load over the pruned window and divides by the
// elapsed window (spec.md §4.4 step 4).
func timeWeightedAvg(h []loadSample, now time.Time) float64 {
	if len(h) == 0 {
		return 0
	}
	windowStart := h[0].at
	var area float64
	for i := 0; i < len(h)-1; i++ {
		dt := h[i+1].at.Sub(h[i].at).Seconds()
		area += float64(h[i].load) * dt
	}
	area += float64(h[len(h)-1].load) * now.Sub(h[len(h)-1].at).Seconds()

	elapsed := now.Sub(windowStart).Seconds()
	return safeDiv(area, elapsed)
}

func recomputeBalanceLabels(ms *modelState) {
	var weights []float64
	for _, n := range ms.order {
		inst := ms.instances[n]
		if inst.status == StatusHealthy {
			weights = append(weights, inst.effectiveWeight)
		}
	}
	avg := safeMean(sum(weights), len(weights))
	for _, n := range ms.order {
		inst := ms.instances[n]
		if inst.status != StatusHealthy || avg == 0 {
			inst.balanceLabel = "balanced"
			continue
		}
		if math.Abs(inst.effectiveWeight-avg)/avg > unbalancedSpread {
			inst.balanceLabel = "unbalanced"
		} else {
			inst.balanceLabel = "balanced"
		}
	}
}

// balanceDegree implements spec.md §4.5's
// clamp(0..1, 1 - stddev(weights)/mean(weights)), 0 when weights is empty.
func balanceDegree(weights []float64) float64 {
	if len(weights) == 0 {
		return 0
	}
	mean := safeMean(sum(weights), len(weights))
	if mean == 0 {
		return 0
	}
	var variance float64
	for _, w := range weights {
		d := w - mean
		variance += d * d
	}
	variance /= float64(len(weights))
	stddev := math.Sqrt(variance)
	return clamp01(1 - stddev/mean)
}

func sum(xs []float64) float64 {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total
}

func safeMean(total float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return cleanFloat(total / float64(n))
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return cleanFloat(num / den)
}

func clamp01(v float64) float64 {
	v = cleanFloat(v)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// cleanFloat excludes NaN/Infinity from outgoing numbers (spec.md §9).
func cleanFloat(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
