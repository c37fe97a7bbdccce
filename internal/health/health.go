// Package health tracks whether each ledger node answers log fetches.
package health

import (
	"slices"
	"sort"
	"sync"
	"time"
)

// Status is the health state of one node.
type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive failed fetches
	// after which a node is unhealthy.
	DefaultUnhealthyThreshold = 3

	// DefaultDegradedLatency is the p95 fetch latency above which a node is
	// degraded.
	DefaultDegradedLatency = 5 * time.Second

	latencyWindowSize = 10
)

// NodeHealth tracks one node. Safe for concurrent use.
type NodeHealth struct {
	mu                  sync.RWMutex
	node                string
	status              Status
	consecutiveFailures int
	lastSuccessAt       *time.Time
	lastFailureAt       *time.Time
	lastError           string
	unhealthyThreshold  int
	degradedLatency     time.Duration
	recentLatencies     []time.Duration
	nowFn               func() time.Time
}

func newNodeHealth(node string, threshold int, degraded time.Duration, now func() time.Time) *NodeHealth {
	return &NodeHealth{
		node:               node,
		status:             StatusUnknown,
		unhealthyThreshold: threshold,
		degradedLatency:    degraded,
		recentLatencies:    make([]time.Duration, 0, latencyWindowSize),
		nowFn:              now,
	}
}

// RecordSuccess records a completed fetch and returns true when it ends an
// unhealthy streak.
func (h *NodeHealth) RecordSuccess(latency time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFn()
	recovered := h.status == StatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.lastError = ""

	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, latency)

	if h.latencyDegraded() {
		h.status = StatusDegraded
	} else {
		h.status = StatusHealthy
	}
	return recovered
}

// RecordFailure records a failed fetch and returns true when this call
// made the node unhealthy.
func (h *NodeHealth) RecordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFn()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if err != nil {
		h.lastError = err.Error()
	}
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != StatusUnhealthy {
		h.status = StatusUnhealthy
		return true
	}
	return false
}

// latencyDegraded must be called with mu held.
func (h *NodeHealth) latencyDegraded() bool {
	if len(h.recentLatencies) < 2 {
		return false
	}
	return h.percentile(95) > h.degradedLatency
}

func (h *NodeHealth) percentile(pct int) time.Duration {
	n := len(h.recentLatencies)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(h.recentLatencies)
	slices.Sort(sorted)
	idx := (pct*n - 1) / 100
	idx = max(0, min(idx, n-1))
	return sorted[idx]
}

// Snapshot is a point-in-time view of one node.
type Snapshot struct {
	Node                string     `json:"node"`
	Status              Status     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	P95Latency          string     `json:"p95_latency,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

func (h *NodeHealth) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Snapshot{
		Node:                h.node,
		Status:              h.status,
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
		LastError:           h.lastError,
	}
	if len(h.recentLatencies) > 0 {
		s.P95Latency = h.percentile(95).String()
	}
	return s
}

// Registry holds one tracker per node, created on first use.
type Registry struct {
	mu                 sync.Mutex
	nodes              map[string]*NodeHealth
	unhealthyThreshold int
	degradedLatency    time.Duration
	nowFn              func() time.Time
	extra              map[string]func() string
}

func NewRegistry() *Registry {
	return &Registry{
		nodes:              make(map[string]*NodeHealth),
		unhealthyThreshold: DefaultUnhealthyThreshold,
		degradedLatency:    DefaultDegradedLatency,
		nowFn:              time.Now,
		extra:              make(map[string]func() string),
	}
}

// Node returns the tracker of node, creating it if needed.
func (r *Registry) Node(node string) *NodeHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.nodes[node]
	if !ok {
		h = newNodeHealth(node, r.unhealthyThreshold, r.degradedLatency, r.nowFn)
		r.nodes[node] = h
	}
	return h
}

// AddCheck adds a named value to every health report, such as the state of
// the node client circuit breaker.
func (r *Registry) AddCheck(name string, fn func() string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extra[name] = fn
}

// Report is the JSON body of the health endpoint.
type Report struct {
	Status Status            `json:"status"`
	Nodes  []Snapshot        `json:"nodes"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Report summarizes all nodes. The overall status is the worst node status.
func (r *Registry) Report() Report {
	r.mu.Lock()
	nodes := make([]*NodeHealth, 0, len(r.nodes))
	for _, h := range r.nodes {
		nodes = append(nodes, h)
	}
	checks := make(map[string]string, len(r.extra))
	for name, fn := range r.extra {
		checks[name] = fn()
	}
	r.mu.Unlock()

	rep := Report{Status: StatusUnknown, Nodes: make([]Snapshot, 0, len(nodes))}
	if len(checks) > 0 {
		rep.Checks = checks
	}
	for _, h := range nodes {
		rep.Nodes = append(rep.Nodes, h.Snapshot())
	}
	sort.Slice(rep.Nodes, func(i, j int) bool { return rep.Nodes[i].Node < rep.Nodes[j].Node })
	for _, s := range rep.Nodes {
		if rank(s.Status) > rank(rep.Status) {
			rep.Status = s.Status
		}
	}
	return rep
}

// HealthSnapshot lets the registry back the admin health endpoint.
func (r *Registry) HealthSnapshot() any {
	return r.Report()
}

func rank(s Status) int {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 3
	default:
		return 0
	}
}
