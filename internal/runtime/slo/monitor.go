package slo

import (
	"sync"
	"time"
)

// Result is the evaluation of one target.
type Result struct {
	Name         string  `json:"name"`
	Metric       string  `json:"metric"`
	Status       Status  `json:"status"`
	CurrentValue float64 `json:"current_value"`
	SuccessRate  float64 `json:"success_rate"`
	SampleCount  int     `json:"sample_count"`
	Target       float64 `json:"target_percentage"`
}

// Summary counts results per status.
type Summary struct {
	Total    int `json:"total"`
	Healthy  int `json:"healthy"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Unknown  int `json:"unknown"`
}

// Health is the system health document served by the daemon.
type Health struct {
	Status     Status   `json:"status"`
	SLOSummary Summary  `json:"slo_summary"`
	TenantID   string   `json:"tenant_id"`
	SLOs       []Result `json:"slos,omitempty"`
}

// MonitorOptions tunes a Monitor.
type MonitorOptions struct {
	// WindowSize bounds the samples kept per target.
	WindowSize int
	// Now is the clock; tests override it.
	Now func() time.Time
}

// Monitor keeps a bounded window of samples per target.
type Monitor struct {
	now func() time.Time

	mu      sync.Mutex
	targets []Target
	windows map[string]*window
}

// NewMonitor creates a monitor for targets. Pass DefaultTargets() for the
// built-in set.
func NewMonitor(targets []Target, opts MonitorOptions) *Monitor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Monitor{
		now:     opts.Now,
		targets: append([]Target(nil), targets...),
		windows: make(map[string]*window, len(targets)),
	}
	for _, t := range targets {
		m.windows[t.Name] = newWindow(opts.WindowSize)
	}
	return m
}

// Targets returns the configured targets.
func (m *Monitor) Targets() []Target {
	return append([]Target(nil), m.targets...)
}

// RecordMetric appends a sample to the window of every target watching
// name. Unwatched names are dropped.
func (m *Monitor) RecordMetric(name string, value float64, labels map[string]string) {
	snap := Snapshot{Value: value, Labels: labels, At: m.now()}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		if t.Metric == name {
			m.windows[t.Name].add(snap)
		}
	}
}

// WindowLen returns how many samples the named target holds.
func (m *Monitor) WindowLen(target string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[target]; ok {
		return w.len()
	}
	return 0
}

// EvaluateSLOs evaluates every target over its time window, restricted to
// tenantID's samples when set. A target with no samples is unknown.
func (m *Monitor) EvaluateSLOs(tenantID string) []Result {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]Result, 0, len(m.targets))
	for _, t := range m.targets {
		var cutoff time.Time
		if t.TimeWindow > 0 {
			cutoff = now.Add(-t.TimeWindow)
		}
		values := m.windows[t.Name].since(cutoff, tenantID)
		res := Result{Name: t.Name, Metric: t.Metric, Target: t.TargetPercentage, SampleCount: len(values)}
		if len(values) == 0 {
			res.Status = StatusUnknown
			results = append(results, res)
			continue
		}
		if t.HasThreshold() {
			res.CurrentValue = percentile(values, t.TargetPercentage)
			res.SuccessRate = 100
		} else {
			res.SuccessRate = successRate(values)
			res.CurrentValue = res.SuccessRate
		}
		res.Status = t.Evaluate(res.CurrentValue, res.SuccessRate)
		results = append(results, res)
	}
	return results
}

// Health rolls the evaluation up into the health document. Without any
// targets the status is unknown.
func (m *Monitor) Health(tenantID string) Health {
	results := m.EvaluateSLOs(tenantID)
	h := Health{TenantID: tenantID, SLOs: results, Status: StatusUnknown}
	statuses := make([]Status, 0, len(results))
	for _, r := range results {
		h.SLOSummary.Total++
		switch r.Status {
		case StatusHealthy:
			h.SLOSummary.Healthy++
		case StatusWarning:
			h.SLOSummary.Warning++
		case StatusCritical:
			h.SLOSummary.Critical++
		default:
			h.SLOSummary.Unknown++
		}
		statuses = append(statuses, r.Status)
	}
	if len(statuses) > 0 {
		h.Status = Worst(statuses...)
	}
	return h
}
