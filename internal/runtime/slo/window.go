package slo

import (
	"sort"
	"time"
)

// DefaultWindowSize bounds the samples kept per target.
const DefaultWindowSize = 10000

// Snapshot is one recorded sample.
type Snapshot struct {
	Value  float64
	Labels map[string]string
	At     time.Time
}

// window is a fixed-size ring of snapshots; the oldest is overwritten.
type window struct {
	samples []Snapshot
	next    int
	filled  int
}

func newWindow(size int) *window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &window{samples: make([]Snapshot, size)}
}

func (w *window) add(s Snapshot) {
	w.samples[w.next] = s
	w.next = (w.next + 1) % len(w.samples)
	if w.filled < len(w.samples) {
		w.filled++
	}
}

func (w *window) len() int {
	return w.filled
}

// since returns the values recorded at or after cutoff whose tenant_id
// label matches tenantID. An empty tenantID matches every sample.
func (w *window) since(cutoff time.Time, tenantID string) []float64 {
	values := make([]float64, 0, w.filled)
	for i := 0; i < w.filled; i++ {
		idx := w.next - w.filled + i
		if idx < 0 {
			idx += len(w.samples)
		}
		s := w.samples[idx]
		if s.At.Before(cutoff) {
			continue
		}
		if tenantID != "" && s.Labels["tenant_id"] != tenantID {
			continue
		}
		values = append(values, s.Value)
	}
	return values
}

// successRate is the percentage of samples equal to 1.0.
func successRate(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	ok := 0
	for _, v := range values {
		if v == 1.0 {
			ok++
		}
	}
	return float64(ok) / float64(len(values)) * 100
}

// percentile returns the value at index len*p/100 of the sorted values,
// clamped to the last sample. values is sorted in place.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	idx := int(float64(len(values)) * p / 100)
	if idx < 0 {
		idx = 0
	}
	return values[min(idx, len(values)-1)]
}
