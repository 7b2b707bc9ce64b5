// Package slo evaluates service-level objectives over rolling windows of
// recorded samples and rolls them up into a health summary.
package slo

import (
	"fmt"
	"time"
)

// Status is the evaluation result of one SLO or of the whole system.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// severity orders statuses for the worst-of roll-up.
func (s Status) severity() int {
	switch s {
	case StatusCritical:
		return 3
	case StatusWarning:
		return 2
	case StatusUnknown:
		return 1
	default:
		return 0
	}
}

// Worst returns the most severe of the given statuses, ranked
// critical > warning > unknown > healthy.
func Worst(statuses ...Status) Status {
	worst := StatusHealthy
	for _, s := range statuses {
		if s.severity() > worst.severity() {
			worst = s
		}
	}
	return worst
}

// Comparison is how a threshold SLO compares its current value.
type Comparison string

const (
	LessThan    Comparison = "less_than"
	GreaterThan Comparison = "greater_than"
)

// CriticalBuffer is the success-rate shortfall, in percentage points, above
// which a breach is critical instead of a warning.
const CriticalBuffer = 5.0

// Target describes one SLO. Availability targets leave Comparison empty and
// are judged by success rate alone. Threshold targets (latency, lag) take
// the TargetPercentage percentile of the window and compare it against
// ThresholdValue.
type Target struct {
	Name             string        `json:"name"`
	Metric           string        `json:"metric"`
	TargetPercentage float64       `json:"target_percentage"`
	TimeWindow       time.Duration `json:"time_window"`
	ThresholdValue   float64       `json:"threshold_value,omitempty"`
	Comparison       Comparison    `json:"comparison,omitempty"`
}

// HasThreshold reports whether the target compares against ThresholdValue.
func (t Target) HasThreshold() bool {
	return t.Comparison != ""
}

// Validate checks the target's fields.
func (t Target) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("slo: name is required")
	}
	if t.Metric == "" {
		return fmt.Errorf("slo %q: metric is required", t.Name)
	}
	if t.TargetPercentage <= 0 || t.TargetPercentage > 100 {
		return fmt.Errorf("slo %q: target percentage must be in (0, 100]", t.Name)
	}
	switch t.Comparison {
	case "", LessThan, GreaterThan:
	default:
		return fmt.Errorf("slo %q: unknown comparison %q", t.Name, t.Comparison)
	}
	return nil
}

// Evaluate judges one measurement. successRate is a percentage.
func (t Target) Evaluate(currentValue, successRate float64) Status {
	if successRate < t.TargetPercentage {
		if t.TargetPercentage-successRate > CriticalBuffer {
			return StatusCritical
		}
		return StatusWarning
	}
	if t.HasThreshold() {
		switch t.Comparison {
		case LessThan:
			if currentValue >= t.ThresholdValue {
				return StatusWarning
			}
		case GreaterThan:
			if currentValue <= t.ThresholdValue {
				return StatusWarning
			}
		}
	}
	return StatusHealthy
}

// Metric names the delivery core records samples under.
const (
	MetricPublishSuccess    = "event_publish_success"
	MetricProcessingSuccess = "event_processing_success"
	MetricProcessingLatency = "event_processing_latency_seconds"
	MetricConsumerLag       = "consumer_lag_messages"
)

// DefaultTargets returns the built-in SLOs.
func DefaultTargets() []Target {
	return []Target{
		{
			Name:             "event_publish_availability",
			Metric:           MetricPublishSuccess,
			TargetPercentage: 99.9,
			TimeWindow:       5 * time.Minute,
		},
		{
			Name:             "event_processing_availability",
			Metric:           MetricProcessingSuccess,
			TargetPercentage: 99.5,
			TimeWindow:       5 * time.Minute,
		},
		{
			Name:             "event_processing_latency_p95",
			Metric:           MetricProcessingLatency,
			TargetPercentage: 95,
			TimeWindow:       5 * time.Minute,
			ThresholdValue:   1.0,
			Comparison:       LessThan,
		},
		{
			Name:             "consumer_lag",
			Metric:           MetricConsumerLag,
			TargetPercentage: 95,
			TimeWindow:       5 * time.Minute,
			ThresholdValue:   1000,
			Comparison:       LessThan,
		},
	}
}
