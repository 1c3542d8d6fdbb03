package stats

import (
	"time"

	"github.com/loadtest-orchestrator/internal/registry"
)

// Summary is the reported metrics shape, field names matching the result
// payload of the test API.
type Summary struct {
	RequestsSent       int64   `json:"requests_sent"`
	BytesSent          int64   `json:"bytes_sent"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	DurationSeconds    float64 `json:"duration"`
	RequestsPerSecond  float64 `json:"requests_per_second"`
	SuccessRate        float64 `json:"success_rate"`
}

// Snapshot derives the summary from a test's raw counters without mutating
// them. Before the test starts everything is zero. While running, elapsed
// time is measured against the wall clock; once terminal it is frozen to the
// observed run duration, which can be shorter than requested when stopped
// early.
func Snapshot(t *registry.Test) Summary {
	status := t.Status()
	if status == registry.StatusQueued {
		return Summary{}
	}

	start, end := t.Times()
	if start.IsZero() {
		// Failed before ever running; no meaningful elapsed time.
		return build(t.Metrics(), 0)
	}
	var elapsed float64
	if status.Terminal() {
		elapsed = end.Sub(start).Seconds()
	} else {
		elapsed = time.Since(start).Seconds()
	}

	counters := t.Metrics()
	return build(counters, elapsed)
}

func build(c registry.CounterSnapshot, elapsed float64) Summary {
	s := Summary{
		RequestsSent:       c.Attempts,
		BytesSent:          c.BytesSent,
		SuccessfulRequests: c.Successes,
		FailedRequests:     c.Failures,
		DurationSeconds:    elapsed,
	}

	if elapsed > 0 {
		s.RequestsPerSecond = float64(c.Successes) / elapsed
	}
	if attempts := c.Successes + c.Failures; attempts > 0 {
		s.SuccessRate = float64(c.Successes) / float64(attempts) * 100.0
	}

	return s
}
