package provider

import (
	"sync"
	"time"
)

// SourceHealth captures availability and reliability counters for one
// provider, updated on every read attempt.
type SourceHealth struct {
	Available    bool      `json:"available"`
	LastSuccess  time.Time `json:"last_success"`
	LastError    string    `json:"last_error"`
	SuccessCount int       `json:"success_count"`
	ErrorCount   int       `json:"error_count"`
	SuccessRate  float64   `json:"success_rate"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
}

// healthTracker accumulates SourceHealth counters. Safe for concurrent use
// by a provider's polling goroutine and health queries.
type healthTracker struct {
	mu sync.Mutex
	h  SourceHealth
}

func (t *healthTracker) recordSuccess(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.h.Available = true
	t.h.LastSuccess = time.Now()
	t.h.SuccessCount++
	latencyMs := float64(latency.Milliseconds())
	if t.h.AvgLatencyMs == 0 {
		t.h.AvgLatencyMs = latencyMs
	} else {
		t.h.AvgLatencyMs = (t.h.AvgLatencyMs + latencyMs) / 2
	}
	t.updateRateLocked()
}

func (t *healthTracker) recordError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.h.LastError = err.Error()
	t.h.ErrorCount++
	t.updateRateLocked()
}

func (t *healthTracker) setAvailable(available bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Available = available
}

func (t *healthTracker) snapshot() SourceHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}

func (t *healthTracker) updateRateLocked() {
	total := t.h.SuccessCount + t.h.ErrorCount
	if total > 0 {
		t.h.SuccessRate = float64(t.h.SuccessCount) / float64(total)
	}
}
