// Package metrics aggregates dispatch statistics from the event bus.
package metrics

import (
	"sync"
	"time"

	"github.com/normanking/dispatch/internal/bus"
)

// Collector subscribes to the event bus and aggregates service metrics.
type Collector struct {
	bus     *bus.Bus
	mu      sync.RWMutex
	subID   bus.SubscriptionID
	started time.Time
	stopped bool

	snapshot Snapshot
}

// Snapshot holds accumulated service metrics.
type Snapshot struct {
	StartTime       time.Time        `json:"start_time"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	DispatchCount   int64            `json:"dispatch_count"`
	SuccessCount    int64            `json:"success_count"`
	FailureCount    int64            `json:"failure_count"`
	EscalationCount int64            `json:"escalation_count"`
	LLMCalls        int64            `json:"llm_calls"`
	LLMErrors       int64            `json:"llm_errors"`
	MemoryErrors    int64            `json:"memory_errors"`
	EvictedSessions int64            `json:"evicted_sessions"`
	TotalLatencyMs  int64            `json:"total_latency_ms"`
	ByCategory      map[string]int64 `json:"by_category"`
	ErrorsByKind    map[string]int64 `json:"errors_by_kind"`
	LastEventAt     time.Time        `json:"last_event_at,omitempty"`
}

// AverageLatencyMs returns the mean end-to-end dispatch latency.
func (s Snapshot) AverageLatencyMs() float64 {
	if s.DispatchCount == 0 {
		return 0
	}
	return float64(s.TotalLatencyMs) / float64(s.DispatchCount)
}

// NewCollector creates a metrics collector over the given bus.
func NewCollector(b *bus.Bus) *Collector {
	now := time.Now()
	return &Collector{
		bus:     b,
		started: now,
		snapshot: Snapshot{
			StartTime:    now,
			ByCategory:   make(map[string]int64),
			ErrorsByKind: make(map[string]int64),
		},
	}
}

// Start begins listening to the event bus.
func (c *Collector) Start() {
	if c.bus == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.subID != "" {
		return
	}
	c.subID = c.bus.Subscribe("", c.handleEvent)
}

// Stop stops listening.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true

	if c.subID != "" {
		c.bus.Unsubscribe(c.subID)
		c.subID = ""
	}
}

// GetSnapshot returns a copy of the current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := c.snapshot
	snap.UptimeSeconds = int64(time.Since(c.started).Seconds())

	snap.ByCategory = make(map[string]int64, len(c.snapshot.ByCategory))
	for k, v := range c.snapshot.ByCategory {
		snap.ByCategory[k] = v
	}
	snap.ErrorsByKind = make(map[string]int64, len(c.snapshot.ErrorsByKind))
	for k, v := range c.snapshot.ErrorsByKind {
		snap.ErrorsByKind[k] = v
	}
	return snap
}

// handleEvent folds one event into the aggregate counters.
func (c *Collector) handleEvent(event bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshot.LastEventAt = event.Timestamp

	switch event.Type {
	case bus.EventDispatchComplete:
		c.snapshot.DispatchCount++
		c.snapshot.SuccessCount++
		c.snapshot.TotalLatencyMs += event.DurationMs
		if event.Category != "" {
			c.snapshot.ByCategory[event.Category]++
		}

	case bus.EventDispatchFailed:
		c.snapshot.DispatchCount++
		c.snapshot.FailureCount++
		c.snapshot.TotalLatencyMs += event.DurationMs
		if event.Category != "" {
			c.snapshot.ByCategory[event.Category]++
		}
		if event.ErrorKind != "" {
			c.snapshot.ErrorsByKind[event.ErrorKind]++
		}

	case bus.EventTierEscalated:
		c.snapshot.EscalationCount++

	case bus.EventLLMRequest:
		c.snapshot.LLMCalls++

	case bus.EventLLMError:
		c.snapshot.LLMErrors++
		if event.ErrorKind != "" {
			c.snapshot.ErrorsByKind[event.ErrorKind]++
		}

	case bus.EventMemoryError:
		c.snapshot.MemoryErrors++

	case bus.EventSessionsEvicted:
		c.snapshot.EvictedSessions += event.Count
	}
}
