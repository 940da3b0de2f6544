package monitor

import (
	"sync"
	"time"
)

// Collector receives one sample per completed operation.
type Collector interface {
	Record(sample OpSample)
}

type InMemoryCollector struct {
	mu        sync.RWMutex
	ops       map[string]OpMetrics
	startTime time.Time
}

func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		ops:       make(map[string]OpMetrics),
		startTime: time.Now(),
	}
}

func (c *InMemoryCollector) Record(sample OpSample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.ops[sample.Op]
	if !ok {
		m = OpMetrics{Op: sample.Op, ByStatus: make(map[string]int)}
	}
	m.Count++
	m.ByStatus[sample.Status]++
	if sample.Status != StatusOK {
		m.Errors++
	}
	m.TotalDuration += sample.Duration
	if sample.Duration > m.MaxDuration {
		m.MaxDuration = sample.Duration
	}
	c.ops[sample.Op] = m
}

func (c *InMemoryCollector) Flush() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops := make(map[string]OpMetrics, len(c.ops))
	for k, v := range c.ops {
		byStatus := make(map[string]int, len(v.ByStatus))
		for s, n := range v.ByStatus {
			byStatus[s] = n
		}
		v.ByStatus = byStatus
		ops[k] = v
	}

	return Summary{
		Ops:       ops,
		StartTime: c.startTime,
		EndTime:   time.Now(),
	}
}

func (c *InMemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = make(map[string]OpMetrics)
	c.startTime = time.Now()
}

type NoOpCollector struct{}

func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (c *NoOpCollector) Record(sample OpSample) {}

// Multi fans samples out to several collectors.
type Multi []Collector

func (m Multi) Record(sample OpSample) {
	for _, c := range m {
		c.Record(sample)
	}
}
