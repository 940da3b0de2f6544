package monitor

import "time"

// OpSample is one completed data-access operation.
type OpSample struct {
	Op       string        `json:"op"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
}

// OpMetrics aggregates samples of one operation.
type OpMetrics struct {
	Op            string         `json:"op"`
	Count         int            `json:"count"`
	Errors        int            `json:"errors"`
	ByStatus      map[string]int `json:"by_status"`
	TotalDuration time.Duration  `json:"total_duration"`
	MaxDuration   time.Duration  `json:"max_duration"`
}

// Summary is a snapshot of all operations seen since the last reset.
type Summary struct {
	Ops       map[string]OpMetrics `json:"ops"`
	StartTime time.Time            `json:"start_time"`
	EndTime   time.Time            `json:"end_time"`
}

// StatusOK is the status label of a successful operation.
const StatusOK = "ok"
