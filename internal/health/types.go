package health

import "time"

// ProbeResult records the outcome of a single connectivity probe.
// Probe failures are data, not errors; the Error field carries the
// message for diagnostics only.
type ProbeResult struct {
	Target    string        `json:"target"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ConnectionStats summarizes the recent probe window for the primary.
type ConnectionStats struct {
	SuccessRate    float64       `json:"successRate"`
	AverageLatency time.Duration `json:"averageLatency"`
	RecentFailures int           `json:"recentFailures"`
}

// Status is a point-in-time snapshot of primary store health.
type Status struct {
	PrimaryHealthy      bool            `json:"isPrimaryHealthy"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	Stats               ConnectionStats `json:"connectionStats"`
	LastCheck           time.Time       `json:"lastHealthCheck"`
}

// ReplicaHealth tracks one configured read replica.
type ReplicaHealth struct {
	ID          string        `json:"id"`
	Healthy     bool          `json:"healthy"`
	Latency     time.Duration `json:"latency"`
	LastChecked time.Time     `json:"lastChecked"`
}
