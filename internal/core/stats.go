package core

import "time"

// ConnectionStats is a point-in-time snapshot of connection quality,
// keyed by metric name. Produced on demand, never persisted.
type ConnectionStats struct {
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// StatsFilter reshapes or selects metrics before delivery. nil means
// pass-through.
type StatsFilter func(ConnectionStats) ConnectionStats

// StatsSink receives snapshots from the statistics monitor.
type StatsSink func(ConnectionStats)
