package metrics

import (
	"sync/atomic"
	"time"
)

// RunMetrics tracks one orchestrator process. Safe for concurrent readers, such
// as the API server, while a run records into it.
type RunMetrics struct {
	TrainLatency      *Histogram
	CheckpointLatency *Histogram

	WindowsStarted     atomic.Uint64
	WindowsCompleted   atomic.Uint64
	CombinationsRun    atomic.Uint64
	CombinationsFailed atomic.Uint64
	Improvements       atomic.Uint64
	CheckpointsSaved   atomic.Uint64

	startTime time.Time
}

// NewRunMetrics creates an empty collector.
func NewRunMetrics() *RunMetrics {
	return &RunMetrics{
		TrainLatency:      NewHistogram(4096),
		CheckpointLatency: NewHistogram(1024),
		startTime:         time.Now(),
	}
}

// RecordCombination counts a trained combination and its duration.
func (m *RunMetrics) RecordCombination(d time.Duration, failed bool) {
	m.CombinationsRun.Add(1)
	if failed {
		m.CombinationsFailed.Add(1)
	}
	m.TrainLatency.Record(d)
}

// RecordCheckpoint counts a saved checkpoint and its duration.
func (m *RunMetrics) RecordCheckpoint(d time.Duration) {
	m.CheckpointsSaved.Add(1)
	m.CheckpointLatency.Record(d)
}

// RunStats is a point-in-time copy of RunMetrics.
type RunStats struct {
	TrainLatency       LatencyStats `json:"train_latency"`
	CheckpointLatency  LatencyStats `json:"checkpoint_latency"`
	WindowsStarted     uint64       `json:"windows_started"`
	WindowsCompleted   uint64       `json:"windows_completed"`
	CombinationsRun    uint64       `json:"combinations_run"`
	CombinationsFailed uint64       `json:"combinations_failed"`
	Improvements       uint64       `json:"improvements"`
	CheckpointsSaved   uint64       `json:"checkpoints_saved"`
	FailureRate        float64      `json:"failure_rate"`
	Uptime             string       `json:"uptime"`
}

// GetStats returns the current statistics.
func (m *RunMetrics) GetStats() *RunStats {
	run := m.CombinationsRun.Load()
	failed := m.CombinationsFailed.Load()

	rate := 0.0
	if run > 0 {
		rate = float64(failed) / float64(run) * 100
	}

	return &RunStats{
		TrainLatency:       m.TrainLatency.Stats(),
		CheckpointLatency:  m.CheckpointLatency.Stats(),
		WindowsStarted:     m.WindowsStarted.Load(),
		WindowsCompleted:   m.WindowsCompleted.Load(),
		CombinationsRun:    run,
		CombinationsFailed: failed,
		Improvements:       m.Improvements.Load(),
		CheckpointsSaved:   m.CheckpointsSaved.Load(),
		FailureRate:        rate,
		Uptime:             time.Since(m.startTime).Round(time.Second).String(),
	}
}
