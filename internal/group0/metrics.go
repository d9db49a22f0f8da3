package group0

import "time"

// Metrics captures state machine metric sinks.
type Metrics interface {
	ObserveGroup0ApplyBatchDuration(nodeID string, d time.Duration, entries int)
	IncGroup0Command(nodeID, kind, outcome string)
	SetGroup0Halted(nodeID string, halted bool)
	IncGroup0Snapshot(nodeID, op, result string)
	ObserveGroup0SnapshotBytes(nodeID, op string, n int64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveGroup0ApplyBatchDuration(string, time.Duration, int) {}
func (noopMetrics) IncGroup0Command(string, string, string)                    {}
func (noopMetrics) SetGroup0Halted(string, bool)                               {}
func (noopMetrics) IncGroup0Snapshot(string, string, string)                   {}
func (noopMetrics) ObserveGroup0SnapshotBytes(string, string, int64)           {}
