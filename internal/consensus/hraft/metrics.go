package hraft

import "time"

// Metrics captures Raft-layer metric sinks used by the node adapter.
type Metrics interface {
	SetRaftIsLeader(nodeID string, isLeader bool)
	SetRaftApplyLag(nodeID string, lag int64)
	IncRaftStorageError(nodeID, op string)
	ObserveRaftProposeDuration(nodeID string, d time.Duration, result string)
}

type noopMetrics struct{}

func (noopMetrics) SetRaftIsLeader(string, bool)                              {}
func (noopMetrics) SetRaftApplyLag(string, int64)                             {}
func (noopMetrics) IncRaftStorageError(string, string)                        {}
func (noopMetrics) ObserveRaftProposeDuration(string, time.Duration, string) {}
