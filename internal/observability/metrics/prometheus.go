//revive:disable:var-naming
//revive:disable:exported
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "group0lab"

// Prometheus exposes application metrics and can be injected into the state
// machine, proposer and raft layers. It implements group0.Metrics,
// service.Metrics and hraft.Metrics through method set compatibility, without
// importing those packages.
type Prometheus struct {
	group0ApplyBatchDuration *prometheus.HistogramVec
	group0ApplyBatchEntries  *prometheus.HistogramVec
	group0CommandTotal       *prometheus.CounterVec
	group0Halted             *prometheus.GaugeVec
	group0SnapshotTotal      *prometheus.CounterVec
	group0SnapshotBytes      *prometheus.HistogramVec
	proposalDuration         *prometheus.HistogramVec
	proposalRetryTotal       *prometheus.CounterVec
	janitorRunTotal          *prometheus.CounterVec
	raftProposeDuration      *prometheus.HistogramVec
	raftStorageErrorTotal    *prometheus.CounterVec
	raftApplyLag             *prometheus.GaugeVec
	raftIsLeader             *prometheus.GaugeVec
}

var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216}

func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Prometheus{
		group0ApplyBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "group0",
				Name:      "apply_batch_duration_seconds",
				Help:      "Time spent applying one batch of committed commands.",
				Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1},
			},
			[]string{"node_id"},
		),
		group0ApplyBatchEntries: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "group0",
				Name:      "apply_batch_entries",
				Help:      "Number of commands in an applied batch.",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
			[]string{"node_id"},
		),
		group0CommandTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "group0",
				Name:      "command_total",
				Help:      "Applied commands by change kind and outcome (applied, stale, duplicate).",
			},
			[]string{"node_id", "kind", "outcome"},
		),
		group0Halted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "group0",
				Name:      "halted",
				Help:      "1 if the state machine stopped after a fatal error, otherwise 0.",
			},
			[]string{"node_id"},
		),
		group0SnapshotTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "group0",
				Name:      "snapshot_total",
				Help:      "Snapshot operations (take, transfer, receive, load) by result.",
			},
			[]string{"node_id", "op", "result"},
		),
		group0SnapshotBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "group0",
				Name:      "snapshot_bytes",
				Help:      "Materialized or received snapshot stream size in bytes.",
				Buckets:   sizeBuckets,
			},
			[]string{"node_id", "op"},
		),
		proposalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "proposal_duration_seconds",
				Help:      "Time from starting a guarded operation to its change being applied locally.",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2},
			},
			[]string{"node_id", "op", "result"},
		),
		proposalRetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "proposal_retry_total",
				Help:      "Operations rebuilt after a concurrent modification.",
			},
			[]string{"node_id", "op"},
		),
		janitorRunTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "history_janitor_run_total",
				Help:      "History janitor passes by result.",
			},
			[]string{"node_id", "result"},
		),
		raftProposeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "propose_duration_seconds",
				Help:      "Time from handing a command to raft to its apply response.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
			},
			[]string{"node_id", "result"},
		),
		raftStorageErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "storage_error_total",
				Help:      "Raft log and stable store errors by operation.",
			},
			[]string{"node_id", "op"},
		),
		raftApplyLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "apply_lag",
				Help:      "Difference between the last log index and the applied index.",
			},
			[]string{"node_id"},
		),
		raftIsLeader: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "is_leader",
				Help:      "1 if node currently believes it is leader, otherwise 0.",
			},
			[]string{"node_id"},
		),
	}

	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Prometheus) register(reg prometheus.Registerer) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"group0 apply batch histogram", func() error { return registerOrReuse(reg, &m.group0ApplyBatchDuration) }},
		{"group0 batch entries histogram", func() error { return registerOrReuse(reg, &m.group0ApplyBatchEntries) }},
		{"group0 command counter", func() error { return registerOrReuse(reg, &m.group0CommandTotal) }},
		{"group0 halted gauge", func() error { return registerOrReuse(reg, &m.group0Halted) }},
		{"group0 snapshot counter", func() error { return registerOrReuse(reg, &m.group0SnapshotTotal) }},
		{"group0 snapshot bytes histogram", func() error { return registerOrReuse(reg, &m.group0SnapshotBytes) }},
		{"proposal duration histogram", func() error { return registerOrReuse(reg, &m.proposalDuration) }},
		{"proposal retry counter", func() error { return registerOrReuse(reg, &m.proposalRetryTotal) }},
		{"history janitor counter", func() error { return registerOrReuse(reg, &m.janitorRunTotal) }},
		{"raft propose histogram", func() error { return registerOrReuse(reg, &m.raftProposeDuration) }},
		{"raft storage error counter", func() error { return registerOrReuse(reg, &m.raftStorageErrorTotal) }},
		{"raft apply lag gauge", func() error { return registerOrReuse(reg, &m.raftApplyLag) }},
		{"raft is_leader gauge", func() error { return registerOrReuse(reg, &m.raftIsLeader) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("register %s: %w", s.name, err)
		}
	}
	return nil
}

// registerOrReuse registers *c, or points it at the collector already
// registered under the same descriptor.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(C)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func (m *Prometheus) ObserveGroup0ApplyBatchDuration(nodeID string, d time.Duration, entries int) {
	m.group0ApplyBatchDuration.WithLabelValues(nodeID).Observe(d.Seconds())
	m.group0ApplyBatchEntries.WithLabelValues(nodeID).Observe(float64(entries))
}

func (m *Prometheus) IncGroup0Command(nodeID, kind, outcome string) {
	m.group0CommandTotal.WithLabelValues(nodeID, kind, outcome).Inc()
}

func (m *Prometheus) SetGroup0Halted(nodeID string, halted bool) {
	m.group0Halted.WithLabelValues(nodeID).Set(boolGauge(halted))
}

func (m *Prometheus) IncGroup0Snapshot(nodeID, op, result string) {
	m.group0SnapshotTotal.WithLabelValues(nodeID, op, result).Inc()
}

func (m *Prometheus) ObserveGroup0SnapshotBytes(nodeID, op string, n int64) {
	if n < 0 {
		n = 0
	}
	m.group0SnapshotBytes.WithLabelValues(nodeID, op).Observe(float64(n))
}

func (m *Prometheus) ObserveGroup0ProposalDuration(nodeID, op string, d time.Duration, result string) {
	m.proposalDuration.WithLabelValues(nodeID, op, result).Observe(d.Seconds())
}

func (m *Prometheus) IncGroup0ProposalRetry(nodeID, op string) {
	m.proposalRetryTotal.WithLabelValues(nodeID, op).Inc()
}

func (m *Prometheus) IncGroup0JanitorRun(nodeID, result string) {
	m.janitorRunTotal.WithLabelValues(nodeID, result).Inc()
}

func (m *Prometheus) ObserveRaftProposeDuration(nodeID string, d time.Duration, result string) {
	m.raftProposeDuration.WithLabelValues(nodeID, result).Observe(d.Seconds())
}

func (m *Prometheus) IncRaftStorageError(nodeID, op string) {
	m.raftStorageErrorTotal.WithLabelValues(nodeID, op).Inc()
}

func (m *Prometheus) SetRaftApplyLag(nodeID string, lag int64) {
	if lag < 0 {
		lag = 0
	}
	m.raftApplyLag.WithLabelValues(nodeID).Set(float64(lag))
}

func (m *Prometheus) SetRaftIsLeader(nodeID string, isLeader bool) {
	m.raftIsLeader.WithLabelValues(nodeID).Set(boolGauge(isLeader))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
