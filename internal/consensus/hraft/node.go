// Package hraft runs group zero on top of hashicorp/raft. The raft library
// handles leader election, log replication and snapshot shipping; this package
// adapts it to consensus.Consensus and stores its log in the node's Pebble
// engine.
package hraft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/i-melnichenko/group0-lab/internal/consensus"
	"github.com/i-melnichenko/group0-lab/internal/group0"
	"github.com/i-melnichenko/group0-lab/internal/storage"
)

// ErrNilLogger is returned when NewNode is called without a logger.
var ErrNilLogger = errors.New("hraft: nil logger")

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config describes one raft replica.
type Config struct {
	NodeID string
	// BindAddr is the TCP address raft listens on; AdvertiseAddr, when set,
	// is the address peers dial.
	BindAddr      string
	AdvertiseAddr string
	// DataDir holds raft snapshot files.
	DataDir string
	// Bootstrap forms a new cluster from Peers when no raft state exists yet.
	Bootstrap bool
	// Peers maps every voter id, this node included, to its raft address.
	Peers map[string]string

	SnapshotThreshold uint64
	SnapshotInterval  time.Duration
	RetainSnapshots   int

	// Zero keeps the library defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
}

// Node is a raft replica driving a group zero state machine.
type Node struct {
	id      string
	raft    *raft.Raft
	trans   raft.Transport
	logger  Logger
	tracer  oteltrace.Tracer
	metrics Metrics
}

var _ consensus.Consensus = (*Node)(nil)

// NewNode opens the raft log on engine, snapshot files under cfg.DataDir and
// a TCP transport on cfg.BindAddr.
func NewNode(cfg Config, machine *group0.Machine, engine *storage.Engine, logger Logger, tracer oteltrace.Tracer, metrics Metrics) (*Node, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	logOut := logWriter{logger: logger}

	snapDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, fmt.Errorf("hraft: create snapshot dir: %w", err)
	}
	retain := cfg.RetainSnapshots
	if retain <= 0 {
		retain = 2
	}
	snaps, err := raft.NewFileSnapshotStore(snapDir, retain, logOut)
	if err != nil {
		return nil, fmt.Errorf("hraft: snapshot store: %w", err)
	}

	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.BindAddr
	}
	addr, err := net.ResolveTCPAddr("tcp", advertise)
	if err != nil {
		return nil, fmt.Errorf("hraft: resolve %q: %w", advertise, err)
	}
	trans, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, logOut)
	if err != nil {
		return nil, fmt.Errorf("hraft: transport: %w", err)
	}

	store := NewLogStore(engine, cfg.NodeID, metrics)
	n, err := newNode(cfg, NewFSM(machine, logger), store, store, snaps, trans, logger, tracer, metrics)
	if err != nil {
		_ = trans.Close()
		return nil, err
	}
	return n, nil
}

func newNode(cfg Config, fsm raft.FSM, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore, trans raft.Transport, logger Logger, tracer oteltrace.Tracer, metrics Metrics) (*Node, error) {
	if metrics == nil {
		metrics = noopMetrics{}
	}

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.LogOutput = logWriter{logger: logger}
	// The state machine is durable; raft only replays entries after the last
	// snapshot index on restart.
	conf.NoSnapshotRestoreOnStart = true
	if cfg.SnapshotThreshold > 0 {
		conf.SnapshotThreshold = cfg.SnapshotThreshold
	}
	if cfg.SnapshotInterval > 0 {
		conf.SnapshotInterval = cfg.SnapshotInterval
	}
	if cfg.HeartbeatTimeout > 0 {
		conf.HeartbeatTimeout = cfg.HeartbeatTimeout
		conf.LeaderLeaseTimeout = cfg.HeartbeatTimeout
	}
	if cfg.ElectionTimeout > 0 {
		conf.ElectionTimeout = cfg.ElectionTimeout
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logs, stable, snaps)
		if err != nil {
			return nil, fmt.Errorf("hraft: inspect state: %w", err)
		}
		if !hasState {
			if err := raft.BootstrapCluster(conf, logs, stable, snaps, trans, bootstrapConfiguration(cfg, trans)); err != nil {
				return nil, fmt.Errorf("hraft: bootstrap: %w", err)
			}
			logger.Info("raft cluster bootstrapped", "node_id", cfg.NodeID, "voters", len(cfg.Peers))
		}
	}

	r, err := raft.NewRaft(conf, fsm, logs, stable, snaps, trans)
	if err != nil {
		return nil, fmt.Errorf("hraft: start raft: %w", err)
	}
	return &Node{
		id:      cfg.NodeID,
		raft:    r,
		trans:   trans,
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
	}, nil
}

func bootstrapConfiguration(cfg Config, trans raft.Transport) raft.Configuration {
	servers := []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: trans.LocalAddr()}}
	for id, addr := range cfg.Peers {
		if id == cfg.NodeID {
			continue
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return raft.Configuration{Servers: servers}
}

func (n *Node) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx, span := n.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("raft.node_id", n.id))
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func spanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

// Run reports leadership changes and apply lag until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	obsCh := make(chan raft.Observation, 16)
	obs := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	n.raft.RegisterObserver(obs)
	defer n.raft.DeregisterObserver(obs)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	n.metrics.SetRaftIsLeader(n.id, n.IsLeader())
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-obsCh:
			lo := o.Data.(raft.LeaderObservation)
			isLeader := string(lo.LeaderID) == n.id
			n.metrics.SetRaftIsLeader(n.id, isLeader)
			n.logger.Info("raft leader changed",
				"node_id", n.id,
				"leader_id", string(lo.LeaderID),
				"leader_addr", string(lo.LeaderAddr),
			)
		case <-ticker.C:
			lag := int64(n.raft.LastIndex()) - int64(n.raft.AppliedIndex())
			n.metrics.SetRaftApplyLag(n.id, lag)
		}
	}
}

// Propose implements consensus.Consensus. The ctx deadline bounds both
// enqueueing and the wait for the local apply.
func (n *Node) Propose(ctx context.Context, cmd []byte) (any, error) {
	ctx, span := n.startSpan(ctx, "raft.Propose", attribute.Int("raft.command.bytes", len(cmd)))
	defer span.End()
	start := time.Now()

	f := n.raft.Apply(cmd, timeoutFrom(ctx))
	if err := n.wait(ctx, f); err != nil {
		spanRecordError(span, err)
		n.metrics.ObserveRaftProposeDuration(n.id, time.Since(start), resultLabel(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int64("raft.log.index", int64(f.Index())))
	n.metrics.ObserveRaftProposeDuration(n.id, time.Since(start), "ok")

	resp := f.Response()
	if err, ok := resp.(error); ok && err != nil {
		spanRecordError(span, err)
		return nil, err
	}
	return resp, nil
}

// Barrier implements consensus.Consensus.
func (n *Node) Barrier(ctx context.Context) error {
	ctx, span := n.startSpan(ctx, "raft.Barrier")
	defer span.End()
	err := n.wait(ctx, n.raft.Barrier(timeoutFrom(ctx)))
	spanRecordError(span, err)
	return err
}

func (n *Node) wait(ctx context.Context, f raft.Future) error {
	done := make(chan error, 1)
	go func() { done <- f.Error() }()
	select {
	case err := <-done:
		return mapError(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func timeoutFrom(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return 0
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return fmt.Errorf("%w: %w", consensus.ErrNotLeader, err)
	case errors.Is(err, raft.ErrRaftShutdown):
		return fmt.Errorf("%w: %w", consensus.ErrStopped, err)
	case errors.Is(err, raft.ErrEnqueueTimeout):
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, consensus.ErrNotLeader):
		return "not_leader"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, consensus.ErrStopped):
		return "stopped"
	}
	return "error"
}

// IsLeader implements consensus.Consensus.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader implements consensus.Consensus.
func (n *Node) Leader() (string, string) {
	addr, id := n.raft.LeaderWithID()
	return string(id), string(addr)
}

// IsMember reports whether this node appears in the latest raft
// configuration with any suffrage. Members receive state only through the log
// and raft snapshots. An unreadable configuration counts as membership.
func (n *Node) IsMember() bool {
	f := n.raft.GetConfiguration()
	if f.Error() != nil {
		return true
	}
	for _, s := range f.Configuration().Servers {
		if string(s.ID) == n.id {
			return true
		}
	}
	return false
}

// Stop shuts raft down and closes its transport.
func (n *Node) Stop() error {
	err := n.raft.Shutdown().Error()
	if c, ok := n.trans.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Snapshot asks raft to snapshot the state machine and compact its log.
func (n *Node) Snapshot() error {
	err := n.raft.Snapshot().Error()
	if errors.Is(err, raft.ErrNothingNewToSnapshot) {
		return nil
	}
	return err
}

// AdminState is a point-in-time view of the replica for admin APIs.
type AdminState struct {
	NodeID       string
	State        string
	LeaderID     string
	LeaderAddr   string
	Term         string
	LastLogIndex uint64
	AppliedIndex uint64
	LastContact  time.Time
	Members      []string
}

// AdminState returns a read-only view of the replica.
func (n *Node) AdminState() AdminState {
	leaderAddr, leaderID := n.raft.LeaderWithID()
	stats := n.raft.Stats()
	out := AdminState{
		NodeID:       n.id,
		State:        strings.ToLower(n.raft.State().String()),
		LeaderID:     string(leaderID),
		LeaderAddr:   string(leaderAddr),
		Term:         stats["term"],
		LastLogIndex: n.raft.LastIndex(),
		AppliedIndex: n.raft.AppliedIndex(),
		LastContact:  n.raft.LastContact(),
	}
	if f := n.raft.GetConfiguration(); f.Error() == nil {
		for _, s := range f.Configuration().Servers {
			out.Members = append(out.Members, string(s.ID))
		}
		sort.Strings(out.Members)
	}
	return out
}

// logWriter routes raft's line-oriented log output through slog.
type logWriter struct {
	logger Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	switch {
	case strings.Contains(line, "[ERROR]"):
		w.logger.Error("raft", "msg", line)
	case strings.Contains(line, "[WARN]"):
		w.logger.Warn("raft", "msg", line)
	default:
		w.logger.Debug("raft", "msg", line)
	}
	return len(p), nil
}
