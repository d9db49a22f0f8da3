package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/i-melnichenko/group0-lab/internal/broadcast"
	"github.com/i-melnichenko/group0-lab/internal/catalog"
	"github.com/i-melnichenko/group0-lab/internal/consensus/hraft"
	"github.com/i-melnichenko/group0-lab/internal/discovery"
	"github.com/i-melnichenko/group0-lab/internal/group0"
	"github.com/i-melnichenko/group0-lab/internal/observability/metrics"
	"github.com/i-melnichenko/group0-lab/internal/service"
	"github.com/i-melnichenko/group0-lab/internal/stateid"
	"github.com/i-melnichenko/group0-lab/internal/storage"
	admingrpc "github.com/i-melnichenko/group0-lab/internal/transport/grpc/admin"
	metadatagrpc "github.com/i-melnichenko/group0-lab/internal/transport/grpc/metadata"
	snapshotgrpc "github.com/i-melnichenko/group0-lab/internal/transport/grpc/snapshot"
)

const tracerName = "github.com/i-melnichenko/group0-lab"

// Build opens the node's storage and constructs every component described by
// cfg. The returned App owns them; call Stop to release them.
func Build(cfg Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	raftPeers, err := cfg.PeerAddrMap()
	if err != nil {
		return nil, err
	}
	grpcPeers, err := cfg.PeerGRPCAddrMap()
	if err != nil {
		return nil, err
	}

	var closers []func() error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	prom, err := metrics.NewPrometheus(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	tracer := otel.Tracer(tracerName)

	engine, err := storage.Open(filepath.Join(cfg.DataDir, "pebble"), logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, engine.Close)

	cat := catalog.New(engine, logger, tracer)
	kv := broadcast.NewStore(engine, logger, tracer)
	machine, err := group0.New(engine, cat, kv, logger, tracer, prom)
	if err != nil {
		return fail(err)
	}
	machine.NodeID = cfg.NodeID
	machine.SnapshotDir = filepath.Join(cfg.DataDir, "snapshots")

	dir := discovery.Directory(discovery.Static(grpcPeers))
	var registrar Registrar
	if len(cfg.EtcdEndpoints) > 0 {
		etcd, err := discovery.NewEtcd(cfg.EtcdEndpoints, cfg.EtcdPrefix, logger)
		if err != nil {
			return fail(err)
		}
		registrar = etcd
		dir = discovery.Chain{etcd, dir}
	}

	sender := snapshotgrpc.NewSender(dir, grpc.WithTransportCredentials(insecure.NewCredentials()))
	sender.LoadOnReceive = cfg.LoadPushedSnapshots
	machine.Transport = sender
	closers = append(closers, sender.Close)

	node, err := hraft.NewNode(hraft.Config{
		NodeID:            cfg.NodeID,
		BindAddr:          cfg.RaftAddr,
		AdvertiseAddr:     cfg.AdvertiseRaftAddr,
		DataDir:           cfg.DataDir,
		Bootstrap:         cfg.Bootstrap,
		Peers:             raftPeers,
		SnapshotThreshold: cfg.SnapshotThreshold,
		SnapshotInterval:  cfg.SnapshotInterval,
	}, machine, engine, logger, tracer, prom)
	if err != nil {
		if registrar != nil {
			_ = registrar.Close(context.Background())
		}
		return fail(fmt.Errorf("app: start raft: %w", err))
	}

	g0 := service.NewGroup0(node, machine, stateid.NewGenerator(), logger, tracer, prom, cfg.NodeID)
	g0.Creator = group0.Creator{ID: cfg.NodeID, Addr: cfg.GRPCAdvertiseAddr()}
	g0.HistoryRetention = cfg.HistoryRetention

	deps := Deps{
		Consensus: node,
		Machine:   machine,
		Group0:    g0,
		Metadata: metadatagrpc.NewServer(
			service.NewSchema(g0, cat),
			service.NewBroadcast(g0, kv),
			g0,
		),
		Admin:     admingrpc.NewServer(cfg.NodeID, machine, node, dir),
		Snapshots: newSnapshotServer(cfg, machine, node, logger),
		Registrar: registrar,
		Closers:   reverse(closers),
	}
	a, err := New(cfg, logger, deps)
	if err != nil {
		_ = node.Stop()
		return fail(err)
	}
	return a, nil
}

func reverse(fns []func() error) []func() error {
	out := make([]func() error, 0, len(fns))
	for i := len(fns) - 1; i >= 0; i-- {
		out = append(out, fns[i])
	}
	return out
}

// newSnapshotServer accepts pushed snapshots. Loading one is allowed only when
// configured and only while this node is outside the raft configuration.
func newSnapshotServer(cfg Config, machine *group0.Machine, node *hraft.Node, logger Logger) *snapshotgrpc.Server {
	srv := snapshotgrpc.NewServer(machine, logger)
	if cfg.AcceptSnapshotLoads {
		srv.LoadGuard = func(context.Context) error {
			if node.IsMember() {
				return errRaftMember
			}
			return nil
		}
	}
	return srv
}

var errRaftMember = errors.New("node is a raft member, state changes must arrive through raft")
