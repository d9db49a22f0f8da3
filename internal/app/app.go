// Package app wires the raft node, the group zero state machine, and the
// transports together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"github.com/i-melnichenko/group0-lab/internal/consensus"
	"github.com/i-melnichenko/group0-lab/internal/group0"
	"github.com/i-melnichenko/group0-lab/internal/service"
	admingrpc "github.com/i-melnichenko/group0-lab/internal/transport/grpc/admin"
	metadatagrpc "github.com/i-melnichenko/group0-lab/internal/transport/grpc/metadata"
	snapshotgrpc "github.com/i-melnichenko/group0-lab/internal/transport/grpc/snapshot"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Registrar publishes this node's gRPC address for peers and clients.
// *discovery.Etcd satisfies this interface.
type Registrar interface {
	Register(ctx context.Context, id, addr string) error
	Close(ctx context.Context) error
}

// Deps are the components App runs. Registrar and Closers are optional.
type Deps struct {
	Consensus consensus.Consensus
	Machine   *group0.Machine
	Group0    *service.Group0
	Metadata  *metadatagrpc.Server
	Admin     *admingrpc.Server
	Snapshots *snapshotgrpc.Server
	Registrar Registrar
	// Closers run after everything else stopped, in order.
	Closers []func() error
}

// App wires consensus and the group zero services into a runnable node.
type App struct {
	config Config
	logger Logger
	deps   Deps
	fatal  chan error
}

// New validates dependencies and constructs a runnable application.
func New(cfg Config, logger Logger, deps Deps) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	switch {
	case deps.Consensus == nil:
		return nil, fmt.Errorf("app: nil consensus")
	case deps.Machine == nil:
		return nil, fmt.Errorf("app: nil state machine")
	case deps.Group0 == nil:
		return nil, fmt.Errorf("app: nil group0 service")
	case deps.Metadata == nil:
		return nil, fmt.Errorf("app: nil metadata server")
	case deps.Admin == nil:
		return nil, fmt.Errorf("app: nil admin server")
	case deps.Snapshots == nil:
		return nil, fmt.Errorf("app: nil snapshot server")
	}

	a := &App{config: cfg, logger: logger, deps: deps, fatal: make(chan error, 1)}
	deps.Machine.OnFatal = a.onFatal
	return a, nil
}

// onFatal runs on the apply path, so it must not block.
func (a *App) onFatal(err error) {
	select {
	case a.fatal <- err:
	default:
	}
}

// Stop stops the consensus engine and releases resources.
func (a *App) Stop() {
	if err := a.deps.Consensus.Stop(); err != nil {
		a.logger.Warn("consensus stop failed", "error", err)
	}
	a.deps.Machine.Abort()
	for _, c := range a.deps.Closers {
		if err := c(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// Run starts consensus and a shared gRPC server and blocks until shutdown or
// a fatal error.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	lis, err := net.Listen("tcp", a.config.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", a.config.GRPCAddr, err)
	}
	defer func() { _ = lis.Close() }()

	a.logger.Info(
		"node started",
		"node_id", a.config.NodeID,
		"grpc_addr", a.config.GRPCAddr,
		"raft_addr", a.config.RaftAddr,
	)

	return a.serve(ctx, lis)
}

// serve registers gRPC services, starts goroutines, and blocks until ctx is
// canceled or a fatal error occurs.
func (a *App) serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(deadlineInterceptor(a.config.ProposalTimeout)))
	metadatagrpc.Register(server, a.deps.Metadata)
	admingrpc.Register(server, a.deps.Admin)
	snapshotgrpc.Register(server, a.deps.Snapshots)

	metricsSrv, metricsLis, err := a.metricsServer()
	if err != nil {
		return err
	}
	pprofSrv, pprofLis, err := a.pprofServer()
	if err != nil {
		return err
	}

	errCh := make(chan error, 5)

	go func() {
		if err := a.deps.Consensus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("consensus: %w", err)
		}
	}()
	go func() {
		err := a.deps.Group0.RunHistoryJanitor(ctx, a.config.HistoryGCInterval)
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("history janitor: %w", err)
		}
	}()
	go func() {
		if err := server.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	if metricsSrv != nil {
		go func() {
			if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics serve: %w", err)
			}
		}()
		defer shutdownHTTPServer(metricsSrv, a.logger, "metrics")
	}
	if pprofSrv != nil {
		go func() {
			if err := pprofSrv.Serve(pprofLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("pprof serve: %w", err)
			}
		}()
		defer shutdownHTTPServer(pprofSrv, a.logger, "pprof")
	}

	if r := a.deps.Registrar; r != nil {
		if err := r.Register(ctx, a.config.NodeID, a.config.GRPCAdvertiseAddr()); err != nil {
			server.Stop()
			return err
		}
		defer func() {
			rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer rcancel()
			if err := r.Close(rctx); err != nil {
				a.logger.Warn("discovery deregister failed", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		server.GracefulStop()
		return nil
	case err := <-a.fatal:
		server.Stop()
		return fmt.Errorf("state machine halted: %w", err)
	case err := <-errCh:
		server.Stop()
		return err
	}
}

// deadlineInterceptor bounds requests that arrive without a deadline, so a
// proposal never waits forever for a commit.
func deadlineInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok || timeout <= 0 {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return handler(ctx, req)
	}
}
