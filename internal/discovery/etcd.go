package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Logger is the logging interface required by Etcd.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

const (
	etcdDialTimeout = 5 * time.Second
	defaultLeaseTTL = 10
	// DefaultPrefix is the etcd key prefix used when none is configured.
	DefaultPrefix = "/group0-lab/nodes/"
)

// Etcd is a directory backed by etcd. Nodes register their address under a
// lease kept alive for as long as the node runs, so crashed nodes disappear.
type Etcd struct {
	client *clientv3.Client
	prefix string
	logger Logger

	// LeaseTTL is the registration lease in seconds.
	LeaseTTL int64

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEtcd connects to etcd.
func NewEtcd(endpoints []string, prefix string, logger Logger) (*Etcd, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: connect to etcd: %w", err)
	}
	return &Etcd{client: cli, prefix: prefix, logger: logger, LeaseTTL: defaultLeaseTTL}, nil
}

func (e *Etcd) key(id string) string { return e.prefix + id }

// Register publishes id -> addr under a lease and keeps the lease alive until
// Close.
func (e *Etcd) Register(ctx context.Context, id, addr string) error {
	lease, err := e.client.Grant(ctx, e.LeaseTTL)
	if err != nil {
		return fmt.Errorf("discovery: grant lease: %w", err)
	}
	if _, err := e.client.Put(ctx, e.key(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery: register %s: %w", id, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := e.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("discovery: keepalive: %w", err)
	}

	e.mu.Lock()
	e.leaseID = lease.ID
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for range ch {
		}
		if kaCtx.Err() == nil {
			e.logger.Warn("etcd keepalive stopped", "node_id", id)
		}
	}()
	e.logger.Info("registered in etcd", "node_id", id, "addr", addr, "lease_id", int64(lease.ID))
	return nil
}

// Resolve implements Directory.
func (e *Etcd) Resolve(ctx context.Context, id string) (string, error) {
	resp, err := e.client.Get(ctx, e.key(id))
	if err != nil {
		return "", fmt.Errorf("discovery: resolve %s: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return string(resp.Kvs[0].Value), nil
}

// Members implements Directory.
func (e *Etcd) Members(ctx context.Context) (map[string]string, error) {
	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: list members: %w", err)
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[strings.TrimPrefix(string(kv.Key), e.prefix)] = string(kv.Value)
	}
	return out, nil
}

// Close revokes the registration and closes the client.
func (e *Etcd) Close(ctx context.Context) error {
	e.mu.Lock()
	lease, cancel := e.leaseID, e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if lease != 0 {
		if _, err := e.client.Revoke(ctx, lease); err != nil {
			e.logger.Warn("etcd lease revoke failed", "error", err)
		}
	}
	e.wg.Wait()
	return e.client.Close()
}
