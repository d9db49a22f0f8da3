package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"

	"github.com/i-melnichenko/group0-lab/internal/broadcast"
	"github.com/i-melnichenko/group0-lab/internal/catalog"
	"github.com/i-melnichenko/group0-lab/internal/group0"
	"github.com/i-melnichenko/group0-lab/internal/storage"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"APP_CONFIG_FILE", "APP_NODE_ID", "APP_LOG_LEVEL", "APP_GRPC_ADDR", "APP_RAFT_ADDR",
		"APP_DATA_DIR", "APP_PEERS", "APP_PEER_GRPC_ADDRS", "APP_BOOTSTRAP",
		"APP_HISTORY_RETENTION", "APP_SNAPSHOT_THRESHOLD", "APP_ETCD_ENDPOINTS",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_NODE_ID", "n2")
	t.Setenv("APP_LOG_LEVEL", "DEBUG")
	t.Setenv("APP_PEERS", "n1=10.0.0.1:9090, n2=10.0.0.2:9090")
	t.Setenv("APP_BOOTSTRAP", "true")
	t.Setenv("APP_HISTORY_RETENTION", "24h")
	t.Setenv("APP_SNAPSHOT_THRESHOLD", "64")
	t.Setenv("APP_ETCD_ENDPOINTS", "etcd-0:2379,etcd-1:2379")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.NodeID != "n2" || cfg.LogLevel != "debug" || !cfg.Bootstrap {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.HistoryRetention != 24*time.Hour || cfg.SnapshotThreshold != 64 {
		t.Fatalf("retention %v threshold %d", cfg.HistoryRetention, cfg.SnapshotThreshold)
	}
	if !reflect.DeepEqual(cfg.EtcdEndpoints, []string{"etcd-0:2379", "etcd-1:2379"}) {
		t.Fatalf("etcd endpoints = %v", cfg.EtcdEndpoints)
	}
	peers, err := cfg.PeerAddrMap()
	if err != nil {
		t.Fatalf("PeerAddrMap() error = %v", err)
	}
	if peers["n1"] != "10.0.0.1:9090" || len(peers) != 2 {
		t.Fatalf("peers = %v", peers)
	}
	if cfg.GRPCAdvertiseAddr() != cfg.GRPCAddr {
		t.Fatalf("advertise addr should default to the listen addr")
	}
}

func TestLoadConfigFromEnv_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "node.yaml")
	yml := []byte(`
node_id: from-file
data_dir: /var/lib/group0
history_retention: 1h
peer_grpc_addrs:
  - n1=10.0.0.1:8080
`)
	if err := os.WriteFile(path, yml, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("APP_NODE_ID", "from-env")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.NodeID != "from-env" {
		t.Fatalf("env must override the file, got %q", cfg.NodeID)
	}
	if cfg.DataDir != "/var/lib/group0" || cfg.HistoryRetention != time.Hour {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.ProposalTimeout != DefaultConfig().ProposalTimeout {
		t.Fatalf("defaults must survive the file, got %v", cfg.ProposalTimeout)
	}
	grpcPeers, err := cfg.PeerGRPCAddrMap()
	if err != nil || grpcPeers["n1"] != "10.0.0.1:8080" {
		t.Fatalf("PeerGRPCAddrMap() = %v, %v", grpcPeers, err)
	}
}

func TestLoadConfigFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name, env, value string
	}{
		{"duration", "APP_HISTORY_RETENTION", "forever"},
		{"bool", "APP_BOOTSTRAP", "sometimes"},
		{"uint", "APP_SNAPSHOT_THRESHOLD", "-1"},
		{"log level", "APP_LOG_LEVEL", "verbose"},
		{"peers", "APP_PEERS", "n1=a:1,n1=b:2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.env, tt.value)
			if _, err := LoadConfigFromEnv(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.env, tt.value)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"node id", func(c *Config) { c.NodeID = " " }},
		{"grpc addr", func(c *Config) { c.GRPCAddr = "" }},
		{"raft addr", func(c *Config) { c.RaftAddr = "" }},
		{"data dir", func(c *Config) { c.DataDir = "" }},
		{"negative retention", func(c *Config) { c.HistoryRetention = -time.Second }},
		{"tracing endpoint", func(c *Config) { c.TracingEnabled = true; c.TracingEndpoint = "" }},
		{"bad peer", func(c *Config) { c.PeerGRPCAddrs = []string{"=x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestDeadlineInterceptor(t *testing.T) {
	handler := func(ctx context.Context, _ any) (any, error) {
		d, _ := ctx.Deadline()
		return d, nil
	}
	icpt := deadlineInterceptor(time.Second)

	got, _ := icpt(context.Background(), nil, &grpc.UnaryServerInfo{}, handler)
	if got.(time.Time).IsZero() {
		t.Fatalf("request without deadline must get one")
	}

	want := time.Now().Add(time.Hour)
	ctx, cancel := context.WithDeadline(context.Background(), want)
	defer cancel()
	got, _ = icpt(ctx, nil, &grpc.UnaryServerInfo{}, handler)
	if !got.(time.Time).Equal(want) {
		t.Fatalf("caller deadline must be kept, got %v", got)
	}
}

func TestHealthz(t *testing.T) {
	e, err := storage.OpenInMemory(discardLogger{})
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	defer func() { _ = e.Close() }()
	tracer := noop.NewTracerProvider().Tracer("test/app")
	m, err := group0.New(e, catalog.New(e, discardLogger{}, tracer), broadcast.NewStore(e, discardLogger{}, tracer), discardLogger{}, tracer, nil)
	if err != nil {
		t.Fatalf("group0.New() error = %v", err)
	}
	a := &App{deps: Deps{Machine: m}}

	rec := httptest.NewRecorder()
	a.healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy node: status %d", rec.Code)
	}

	m.Abort()
	rec = httptest.NewRecorder()
	a.healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("aborted node: status %d", rec.Code)
	}
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
