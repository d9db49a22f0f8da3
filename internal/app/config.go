package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains runtime settings for a node process.
type Config struct {
	NodeID   string `yaml:"node_id"`
	LogLevel string `yaml:"log_level"`

	// GRPCAddr serves the metadata, admin and snapshot services.
	GRPCAddr string `yaml:"grpc_addr"`
	// AdvertiseGRPCAddr is the address other nodes and clients dial; it
	// defaults to GRPCAddr.
	AdvertiseGRPCAddr string `yaml:"advertise_grpc_addr"`
	RaftAddr          string `yaml:"raft_addr"`
	AdvertiseRaftAddr string `yaml:"advertise_raft_addr"`
	DataDir           string `yaml:"data_dir"`

	// Peers lists raft voters as "id=host:port", this node included.
	Peers []string `yaml:"peers"`
	// PeerGRPCAddrs lists the gRPC address of each node as "id=host:port".
	PeerGRPCAddrs []string `yaml:"peer_grpc_addrs"`
	// Bootstrap forms a new cluster from Peers on first start.
	Bootstrap bool `yaml:"bootstrap"`

	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	EtcdPrefix    string   `yaml:"etcd_prefix"`

	MetricsAddr        string `yaml:"metrics_addr"`
	PprofAddr          string `yaml:"pprof_addr"`
	TracingEnabled     bool   `yaml:"tracing_enabled"`
	TracingEndpoint    string `yaml:"tracing_endpoint"`
	TracingServiceName string `yaml:"tracing_service_name"`

	// HistoryRetention attaches history GC to every proposal; zero keeps
	// history forever.
	HistoryRetention  time.Duration `yaml:"history_retention"`
	HistoryGCInterval time.Duration `yaml:"history_gc_interval"`
	// ProposalTimeout bounds client requests that arrive without a deadline.
	ProposalTimeout time.Duration `yaml:"proposal_timeout"`

	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	// LoadPushedSnapshots asks receivers to load the snapshots this node
	// transfers as soon as they are validated.
	LoadPushedSnapshots bool `yaml:"load_pushed_snapshots"`
	// AcceptSnapshotLoads lets peers load pushed snapshots on this node. Loads
	// are still refused while the node is in the raft configuration.
	AcceptSnapshotLoads bool `yaml:"accept_snapshot_loads"`
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	return Config{
		NodeID:             "node-1",
		LogLevel:           "info",
		GRPCAddr:           ":8080",
		RaftAddr:           "127.0.0.1:9090",
		DataDir:            "./var/node-1",
		TracingEndpoint:    "localhost:4317",
		TracingServiceName: "group0-lab",
		HistoryGCInterval:  time.Minute,
		ProposalTimeout:    5 * time.Second,
		SnapshotThreshold:  1024,
	}
}

// LoadConfigFromEnv loads config from an optional YAML file and environment
// variables. The file named by APP_CONFIG_FILE is read first; env vars
// override it.
//
// Supported vars:
// - APP_CONFIG_FILE
// - APP_NODE_ID
// - APP_LOG_LEVEL (debug|info|warn|error)
// - APP_GRPC_ADDR, APP_ADVERTISE_GRPC_ADDR
// - APP_RAFT_ADDR, APP_ADVERTISE_RAFT_ADDR
// - APP_DATA_DIR
// - APP_PEERS (comma-separated id=host:port raft addresses)
// - APP_PEER_GRPC_ADDRS (comma-separated id=host:port gRPC addresses)
// - APP_BOOTSTRAP (bool)
// - APP_ETCD_ENDPOINTS (comma-separated), APP_ETCD_PREFIX
// - APP_METRICS_ADDR, APP_PPROF_ADDR
// - APP_TRACING_ENABLED (bool), APP_TRACING_ENDPOINT, APP_TRACING_SERVICE_NAME
// - APP_HISTORY_RETENTION, APP_HISTORY_GC_INTERVAL, APP_PROPOSAL_TIMEOUT (durations)
// - APP_SNAPSHOT_THRESHOLD (uint), APP_SNAPSHOT_INTERVAL (duration)
// - APP_LOAD_PUSHED_SNAPSHOTS, APP_ACCEPT_SNAPSHOT_LOADS (bool)
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	str := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = splitCSV(v)
		}
	}

	str("APP_NODE_ID", &cfg.NodeID)
	str("APP_LOG_LEVEL", &cfg.LogLevel)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	str("APP_GRPC_ADDR", &cfg.GRPCAddr)
	str("APP_ADVERTISE_GRPC_ADDR", &cfg.AdvertiseGRPCAddr)
	str("APP_RAFT_ADDR", &cfg.RaftAddr)
	str("APP_ADVERTISE_RAFT_ADDR", &cfg.AdvertiseRaftAddr)
	str("APP_DATA_DIR", &cfg.DataDir)
	list("APP_PEERS", &cfg.Peers)
	list("APP_PEER_GRPC_ADDRS", &cfg.PeerGRPCAddrs)
	list("APP_ETCD_ENDPOINTS", &cfg.EtcdEndpoints)
	str("APP_ETCD_PREFIX", &cfg.EtcdPrefix)
	str("APP_METRICS_ADDR", &cfg.MetricsAddr)
	str("APP_PPROF_ADDR", &cfg.PprofAddr)
	str("APP_TRACING_ENDPOINT", &cfg.TracingEndpoint)
	str("APP_TRACING_SERVICE_NAME", &cfg.TracingServiceName)

	for _, b := range []struct {
		name string
		dst  *bool
	}{
		{"APP_BOOTSTRAP", &cfg.Bootstrap},
		{"APP_TRACING_ENABLED", &cfg.TracingEnabled},
		{"APP_LOAD_PUSHED_SNAPSHOTS", &cfg.LoadPushedSnapshots},
		{"APP_ACCEPT_SNAPSHOT_LOADS", &cfg.AcceptSnapshotLoads},
	} {
		if v := strings.TrimSpace(os.Getenv(b.name)); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return Config{}, fmt.Errorf("app: invalid %s %q: %w", b.name, v, err)
			}
			*b.dst = parsed
		}
	}
	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"APP_HISTORY_RETENTION", &cfg.HistoryRetention},
		{"APP_HISTORY_GC_INTERVAL", &cfg.HistoryGCInterval},
		{"APP_PROPOSAL_TIMEOUT", &cfg.ProposalTimeout},
		{"APP_SNAPSHOT_INTERVAL", &cfg.SnapshotInterval},
	} {
		if v := strings.TrimSpace(os.Getenv(d.name)); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("app: invalid %s %q: %w", d.name, v, err)
			}
			*d.dst = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SNAPSHOT_THRESHOLD")); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_SNAPSHOT_THRESHOLD %q: %w", v, err)
		}
		cfg.SnapshotThreshold = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	//nolint:gosec // the config path is chosen by the operator.
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("app: read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("app: parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that required settings are present and supported.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("app: node id is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if strings.TrimSpace(c.GRPCAddr) == "" {
		return fmt.Errorf("app: grpc addr is required")
	}
	if strings.TrimSpace(c.RaftAddr) == "" {
		return fmt.Errorf("app: raft addr is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("app: data dir is required")
	}
	if c.HistoryRetention < 0 || c.HistoryGCInterval < 0 || c.ProposalTimeout < 0 || c.SnapshotInterval < 0 {
		return fmt.Errorf("app: durations must not be negative")
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		return fmt.Errorf("app: tracing endpoint is required when tracing is enabled")
	}
	if _, err := c.PeerAddrMap(); err != nil {
		return err
	}
	if _, err := c.PeerGRPCAddrMap(); err != nil {
		return err
	}
	return nil
}

// PeerAddrMap parses Peers into a map of peer-id -> raft address. Each entry
// is either "host:port" (peer ID equals address) or "peer-id=host:port".
func (c Config) PeerAddrMap() (map[string]string, error) {
	return parsePeers(c.Peers)
}

// PeerGRPCAddrMap parses PeerGRPCAddrs like PeerAddrMap.
func (c Config) PeerGRPCAddrMap() (map[string]string, error) {
	return parsePeers(c.PeerGRPCAddrs)
}

// GRPCAdvertiseAddr is the gRPC address other nodes use for this node.
func (c Config) GRPCAdvertiseAddr() string {
	if c.AdvertiseGRPCAddr != "" {
		return c.AdvertiseGRPCAddr
	}
	return c.GRPCAddr
}

func parsePeers(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		id := raw
		addr := raw
		if left, right, ok := strings.Cut(raw, "="); ok {
			id = strings.TrimSpace(left)
			addr = strings.TrimSpace(right)
		}

		if id == "" || addr == "" {
			return nil, fmt.Errorf("app: invalid peer entry %q", raw)
		}
		if _, exists := out[id]; exists {
			return nil, fmt.Errorf("app: duplicate peer id %q", id)
		}
		out[id] = addr
	}
	return out, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
