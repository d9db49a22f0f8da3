package metadatagrpc_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/i-melnichenko/group0-lab/internal/broadcast"
	"github.com/i-melnichenko/group0-lab/internal/catalog"
	"github.com/i-melnichenko/group0-lab/internal/service"
	"github.com/i-melnichenko/group0-lab/internal/stateid"
	metadatagrpc "github.com/i-melnichenko/group0-lab/internal/transport/grpc/metadata"
)

const bufSize = 1 << 20

// stubNode is a test double for the schema, broadcast and leader services.
type stubNode struct {
	id     string
	leader bool

	keyspaces []catalog.Keyspace
	values    map[string]string

	nextID stateid.ID
	err    error

	lastKeyspace  *catalog.Keyspace
	lastDrop      [2]string
	lastCondition *string
	calls         int
}

func (s *stubNode) change() (stateid.ID, error) {
	s.calls++
	if !s.leader {
		return stateid.Nil, service.ErrNotLeader
	}
	return s.nextID, s.err
}

func (s *stubNode) CreateKeyspace(_ context.Context, ks catalog.Keyspace, _ bool) (stateid.ID, error) {
	s.lastKeyspace = &ks
	return s.change()
}

func (s *stubNode) DropKeyspace(context.Context, string, bool) (stateid.ID, error) {
	return s.change()
}

func (s *stubNode) CreateTable(context.Context, catalog.Table, bool) (stateid.ID, error) {
	return s.change()
}

func (s *stubNode) DropTable(_ context.Context, ks, name string, _ bool) (stateid.ID, error) {
	s.lastDrop = [2]string{ks, name}
	return s.change()
}

func (s *stubNode) CreateType(context.Context, catalog.UserType, bool) (stateid.ID, error) {
	return s.change()
}

func (s *stubNode) DropType(context.Context, string, string, bool) (stateid.ID, error) {
	return s.change()
}

func (s *stubNode) Keyspaces() ([]catalog.Keyspace, error) { return s.keyspaces, nil }

func (s *stubNode) Describe(name string) (service.KeyspaceDescription, error) {
	for _, ks := range s.keyspaces {
		if ks.Name == name {
			return service.KeyspaceDescription{
				Keyspace: ks,
				Tables:   []catalog.Table{{Keyspace: name, Name: "users", ID: "t-1"}},
			}, nil
		}
	}
	return service.KeyspaceDescription{}, fmt.Errorf("%w: %s", catalog.ErrKeyspaceNotFound, name)
}

func (s *stubNode) Get(_ context.Context, key string) (broadcast.Result, error) {
	if _, err := s.change(); err != nil {
		return broadcast.Result{}, err
	}
	v, ok := s.values[key]
	return broadcast.Result{Kind: broadcast.SelectResult, Value: v, Found: ok}, nil
}

func (s *stubNode) Put(_ context.Context, key, value string, condition *string) (broadcast.Result, error) {
	if _, err := s.change(); err != nil {
		return broadcast.Result{}, err
	}
	s.lastCondition = condition
	prev, ok := s.values[key]
	if condition == nil {
		s.values[key] = value
		return broadcast.Result{Kind: broadcast.NoneResult}, nil
	}
	applied := ok && prev == *condition
	if applied {
		s.values[key] = value
	}
	return broadcast.Result{Kind: broadcast.ConditionalUpdateResult, Applied: applied, Found: ok, Previous: prev}, nil
}

func (s *stubNode) LocalGet(key string) (string, bool, error) {
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *stubNode) IsLeader() bool { return s.leader }

func (s *stubNode) Leader() (string, string) {
	if s.leader {
		return s.id, s.id + ":7000"
	}
	return "", ""
}

func dialOptions(lis *bufconn.Listener) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

// startServer spins up an in-process gRPC server backed by node.
func startServer(t *testing.T, node *stubNode) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	metadatagrpc.Register(srv, metadatagrpc.NewServer(node, node, node))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.GracefulStop)
	return lis
}

func dial(t *testing.T, node *stubNode) *metadatagrpc.Client {
	t.Helper()
	lis := startServer(t, node)
	c, err := metadatagrpc.Dial("passthrough:///bufconn", dialOptions(lis)...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestApplySchema_RoundTrip(t *testing.T) {
	id := stateid.NewGenerator().Next()
	node := &stubNode{id: "n1", leader: true, nextID: id}
	c := dial(t, node)

	resp, err := c.ApplySchema(context.Background(), metadatagrpc.SchemaStatement{
		Op:       metadatagrpc.OpCreateKeyspace,
		Keyspace: &catalog.Keyspace{Name: "ks", Replication: map[string]string{"class": "SimpleStrategy"}, DurableWrites: true},
	})
	if err != nil {
		t.Fatalf("ApplySchema: %v", err)
	}
	if !resp.Changed || resp.StateID != id.String() {
		t.Fatalf("response = %+v, want state %s", resp, id)
	}
	if node.lastKeyspace == nil || node.lastKeyspace.Replication["class"] != "SimpleStrategy" {
		t.Fatalf("handler got keyspace %+v", node.lastKeyspace)
	}

	if _, err := c.ApplySchema(context.Background(), metadatagrpc.SchemaStatement{
		Op: metadatagrpc.OpDropTable, KeyspaceName: "ks", Name: "users",
	}); err != nil {
		t.Fatalf("ApplySchema(drop table): %v", err)
	}
	if node.lastDrop != [2]string{"ks", "users"} {
		t.Fatalf("handler got drop target %v", node.lastDrop)
	}
}

func TestApplySchema_NoOpReportsUnchanged(t *testing.T) {
	c := dial(t, &stubNode{id: "n1", leader: true})

	resp, err := c.ApplySchema(context.Background(), metadatagrpc.SchemaStatement{
		Op: metadatagrpc.OpDropKeyspace, Name: "missing", IfExists: true,
	})
	if err != nil {
		t.Fatalf("ApplySchema: %v", err)
	}
	if resp.Changed || resp.StateID != "" {
		t.Fatalf("expected unchanged response, got %+v", resp)
	}
}

func TestApplySchema_ErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"exists", catalog.ErrKeyspaceExists, codes.AlreadyExists},
		{"not found", catalog.ErrTableNotFound, codes.NotFound},
		{"invalid", catalog.ErrInvalidDefinition, codes.InvalidArgument},
		{"in use", catalog.ErrTypeInUse, codes.InvalidArgument},
		{"raced", service.ErrConcurrentModification, codes.Aborted},
		{"timeout", service.ErrCommitTimeout, codes.Unavailable},
		{"other", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, &stubNode{id: "n1", leader: true, err: tt.err})
			_, err := c.ApplySchema(context.Background(), metadatagrpc.SchemaStatement{
				Op: metadatagrpc.OpCreateType, Type: &catalog.UserType{Keyspace: "ks", Name: "addr"},
			})
			if status.Code(err) != tt.want {
				t.Fatalf("code = %v, want %v (err %v)", status.Code(err), tt.want, err)
			}
		})
	}
}

func TestApplySchema_MissingDefinition(t *testing.T) {
	node := &stubNode{id: "n1", leader: true}
	c := dial(t, node)

	for _, op := range []metadatagrpc.StatementOp{metadatagrpc.OpCreateTable, "alter_everything"} {
		_, err := c.ApplySchema(context.Background(), metadatagrpc.SchemaStatement{Op: op})
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("%s: expected InvalidArgument, got %v", op, err)
		}
	}
	if node.calls != 0 {
		t.Fatalf("invalid statements must not reach the service")
	}
}

func TestClient_NotLeader(t *testing.T) {
	c := dial(t, &stubNode{id: "n2"})

	_, err := c.BroadcastPut(context.Background(), "k", "v", nil)
	if !errors.Is(err, metadatagrpc.ErrNotLeader) {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	c := dial(t, &stubNode{id: "n1", keyspaces: []catalog.Keyspace{{Name: "ks"}}})

	d, err := c.Describe(context.Background(), "ks")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if d.Keyspace.Name != "ks" || len(d.Tables) != 1 || d.Tables[0].Name != "users" {
		t.Fatalf("Describe = %+v", d)
	}
	if _, err := c.Describe(context.Background(), "nope"); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestClusterClient_RoutesChangesToLeader(t *testing.T) {
	follower := &stubNode{id: "n1", values: map[string]string{"k": "stale"}}
	leader := &stubNode{id: "n2", leader: true, values: map[string]string{"k": "v1"}}

	// passthrough targets let one dialer pick the listener per address.
	listeners := map[string]*bufconn.Listener{
		"n1": startServer(t, follower),
		"n2": startServer(t, leader),
	}
	cc, err := metadatagrpc.DialCluster([]string{"passthrough:///n1", "passthrough:///n2"},
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return listeners[addr].DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("DialCluster: %v", err)
	}
	defer func() { _ = cc.Close() }()

	ctx := context.Background()
	cond := "v1"
	res, err := cc.BroadcastPut(ctx, "k", "v2", &cond)
	if err != nil {
		t.Fatalf("BroadcastPut: %v", err)
	}
	if !res.Applied || res.Previous != "v1" {
		t.Fatalf("result = %+v, want applied over v1", res)
	}
	if leader.lastCondition == nil || *leader.lastCondition != "v1" {
		t.Fatalf("condition lost on the wire: %v", leader.lastCondition)
	}

	got, err := cc.BroadcastGet(ctx, "k")
	if err != nil {
		t.Fatalf("BroadcastGet: %v", err)
	}
	if got.Kind != broadcast.SelectResult || got.Value != "v2" || !got.Found {
		t.Fatalf("BroadcastGet = %+v", got)
	}

	info, err := cc.Leader(ctx)
	if err != nil || info.ID != "n2" || !info.Self {
		t.Fatalf("Leader() = %+v, %v", info, err)
	}
}

func TestClusterClient_NoLeader(t *testing.T) {
	listeners := map[string]*bufconn.Listener{
		"n1": startServer(t, &stubNode{id: "n1"}),
		"n2": startServer(t, &stubNode{id: "n2"}),
	}
	cc, err := metadatagrpc.DialCluster([]string{"passthrough:///n1", "passthrough:///n2"},
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return listeners[addr].DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("DialCluster: %v", err)
	}
	defer func() { _ = cc.Close() }()

	_, err = cc.ApplySchema(context.Background(), metadatagrpc.SchemaStatement{Op: metadatagrpc.OpDropKeyspace, Name: "ks"})
	if !errors.Is(err, metadatagrpc.ErrNoLeader) {
		t.Fatalf("expected ErrNoLeader, got %v", err)
	}
}
