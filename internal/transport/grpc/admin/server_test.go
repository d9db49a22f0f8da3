package admingrpc_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/i-melnichenko/group0-lab/internal/broadcast"
	"github.com/i-melnichenko/group0-lab/internal/catalog"
	"github.com/i-melnichenko/group0-lab/internal/consensus/hraft"
	"github.com/i-melnichenko/group0-lab/internal/discovery"
	"github.com/i-melnichenko/group0-lab/internal/group0"
	"github.com/i-melnichenko/group0-lab/internal/stateid"
	"github.com/i-melnichenko/group0-lab/internal/storage"
	admingrpc "github.com/i-melnichenko/group0-lab/internal/transport/grpc/admin"
)

const bufSize = 1 << 20

var testTracer = noop.NewTracerProvider().Tracer("test/admingrpc")

type stubRaft struct {
	state       hraft.AdminState
	snapshotErr error
	snapshots   int
}

func (s *stubRaft) AdminState() hraft.AdminState { return s.state }

func (s *stubRaft) Snapshot() error {
	s.snapshots++
	return s.snapshotErr
}

func newMachine(t *testing.T) *group0.Machine {
	t.Helper()
	e, err := storage.OpenInMemory(slog.Default())
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	m, err := group0.New(e,
		catalog.New(e, slog.Default(), testTracer),
		broadcast.NewStore(e, slog.Default(), testTracer),
		slog.Default(), testTracer, nil)
	if err != nil {
		t.Fatalf("group0.New() error = %v", err)
	}
	m.NodeID = "n1"
	return m
}

func applyPut(t *testing.T, m *group0.Machine, id stateid.ID, description, key, value string) {
	t.Helper()
	q, err := broadcast.Update(key, value, nil).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	h, err := group0.NewHistoryAppend(id, description, nil)
	if err != nil {
		t.Fatalf("NewHistoryAppend() error = %v", err)
	}
	raw, err := group0.Encode(group0.Command{Change: group0.BroadcastQuery{Query: q}, HistoryAppend: h, NewStateID: id})
	if err != nil {
		t.Fatalf("group0.Encode() error = %v", err)
	}
	if _, err := m.Apply(context.Background(), [][]byte{raw}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
}

func startServer(t *testing.T, s *admingrpc.Server) *admingrpc.Client {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	admingrpc.Register(srv, s)
	go func() { _ = srv.Serve(lis) }()

	c, err := admingrpc.Dial("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		srv.GracefulStop()
	})
	return c
}

func TestGetNodeInfo(t *testing.T) {
	m := newMachine(t)
	id := stateid.NewGenerator().Next()
	applyPut(t, m, id, "", "k", "v")

	raft := &stubRaft{state: hraft.AdminState{
		NodeID:       "n1",
		State:        "leader",
		LeaderID:     "n1",
		LeaderAddr:   "127.0.0.1:7001",
		Term:         "4",
		LastLogIndex: 12,
		AppliedIndex: 11,
		LastContact:  time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC),
		Members:      []string{"n1", "n2", "n3"},
	}}
	dir := discovery.Static{"n1": "127.0.0.1:9001", "n2": "127.0.0.1:9002"}
	c := startServer(t, admingrpc.NewServer("n1", m, raft, dir))

	info, err := c.NodeInfo(context.Background())
	if err != nil {
		t.Fatalf("NodeInfo: %v", err)
	}
	if info["node_id"] != "n1" || info["status"] != string(group0.StatusHealthy) {
		t.Fatalf("NodeInfo = %v", info)
	}
	if info["current_state_id"] != id.String() {
		t.Fatalf("current_state_id = %v, want %s", info["current_state_id"], id)
	}
	r, ok := info["raft"].(map[string]any)
	if !ok {
		t.Fatalf("raft section missing: %v", info)
	}
	if r["state"] != "leader" || r["applied_index"] != float64(11) || len(r["members"].([]any)) != 3 {
		t.Fatalf("raft section = %v", r)
	}
	if r["last_contact"] != "2024-04-01T10:00:00Z" {
		t.Fatalf("last_contact = %v", r["last_contact"])
	}
	peers, ok := info["peers"].(map[string]any)
	if !ok || peers["n2"] != "127.0.0.1:9002" {
		t.Fatalf("peers = %v", info["peers"])
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	m := newMachine(t)
	ids := stateid.NewGenerator()
	applyPut(t, m, ids.Next(), "first", "a", "1")
	applyPut(t, m, ids.Next(), "second", "b", "2")
	c := startServer(t, admingrpc.NewServer("n1", m, nil, nil))

	entries, err := c.History(context.Background(), 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 || entries[0]["description"] != "second" || entries[1]["description"] != "first" {
		t.Fatalf("History = %v", entries)
	}

	entries, err = c.History(context.Background(), 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("History(1) = %v, %v", entries, err)
	}
}

func TestSnapshotControls(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	id := stateid.NewGenerator().Next()
	applyPut(t, m, id, "", "k", "v")
	c := startServer(t, admingrpc.NewServer("n1", m, nil, nil))

	snap, err := c.TakeSnapshot(ctx)
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	if snap["state_id"] != id.String() || snap["id"] == "" {
		t.Fatalf("TakeSnapshot = %v", snap)
	}
	snapID := snap["id"].(string)

	list, err := c.Snapshots(ctx)
	if err != nil || len(list) != 1 || list[0]["id"] != snapID {
		t.Fatalf("Snapshots = %v, %v", list, err)
	}

	if err := c.LoadSnapshot(ctx, snapID); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if err := c.DropSnapshot(ctx, snapID); err != nil {
		t.Fatalf("DropSnapshot: %v", err)
	}
	if err := c.DropSnapshot(ctx, snapID); status.Code(err) != codes.NotFound {
		t.Fatalf("second DropSnapshot: expected NotFound, got %v", err)
	}
	if err := c.LoadSnapshot(ctx, snapID); status.Code(err) != codes.NotFound {
		t.Fatalf("LoadSnapshot after drop: expected NotFound, got %v", err)
	}
}

func TestTransferSnapshot_Errors(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	c := startServer(t, admingrpc.NewServer("n1", m, nil, nil))

	if err := c.TransferSnapshot(ctx, "", "n2"); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("missing id: expected InvalidArgument, got %v", err)
	}
	if err := c.TransferSnapshot(ctx, "nope", "n2"); status.Code(err) != codes.NotFound {
		t.Fatalf("unknown snapshot: expected NotFound, got %v", err)
	}
}

func TestRaftSnapshot(t *testing.T) {
	m := newMachine(t)

	if err := startServer(t, admingrpc.NewServer("n1", m, nil, nil)).RaftSnapshot(context.Background()); status.Code(err) != codes.Unimplemented {
		t.Fatalf("expected Unimplemented without raft, got %v", err)
	}

	raft := &stubRaft{snapshotErr: errors.New("nothing new to snapshot")}
	err := startServer(t, admingrpc.NewServer("n1", m, raft, nil)).RaftSnapshot(context.Background())
	if status.Code(err) != codes.FailedPrecondition || raft.snapshots != 1 {
		t.Fatalf("RaftSnapshot = %v after %d calls", err, raft.snapshots)
	}
}
