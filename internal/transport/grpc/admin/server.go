// Package admingrpc exposes node introspection and operator snapshot
// controls. Messages are protobuf well-known types, so the service needs no
// generated code.
package admingrpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/i-melnichenko/group0-lab/internal/consensus/hraft"
	"github.com/i-melnichenko/group0-lab/internal/discovery"
	"github.com/i-melnichenko/group0-lab/internal/group0"
	"github.com/i-melnichenko/group0-lab/internal/stateid"
	"github.com/i-melnichenko/group0-lab/internal/transport/grpc/wire"
)

const (
	serviceName = "group0lab.admin.v1.AdminService"

	methodGetNodeInfo      = "GetNodeInfo"
	methodHistory          = "History"
	methodListSnapshots    = "ListSnapshots"
	methodTakeSnapshot     = "TakeSnapshot"
	methodTransferSnapshot = "TransferSnapshot"
	methodLoadSnapshot     = "LoadSnapshot"
	methodDropSnapshot     = "DropSnapshot"
	methodRaftSnapshot     = "RaftSnapshot"

	defaultHistoryLimit = 20
)

// RaftInspector is the subset of *hraft.Node required by the admin gRPC
// server. *hraft.Node satisfies this interface.
type RaftInspector interface {
	AdminState() hraft.AdminState
	Snapshot() error
}

// Machine is the subset of *group0.Machine required by the admin gRPC
// server. *group0.Machine satisfies this interface.
type Machine interface {
	Status() group0.Status
	Err() error
	CurrentStateID() stateid.ID
	History(limit int) ([]group0.HistoryEntry, error)
	Snapshots() []group0.SnapshotDescriptor
	TakeSnapshot(ctx context.Context) (group0.SnapshotDescriptor, error)
	TransferSnapshot(ctx context.Context, dest string, desc group0.SnapshotDescriptor) error
	LoadSnapshot(ctx context.Context, id group0.SnapshotID) error
	DropSnapshot(id group0.SnapshotID)
}

type adminServer interface {
	admin()
}

// Server implements the admin service.
type Server struct {
	nodeID  string
	machine Machine
	raft    RaftInspector
	dir     discovery.Directory
}

// NewServer creates an admin gRPC server adapter. raft and dir may be nil.
func NewServer(nodeID string, machine Machine, raft RaftInspector, dir discovery.Directory) *Server {
	return &Server{nodeID: nodeID, machine: machine, raft: raft, dir: dir}
}

func (*Server) admin() {}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodGetNodeInfo, (*Server).GetNodeInfo),
		unary(methodHistory, (*Server).History),
		unary(methodListSnapshots, (*Server).ListSnapshots),
		unary(methodTakeSnapshot, (*Server).TakeSnapshot),
		unary(methodTransferSnapshot, (*Server).TransferSnapshot),
		unary(methodLoadSnapshot, (*Server).LoadSnapshot),
		unary(methodDropSnapshot, (*Server).DropSnapshot),
		unary(methodRaftSnapshot, (*Server).RaftSnapshot),
	},
	Metadata: "group0lab/admin/v1/admin.proto",
}

// Register attaches the admin service to srv.
func Register(srv grpc.ServiceRegistrar, s *Server) {
	srv.RegisterService(&serviceDesc, s)
}

// unary declares a method whose request and response are protobuf messages.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](method string, fn func(*Server, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, m any) (any, error) {
				return fn(srv.(*Server), ctx, m.(PReq))
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: wire.FullMethod(serviceName, method)}
			return interceptor(ctx, in, info, call)
		},
	}
}

// GetNodeInfo returns administrative information about the current node.
func (s *Server) GetNodeInfo(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	info := map[string]any{
		"node_id":          s.nodeID,
		"status":           string(s.machine.Status()),
		"current_state_id": stateString(s.machine.CurrentStateID()),
		"snapshots":        float64(len(s.machine.Snapshots())),
	}
	if err := s.machine.Err(); err != nil {
		info["error"] = err.Error()
	}
	if s.raft != nil {
		rs := s.raft.AdminState()
		members := make([]any, 0, len(rs.Members))
		for _, m := range rs.Members {
			members = append(members, m)
		}
		raftInfo := map[string]any{
			"state":          rs.State,
			"leader_id":      rs.LeaderID,
			"leader_addr":    rs.LeaderAddr,
			"term":           rs.Term,
			"last_log_index": float64(rs.LastLogIndex),
			"applied_index":  float64(rs.AppliedIndex),
			"members":        members,
		}
		if !rs.LastContact.IsZero() {
			raftInfo["last_contact"] = rs.LastContact.UTC().Format(time.RFC3339Nano)
		}
		info["raft"] = raftInfo
	}
	if s.dir != nil {
		peers, err := s.dir.Members(ctx)
		if err == nil {
			out := make(map[string]any, len(peers))
			for _, id := range discovery.SortedIDs(peers) {
				out[id] = peers[id]
			}
			info["peers"] = out
		}
	}
	return toStruct(info)
}

// History returns the newest history entries, newest first. A zero limit
// means the default.
func (s *Server) History(_ context.Context, req *wrapperspb.Int32Value) (*structpb.Struct, error) {
	limit := int(req.GetValue())
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	entries, err := s.machine.History(limit)
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	list := make([]any, 0, len(entries))
	for _, e := range entries {
		list = append(list, map[string]any{
			"state_id":    e.StateID.String(),
			"time":        e.Time().UTC().Format(time.RFC3339Nano),
			"description": e.Description,
		})
	}
	return toStruct(map[string]any{"entries": list})
}

// ListSnapshots lists the snapshots registered on this node.
func (s *Server) ListSnapshots(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	descs := s.machine.Snapshots()
	list := make([]any, 0, len(descs))
	for _, d := range descs {
		list = append(list, snapshotInfo(d))
	}
	return toStruct(map[string]any{"snapshots": list})
}

// TakeSnapshot captures the current state on this node.
func (s *Server) TakeSnapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	d, err := s.machine.TakeSnapshot(ctx)
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	return toStruct(snapshotInfo(d))
}

// TransferSnapshot streams a registered snapshot to another node. The request
// carries "id" and "dest".
func (s *Server) TransferSnapshot(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	id := group0.SnapshotID(fields["id"].GetStringValue())
	dest := fields["dest"].GetStringValue()
	if id == "" || dest == "" {
		return nil, status.Error(codes.InvalidArgument, "id and dest are required")
	}
	desc, ok := s.lookup(id)
	if !ok {
		return nil, toGRPCStatus(fmt.Errorf("%w: %s", group0.ErrUnknownSnapshot, id))
	}
	if err := s.machine.TransferSnapshot(ctx, dest, desc); err != nil {
		return nil, toGRPCStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// LoadSnapshot replaces this node's state with a registered snapshot.
func (s *Server) LoadSnapshot(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.machine.LoadSnapshot(ctx, group0.SnapshotID(req.GetValue())); err != nil {
		return nil, toGRPCStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// DropSnapshot releases a registered snapshot.
func (s *Server) DropSnapshot(_ context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	id := group0.SnapshotID(req.GetValue())
	if _, ok := s.lookup(id); !ok {
		return nil, toGRPCStatus(fmt.Errorf("%w: %s", group0.ErrUnknownSnapshot, id))
	}
	s.machine.DropSnapshot(id)
	return &emptypb.Empty{}, nil
}

// RaftSnapshot asks the replication layer to snapshot and compact its log.
func (s *Server) RaftSnapshot(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	if s.raft == nil {
		return nil, status.Error(codes.Unimplemented, "no replication layer")
	}
	if err := s.raft.Snapshot(); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) lookup(id group0.SnapshotID) (group0.SnapshotDescriptor, bool) {
	for _, d := range s.machine.Snapshots() {
		if d.ID == id {
			return d, true
		}
	}
	return group0.SnapshotDescriptor{}, false
}

func snapshotInfo(d group0.SnapshotDescriptor) map[string]any {
	return map[string]any{
		"id":       string(d.ID),
		"state_id": stateString(d.StateID),
		"taken_at": d.TakenAt.UTC().Format(time.RFC3339Nano),
	}
}

func stateString(id stateid.ID) string {
	if id.IsNil() {
		return ""
	}
	return id.String()
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func toGRPCStatus(err error) error {
	switch {
	case errors.Is(err, group0.ErrUnknownSnapshot):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, group0.ErrSnapshotExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, group0.ErrSnapshotCorrupt):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, group0.ErrHalted), errors.Is(err, group0.ErrAborted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, discovery.ErrUnknownPeer):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, group0.ErrTransferFailed):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
