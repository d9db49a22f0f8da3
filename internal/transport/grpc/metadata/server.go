package metadatagrpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/group0-lab/internal/broadcast"
	"github.com/i-melnichenko/group0-lab/internal/catalog"
	"github.com/i-melnichenko/group0-lab/internal/group0"
	"github.com/i-melnichenko/group0-lab/internal/service"
	"github.com/i-melnichenko/group0-lab/internal/stateid"
	"github.com/i-melnichenko/group0-lab/internal/transport/grpc/wire"
)

// SchemaHandler is the subset of *service.Schema required by the gRPC server.
// *service.Schema satisfies this interface.
type SchemaHandler interface {
	CreateKeyspace(ctx context.Context, ks catalog.Keyspace, ifNotExists bool) (stateid.ID, error)
	DropKeyspace(ctx context.Context, name string, ifExists bool) (stateid.ID, error)
	CreateTable(ctx context.Context, t catalog.Table, ifNotExists bool) (stateid.ID, error)
	DropTable(ctx context.Context, ks, name string, ifExists bool) (stateid.ID, error)
	CreateType(ctx context.Context, t catalog.UserType, ifNotExists bool) (stateid.ID, error)
	DropType(ctx context.Context, ks, name string, ifExists bool) (stateid.ID, error)
	Keyspaces() ([]catalog.Keyspace, error)
	Describe(name string) (service.KeyspaceDescription, error)
}

// BroadcastHandler is the subset of *service.Broadcast required by the gRPC
// server. *service.Broadcast satisfies this interface.
type BroadcastHandler interface {
	Get(ctx context.Context, key string) (broadcast.Result, error)
	Put(ctx context.Context, key, value string, condition *string) (broadcast.Result, error)
	LocalGet(key string) (string, bool, error)
}

// LeaderHandler reports the current leader. *service.Group0 satisfies it.
type LeaderHandler interface {
	IsLeader() bool
	Leader() (id, addr string)
}

type metadataServer interface {
	metadata()
}

// Server serves the metadata API by delegating to the group zero services.
type Server struct {
	schema    SchemaHandler
	broadcast BroadcastHandler
	leader    LeaderHandler
}

// NewServer creates a metadata gRPC server adapter.
func NewServer(schema SchemaHandler, bc BroadcastHandler, leader LeaderHandler) *Server {
	return &Server{schema: schema, broadcast: bc, leader: leader}
}

func (*Server) metadata() {}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*metadataServer)(nil),
	Methods: []grpc.MethodDesc{
		wire.Unary(serviceName, methodApplySchema, (*Server).ApplySchema),
		wire.Unary(serviceName, methodListKeyspaces, (*Server).ListKeyspaces),
		wire.Unary(serviceName, methodDescribe, (*Server).Describe),
		wire.Unary(serviceName, methodBroadcastGet, (*Server).BroadcastGet),
		wire.Unary(serviceName, methodBroadcastPut, (*Server).BroadcastPut),
		wire.Unary(serviceName, methodLocalGet, (*Server).LocalGet),
		wire.Unary(serviceName, methodLeader, (*Server).Leader),
	},
	Metadata: "group0lab/metadata/v1/metadata.proto",
}

// Register attaches the metadata service to srv.
func Register(srv grpc.ServiceRegistrar, s *Server) {
	srv.RegisterService(&serviceDesc, s)
}

// ApplySchema runs one schema statement through group zero.
func (s *Server) ApplySchema(ctx context.Context, st SchemaStatement) (SchemaResponse, error) {
	id, err := s.applySchema(ctx, st)
	if err != nil {
		return SchemaResponse{}, toGRPCStatus(err)
	}
	resp := SchemaResponse{Changed: !id.IsNil()}
	if resp.Changed {
		resp.StateID = id.String()
	}
	return resp, nil
}

func (s *Server) applySchema(ctx context.Context, st SchemaStatement) (stateid.ID, error) {
	switch st.Op {
	case OpCreateKeyspace:
		if st.Keyspace == nil {
			return stateid.Nil, fmt.Errorf("%w: keyspace definition required", catalog.ErrInvalidDefinition)
		}
		return s.schema.CreateKeyspace(ctx, *st.Keyspace, st.IfExists)
	case OpDropKeyspace:
		return s.schema.DropKeyspace(ctx, st.Name, st.IfExists)
	case OpCreateTable:
		if st.Table == nil {
			return stateid.Nil, fmt.Errorf("%w: table definition required", catalog.ErrInvalidDefinition)
		}
		return s.schema.CreateTable(ctx, *st.Table, st.IfExists)
	case OpDropTable:
		return s.schema.DropTable(ctx, st.KeyspaceName, st.Name, st.IfExists)
	case OpCreateType:
		if st.Type == nil {
			return stateid.Nil, fmt.Errorf("%w: type definition required", catalog.ErrInvalidDefinition)
		}
		return s.schema.CreateType(ctx, *st.Type, st.IfExists)
	case OpDropType:
		return s.schema.DropType(ctx, st.KeyspaceName, st.Name, st.IfExists)
	}
	return stateid.Nil, fmt.Errorf("%w: unknown statement %q", errBadRequest, st.Op)
}

// ListKeyspaces returns the keyspaces known to this replica.
func (s *Server) ListKeyspaces(_ context.Context, _ wire.Empty) (KeyspaceList, error) {
	ks, err := s.schema.Keyspaces()
	if err != nil {
		return KeyspaceList{}, toGRPCStatus(err)
	}
	return KeyspaceList{Keyspaces: ks}, nil
}

// Describe returns one keyspace with its tables and types.
func (s *Server) Describe(_ context.Context, req DescribeRequest) (Description, error) {
	d, err := s.schema.Describe(req.Name)
	if err != nil {
		return Description{}, toGRPCStatus(err)
	}
	return Description{Keyspace: d.Keyspace, Tables: d.Tables, Types: d.Types}, nil
}

// BroadcastGet runs a linearizable select through group zero.
func (s *Server) BroadcastGet(ctx context.Context, req GetRequest) (broadcast.Result, error) {
	res, err := s.broadcast.Get(ctx, req.Key)
	if err != nil {
		return broadcast.Result{}, toGRPCStatus(err)
	}
	return res, nil
}

// BroadcastPut runs an optionally conditional update through group zero.
func (s *Server) BroadcastPut(ctx context.Context, req PutRequest) (broadcast.Result, error) {
	res, err := s.broadcast.Put(ctx, req.Key, req.Value, req.Condition)
	if err != nil {
		return broadcast.Result{}, toGRPCStatus(err)
	}
	return res, nil
}

// LocalGet reads this replica's copy of a key.
func (s *Server) LocalGet(_ context.Context, req GetRequest) (LocalValue, error) {
	v, found, err := s.broadcast.LocalGet(req.Key)
	if err != nil {
		return LocalValue{}, toGRPCStatus(err)
	}
	return LocalValue{Value: v, Found: found}, nil
}

// Leader reports who this node believes leads the group.
func (s *Server) Leader(_ context.Context, _ wire.Empty) (LeaderInfo, error) {
	id, addr := s.leader.Leader()
	return LeaderInfo{ID: id, Addr: addr, Self: s.leader.IsLeader()}, nil
}

var errBadRequest = errors.New("metadata: bad request")

func toGRPCStatus(err error) error {
	switch {
	case errors.Is(err, service.ErrNotLeader):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, service.ErrCommitTimeout), errors.Is(err, service.ErrNoResult),
		errors.Is(err, group0.ErrHalted), errors.Is(err, group0.ErrAborted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, service.ErrConcurrentModification):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, catalog.ErrKeyspaceExists), errors.Is(err, catalog.ErrTableExists),
		errors.Is(err, catalog.ErrTypeExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case catalog.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, catalog.ErrInvalidDefinition), errors.Is(err, catalog.ErrTypeInUse),
		errors.Is(err, broadcast.ErrMalformedQuery), errors.Is(err, errBadRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
