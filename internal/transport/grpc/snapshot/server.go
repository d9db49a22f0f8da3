// Package snapshotgrpc streams materialized group zero snapshots between
// nodes over a client-streaming gRPC method.
package snapshotgrpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/i-melnichenko/group0-lab/internal/group0"
	"github.com/i-melnichenko/group0-lab/internal/transport/grpc/wire"
)

const (
	serviceName = "group0lab.snapshot.v1.SnapshotService"
	pushMethod  = "PushSnapshot"

	// Metadata keys sent with a push.
	mdSnapshotID = "x-group0-snapshot-id"
	mdLoad       = "x-group0-load"

	chunkSize = 64 << 10
)

var pushStreamDesc = grpc.StreamDesc{
	StreamName:    pushMethod,
	Handler:       pushSnapshotHandler,
	ClientStreams: true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*snapshotServer)(nil),
	Streams:     []grpc.StreamDesc{pushStreamDesc},
	Metadata:    "group0lab/snapshot/v1/snapshot.proto",
}

type snapshotServer interface {
	push(stream grpc.ServerStream) error
}

// Receiver is the subset of *group0.Machine required by the server.
// *group0.Machine satisfies this interface.
type Receiver interface {
	ReceiveSnapshot(ctx context.Context, r io.Reader) (group0.SnapshotDescriptor, error)
	LoadSnapshot(ctx context.Context, id group0.SnapshotID) error
	DropSnapshot(id group0.SnapshotID)
}

// Logger is the logging interface required by Server.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// LoadGuard decides whether a pushed snapshot may replace this node's state.
// A non-nil error refuses the load.
type LoadGuard func(ctx context.Context) error

// Server accepts pushed snapshots. Pushes that ask for a load are refused
// unless LoadGuard is set and returns nil.
type Server struct {
	receiver Receiver
	logger   Logger

	LoadGuard LoadGuard
}

// NewServer creates a snapshot server for receiver.
func NewServer(receiver Receiver, logger Logger) *Server {
	return &Server{receiver: receiver, logger: logger}
}

// Register attaches the snapshot service to srv.
func Register(srv grpc.ServiceRegistrar, s *Server) {
	srv.RegisterService(&serviceDesc, s)
}

func pushSnapshotHandler(srv any, stream grpc.ServerStream) error {
	return srv.(*Server).push(stream)
}

// Descriptor is the push response.
type Descriptor struct {
	ID       string `msgpack:"id"`
	StateID  string `msgpack:"state_id"`
	Loaded   bool   `msgpack:"loaded"`
	Received int64  `msgpack:"received"`
}

func (s *Server) push(stream grpc.ServerStream) error {
	ctx := stream.Context()
	md, _ := metadata.FromIncomingContext(ctx)
	load := first(md, mdLoad) == "true"
	if load {
		if err := s.allowLoad(ctx); err != nil {
			s.logger.Warn("snapshot load refused", "snapshot_id", first(md, mdSnapshotID), "error", err)
			return err
		}
	}

	r := &streamReader{stream: stream}
	desc, err := s.receiver.ReceiveSnapshot(ctx, r)
	if err != nil {
		s.logger.Warn("snapshot push rejected", "snapshot_id", first(md, mdSnapshotID), "error", err)
		return toGRPCStatus(err)
	}
	if want := first(md, mdSnapshotID); want != "" && want != string(desc.ID) {
		s.receiver.DropSnapshot(desc.ID)
		return status.Errorf(codes.InvalidArgument, "snapshot id mismatch: header %s, metadata %s", desc.ID, want)
	}

	out := Descriptor{ID: string(desc.ID), StateID: desc.StateID.String(), Received: r.n}
	if load {
		if err := s.allowLoad(ctx); err != nil {
			s.receiver.DropSnapshot(desc.ID)
			return err
		}
		err := s.receiver.LoadSnapshot(ctx, desc.ID)
		s.receiver.DropSnapshot(desc.ID)
		if err != nil {
			return toGRPCStatus(err)
		}
		out.Loaded = true
	}
	s.logger.Info("snapshot received",
		"snapshot_id", out.ID,
		"state_id", out.StateID,
		"bytes", r.n,
		"loaded", out.Loaded,
	)

	resp, err := wire.Pack(out)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(resp)
}

func (s *Server) allowLoad(ctx context.Context) error {
	if s.LoadGuard == nil {
		return status.Error(codes.FailedPrecondition, "loading pushed snapshots is disabled on this node")
	}
	if err := s.LoadGuard(ctx); err != nil {
		return status.Errorf(codes.FailedPrecondition, "snapshot load refused: %v", err)
	}
	return nil
}

// streamReader turns a stream of BytesValue chunks into an io.Reader.
type streamReader struct {
	stream grpc.ServerStream
	buf    []byte
	n      int64
}

func (r *streamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		m := new(wrapperspb.BytesValue)
		if err := r.stream.RecvMsg(m); err != nil {
			return 0, err
		}
		r.buf = m.GetValue()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.n += int64(n)
	return n, nil
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func toGRPCStatus(err error) error {
	switch {
	case errors.Is(err, group0.ErrSnapshotCorrupt):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, group0.ErrUnknownSnapshot):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, group0.ErrSnapshotExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, group0.ErrAborted), errors.Is(err, group0.ErrHalted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
