package snapshotgrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/i-melnichenko/group0-lab/internal/discovery"
	"github.com/i-melnichenko/group0-lab/internal/group0"
	"github.com/i-melnichenko/group0-lab/internal/transport/grpc/wire"
)

// Sender implements group0.SnapshotTransport over gRPC. Destinations are node
// ids resolved through a discovery.Directory; connections are cached per
// address and opened lazily.
type Sender struct {
	dir  discovery.Directory
	opts []grpc.DialOption

	// LoadOnReceive asks the receiver to load the snapshot immediately
	// after it has been validated. Receivers refuse unless their server has a
	// LoadGuard that allows it.
	LoadOnReceive bool

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	last  Descriptor
}

var _ group0.SnapshotTransport = (*Sender)(nil)

// NewSender creates a Sender resolving node ids through dir.
func NewSender(dir discovery.Directory, opts ...grpc.DialOption) *Sender {
	return &Sender{
		dir:   dir,
		opts:  opts,
		conns: make(map[string]*grpc.ClientConn),
	}
}

// SendSnapshot streams r to the node dest.
func (s *Sender) SendSnapshot(ctx context.Context, dest string, desc group0.SnapshotDescriptor, r io.Reader) error {
	addr, err := s.dir.Resolve(ctx, dest)
	if err != nil {
		return err
	}
	conn, err := s.conn(addr)
	if err != nil {
		return err
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		mdSnapshotID, string(desc.ID),
		mdLoad, strconv.FormatBool(s.LoadOnReceive),
	)
	stream, err := conn.NewStream(ctx, &pushStreamDesc, wire.FullMethod(serviceName, pushMethod))
	if err != nil {
		return fmt.Errorf("snapshot: open stream to %s: %w", dest, err)
	}

	buf := make([]byte, chunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			chunk := wrapperspb.Bytes(append([]byte(nil), buf[:n]...))
			if err := stream.SendMsg(chunk); err != nil {
				// The server status carries the real cause.
				if errors.Is(err, io.EOF) {
					break
				}
				return fmt.Errorf("snapshot: send to %s: %w", dest, err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("snapshot: close send to %s: %w", dest, err)
	}

	resp := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(resp); err != nil {
		return err
	}
	var out Descriptor
	if err := wire.Unpack(resp, &out); err != nil {
		return err
	}
	s.mu.Lock()
	s.last = out
	s.mu.Unlock()
	return nil
}

// Last returns the receiver's answer to the most recent successful push.
func (s *Sender) Last() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Sender) conn(addr string) (*grpc.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(addr, s.opts...)
	if err != nil {
		return nil, fmt.Errorf("snapshot: dial %s: %w", addr, err)
	}
	s.conns[addr] = c
	return c, nil
}

// Close closes all cached connections.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for addr, c := range s.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.conns, addr)
	}
	return errors.Join(errs...)
}
