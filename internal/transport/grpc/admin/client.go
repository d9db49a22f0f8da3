package admingrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/i-melnichenko/group0-lab/internal/transport/grpc/wire"
)

// Client talks to the admin service of one node.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to an admin gRPC server at target.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("admin client: dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any, PResp interface {
	*Resp
	proto.Message
}](ctx context.Context, c *Client, method string, req proto.Message) (PResp, error) {
	out := PResp(new(Resp))
	if err := c.conn.Invoke(ctx, wire.FullMethod(serviceName, method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// NodeInfo returns the node's introspection document.
func (c *Client) NodeInfo(ctx context.Context) (map[string]any, error) {
	st, err := invoke[structpb.Struct](ctx, c, methodGetNodeInfo, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}

// History returns up to limit history entries, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]map[string]any, error) {
	st, err := invoke[structpb.Struct](ctx, c, methodHistory, wrapperspb.Int32(int32(limit))) //nolint:gosec // limit comes from a CLI flag.
	if err != nil {
		return nil, err
	}
	return listOfMaps(st, "entries"), nil
}

// Snapshots lists the snapshots registered on the node.
func (c *Client) Snapshots(ctx context.Context) ([]map[string]any, error) {
	st, err := invoke[structpb.Struct](ctx, c, methodListSnapshots, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	return listOfMaps(st, "snapshots"), nil
}

// TakeSnapshot captures the node's current state and returns its descriptor.
func (c *Client) TakeSnapshot(ctx context.Context) (map[string]any, error) {
	st, err := invoke[structpb.Struct](ctx, c, methodTakeSnapshot, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}

// TransferSnapshot asks the node to push snapshot id to node dest.
func (c *Client) TransferSnapshot(ctx context.Context, id, dest string) error {
	req, err := structpb.NewStruct(map[string]any{"id": id, "dest": dest})
	if err != nil {
		return err
	}
	_, err = invoke[emptypb.Empty](ctx, c, methodTransferSnapshot, req)
	return err
}

// LoadSnapshot asks the node to load snapshot id.
func (c *Client) LoadSnapshot(ctx context.Context, id string) error {
	_, err := invoke[emptypb.Empty](ctx, c, methodLoadSnapshot, wrapperspb.String(id))
	return err
}

// DropSnapshot asks the node to release snapshot id.
func (c *Client) DropSnapshot(ctx context.Context, id string) error {
	_, err := invoke[emptypb.Empty](ctx, c, methodDropSnapshot, wrapperspb.String(id))
	return err
}

// RaftSnapshot asks the node's replication layer to compact its log.
func (c *Client) RaftSnapshot(ctx context.Context) error {
	_, err := invoke[emptypb.Empty](ctx, c, methodRaftSnapshot, &emptypb.Empty{})
	return err
}

func listOfMaps(st *structpb.Struct, field string) []map[string]any {
	var out []map[string]any
	for _, v := range st.GetFields()[field].GetListValue().GetValues() {
		out = append(out, v.GetStructValue().AsMap())
	}
	return out
}
