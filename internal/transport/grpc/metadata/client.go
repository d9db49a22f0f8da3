package metadatagrpc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/group0-lab/internal/broadcast"
	"github.com/i-melnichenko/group0-lab/internal/catalog"
	"github.com/i-melnichenko/group0-lab/internal/transport/grpc/wire"
)

// ErrNotLeader is returned when the targeted node is not the group leader.
var ErrNotLeader = errors.New("metadata: node is not the leader")

// ErrNoLeader is returned by ClusterClient when no node in the cluster
// accepted a change: no leader is elected yet or all nodes are down.
var ErrNoLeader = errors.New("metadata: no leader found in cluster")

// Client talks to one node.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a metadata gRPC server at target.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("metadata client: dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func call[Req, Resp any](ctx context.Context, c *Client, method string, req Req) (Resp, error) {
	resp, err := wire.Invoke[Req, Resp](ctx, c.conn, serviceName, method, req)
	if err != nil {
		return resp, fromGRPCStatus(err)
	}
	return resp, nil
}

// ApplySchema sends a schema statement. It must reach the leader.
func (c *Client) ApplySchema(ctx context.Context, st SchemaStatement) (SchemaResponse, error) {
	return call[SchemaStatement, SchemaResponse](ctx, c, methodApplySchema, st)
}

// ListKeyspaces lists the keyspaces known to the node.
func (c *Client) ListKeyspaces(ctx context.Context) ([]catalog.Keyspace, error) {
	resp, err := call[wire.Empty, KeyspaceList](ctx, c, methodListKeyspaces, wire.Empty{})
	return resp.Keyspaces, err
}

// Describe fetches a keyspace description from the node.
func (c *Client) Describe(ctx context.Context, name string) (Description, error) {
	return call[DescribeRequest, Description](ctx, c, methodDescribe, DescribeRequest{Name: name})
}

// BroadcastGet runs a linearizable select. It must reach the leader.
func (c *Client) BroadcastGet(ctx context.Context, key string) (broadcast.Result, error) {
	return call[GetRequest, broadcast.Result](ctx, c, methodBroadcastGet, GetRequest{Key: key})
}

// BroadcastPut runs an update, conditional when condition is non-nil. It must
// reach the leader.
func (c *Client) BroadcastPut(ctx context.Context, key, value string, condition *string) (broadcast.Result, error) {
	return call[PutRequest, broadcast.Result](ctx, c, methodBroadcastPut, PutRequest{Key: key, Value: value, Condition: condition})
}

// LocalGet reads the node's local copy of a key.
func (c *Client) LocalGet(ctx context.Context, key string) (string, bool, error) {
	resp, err := call[GetRequest, LocalValue](ctx, c, methodLocalGet, GetRequest{Key: key})
	return resp.Value, resp.Found, err
}

// Leader asks the node who leads the group.
func (c *Client) Leader(ctx context.Context) (LeaderInfo, error) {
	return call[wire.Empty, LeaderInfo](ctx, c, methodLeader, wire.Empty{})
}

// ClusterClient connects to multiple nodes and routes requests automatically:
//   - reads of local state try nodes in random order;
//   - changes and linearizable reads go to the leader, trying every node
//     until one accepts.
type ClusterClient struct {
	clients []*Client

	mu         sync.RWMutex
	leaderHint int // -1 means unknown
}

// DialCluster connects to all provided addresses. Connections are lazy, so
// this succeeds even if nodes are temporarily unavailable.
func DialCluster(addrs []string, opts ...grpc.DialOption) (*ClusterClient, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("metadata cluster client: no addresses provided")
	}
	clients := make([]*Client, 0, len(addrs))
	for _, addr := range addrs {
		c, err := Dial(addr, opts...)
		if err != nil {
			for _, cc := range clients {
				_ = cc.Close()
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return &ClusterClient{clients: clients, leaderHint: -1}, nil
}

// Close closes all node connections.
func (c *ClusterClient) Close() error {
	var errs []error
	for _, client := range c.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplySchema forwards the statement to the leader.
func (c *ClusterClient) ApplySchema(ctx context.Context, st SchemaStatement) (SchemaResponse, error) {
	return onLeader(ctx, c, func(client *Client) (SchemaResponse, error) {
		return client.ApplySchema(ctx, st)
	})
}

// BroadcastGet forwards the select to the leader.
func (c *ClusterClient) BroadcastGet(ctx context.Context, key string) (broadcast.Result, error) {
	return onLeader(ctx, c, func(client *Client) (broadcast.Result, error) {
		return client.BroadcastGet(ctx, key)
	})
}

// BroadcastPut forwards the update to the leader.
func (c *ClusterClient) BroadcastPut(ctx context.Context, key, value string, condition *string) (broadcast.Result, error) {
	return onLeader(ctx, c, func(client *Client) (broadcast.Result, error) {
		return client.BroadcastPut(ctx, key, value, condition)
	})
}

// ListKeyspaces asks any reachable node.
func (c *ClusterClient) ListKeyspaces(ctx context.Context) ([]catalog.Keyspace, error) {
	return onAny(ctx, c, func(client *Client) ([]catalog.Keyspace, error) {
		return client.ListKeyspaces(ctx)
	})
}

// Describe asks any reachable node. Not-found answers are returned as is.
func (c *ClusterClient) Describe(ctx context.Context, name string) (Description, error) {
	return onAny(ctx, c, func(client *Client) (Description, error) {
		return client.Describe(ctx, name)
	})
}

// LocalGet reads some replica's local copy of key.
func (c *ClusterClient) LocalGet(ctx context.Context, key string) (string, bool, error) {
	v, err := onAny(ctx, c, func(client *Client) (LocalValue, error) {
		value, found, err := client.LocalGet(ctx, key)
		return LocalValue{Value: value, Found: found}, err
	})
	return v.Value, v.Found, err
}

// Leader returns the first answer naming a leader.
func (c *ClusterClient) Leader(ctx context.Context) (LeaderInfo, error) {
	for _, i := range rand.Perm(len(c.clients)) {
		info, err := c.clients[i].Leader(ctx)
		if err == nil && info.ID != "" {
			return info, nil
		}
		if ctx.Err() != nil {
			return LeaderInfo{}, ctx.Err()
		}
	}
	return LeaderInfo{}, ErrNoLeader
}

// onAny tries nodes in random order and returns the first answer that is not
// a transport failure.
func onAny[T any](ctx context.Context, c *ClusterClient, fn func(*Client) (T, error)) (T, error) {
	var zero T
	for _, i := range rand.Perm(len(c.clients)) {
		v, err := fn(c.clients[i])
		if err == nil || !isUnreachable(err) {
			return v, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("metadata: all %d nodes unavailable", len(c.clients))
}

// onLeader tries each node, the last known leader first, until one accepts.
// Nodes that respond with ErrNotLeader or are unreachable are skipped; any
// other answer is final.
func onLeader[T any](ctx context.Context, c *ClusterClient, fn func(*Client) (T, error)) (T, error) {
	var zero T
	for _, i := range c.writeOrder() {
		v, err := fn(c.clients[i])
		if err == nil {
			c.setLeaderHint(i)
			return v, nil
		}
		if errors.Is(err, ErrNotLeader) {
			c.clearLeaderHintIf(i)
			continue
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !isUnreachable(err) {
			c.setLeaderHint(i)
			return zero, err
		}
	}
	return zero, ErrNoLeader
}

func (c *ClusterClient) writeOrder() []int {
	n := len(c.clients)
	order := make([]int, 0, n)

	hint := c.getLeaderHint()
	if hint >= 0 && hint < n {
		order = append(order, hint)
	}
	for _, i := range rand.Perm(n) {
		if i == hint {
			continue
		}
		order = append(order, i)
	}
	return order
}

func (c *ClusterClient) getLeaderHint() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderHint
}

func (c *ClusterClient) setLeaderHint(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaderHint = i
}

func (c *ClusterClient) clearLeaderHintIf(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderHint == i {
		c.leaderHint = -1
	}
}

func isUnreachable(err error) bool {
	return status.Code(err) == codes.Unavailable
}

func fromGRPCStatus(err error) error {
	if st, ok := status.FromError(err); ok && st.Code() == codes.FailedPrecondition {
		return ErrNotLeader
	}
	return err
}
