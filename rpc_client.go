package slotty

import (
	"context"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
)

// GRPCClientFactory builds grpc clients
type GRPCClientFactory struct {
	// DialOptions are appended to the default options
	DialOptions []grpc.DialOption
}

// grpcClient is a Client backed by a grpc connection
type grpcClient struct {
	conn     *grpc.ClientConn
	timeout  time.Duration
	inFlight atomic.Int64
}

// NewClient returns a client connected to the meta address of node
func (f GRPCClientFactory) NewClient(node Node, timeout time.Duration) (Client, error) {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, f.DialOptions...)

	conn, err := grpc.NewClient(node.MetaAddress(), opts...)
	if err != nil {
		return nil, err
	}
	return &grpcClient{conn: conn, timeout: timeout}, nil
}

func (c *grpcClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.conn.Invoke(ctx, fullMethod(method), in, out, opts...)
}

// InFlight returns the number of calls not completed yet
func (c *grpcClient) InFlight() int {
	return int(c.inFlight.Load())
}

// Close closes the grpc connection
func (c *grpcClient) Close() error {
	return c.conn.Close()
}

func (c *grpcClient) AppendEntries(ctx context.Context, in *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	out := new(AppendEntriesResponse)
	if err := c.invoke(ctx, "AppendEntries", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendSnapshot compresses the snapshot as it may be large
func (c *grpcClient) SendSnapshot(ctx context.Context, in *SendSnapshotRequest) (*SendSnapshotResponse, error) {
	out := new(SendSnapshotResponse)
	if err := c.invoke(ctx, "SendSnapshot", in, out, grpc.UseCompressor(gzip.Name)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcClient) RequestVote(ctx context.Context, in *RequestVoteRequest) (*RequestVoteResponse, error) {
	out := new(RequestVoteResponse)
	if err := c.invoke(ctx, "RequestVote", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcClient) RequestCommitIndex(ctx context.Context, in *RequestCommitIndexRequest) (*RequestCommitIndexResponse, error) {
	out := new(RequestCommitIndexResponse)
	if err := c.invoke(ctx, "RequestCommitIndex", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcClient) ExecuteNonQuery(ctx context.Context, in *ExecuteRequest) (*Response, error) {
	out := new(Response)
	if err := c.invoke(ctx, "ExecuteNonQuery", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcClient) Query(ctx context.Context, in *QueryRequest) (*Response, error) {
	out := new(Response)
	if err := c.invoke(ctx, "Query", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PullSnapshot asks for a compressed response as it carries slot data
func (c *grpcClient) PullSnapshot(ctx context.Context, in *PullSnapshotRequest) (*PullSnapshotResponse, error) {
	out := new(PullSnapshotResponse)
	if err := c.invoke(ctx, "PullSnapshot", in, out, grpc.UseCompressor(gzip.Name)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcClient) SlotReplicated(ctx context.Context, in *SlotReplicatedRequest) (*Response, error) {
	out := new(Response)
	if err := c.invoke(ctx, "SlotReplicated", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcClient) AddNode(ctx context.Context, in *NodeRequest) (*Response, error) {
	out := new(Response)
	if err := c.invoke(ctx, "AddNode", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcClient) RemoveNode(ctx context.Context, in *NodeRequest) (*Response, error) {
	out := new(Response)
	if err := c.invoke(ctx, "RemoveNode", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcClient) MetaQuery(ctx context.Context, in *MetaQueryRequest) (*Response, error) {
	out := new(Response)
	if err := c.invoke(ctx, "MetaQuery", in, out); err != nil {
		return nil, err
	}
	return out, nil
}
