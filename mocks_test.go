package slotty

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"
)

var errNodeDown = errors.New("node down")

// countingClient is a client doing nothing but counting closes
type countingClient struct {
	ClusterService
	id     int
	closed atomic.Bool
}

func (c *countingClient) InFlight() int { return 0 }

func (c *countingClient) Close() error {
	c.closed.Store(true)
	return nil
}

// countingFactory builds countingClients and counts them
type countingFactory struct {
	created atomic.Int32
	fail    atomic.Bool
}

func (f *countingFactory) NewClient(Node, time.Duration) (Client, error) {
	if f.fail.Load() {
		return nil, errNodeDown
	}
	return &countingClient{id: int(f.created.Add(1))}, nil
}

// mockClient is a testify mock of a Client
type mockClient struct {
	mock.Mock
}

func (m *mockClient) InFlight() int { return 0 }

func (m *mockClient) Close() error { return nil }

func (m *mockClient) AppendEntries(ctx context.Context, request *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	args := m.Called(ctx, request)
	response, _ := args.Get(0).(*AppendEntriesResponse)
	return response, args.Error(1)
}

func (m *mockClient) SendSnapshot(ctx context.Context, request *SendSnapshotRequest) (*SendSnapshotResponse, error) {
	args := m.Called(ctx, request)
	response, _ := args.Get(0).(*SendSnapshotResponse)
	return response, args.Error(1)
}

func (m *mockClient) RequestVote(ctx context.Context, request *RequestVoteRequest) (*RequestVoteResponse, error) {
	args := m.Called(ctx, request)
	response, _ := args.Get(0).(*RequestVoteResponse)
	return response, args.Error(1)
}

func (m *mockClient) RequestCommitIndex(ctx context.Context, request *RequestCommitIndexRequest) (*RequestCommitIndexResponse, error) {
	args := m.Called(ctx, request)
	response, _ := args.Get(0).(*RequestCommitIndexResponse)
	return response, args.Error(1)
}

func (m *mockClient) ExecuteNonQuery(ctx context.Context, request *ExecuteRequest) (*Response, error) {
	args := m.Called(ctx, request)
	response, _ := args.Get(0).(*Response)
	return response, args.Error(1)
}

func (m *mockClient) Query(ctx context.Context, request *QueryRequest) (*Response, error) {
	args := m.Called(ctx, request)
	response, _ := args.Get(0).(*Response)
	return response, args.Error(1)
}

func (m *mockClient) PullSnapshot(ctx context.Context, request *PullSnapshotRequest) (*PullSnapshotResponse, error) {
	args := m.Called(ctx, request)
	response, _ := args.Get(0).(*PullSnapshotResponse)
	return response, args.Error(1)
}

func (m *mockClient) SlotReplicated(ctx context.Context, request *SlotReplicatedRequest) (*Response, error) {
	args := m.Called(ctx, request)
	response, _ := args.Get(0).(*Response)
	return response, args.Error(1)
}

func (m *mockClient) AddNode(ctx context.Context, request *NodeRequest) (*Response, error) {
	args := m.Called(ctx, request)
	response, _ := args.Get(0).(*Response)
	return response, args.Error(1)
}

func (m *mockClient) RemoveNode(ctx context.Context, request *NodeRequest) (*Response, error) {
	args := m.Called(ctx, request)
	response, _ := args.Get(0).(*Response)
	return response, args.Error(1)
}

func (m *mockClient) MetaQuery(ctx context.Context, request *MetaQueryRequest) (*Response, error) {
	args := m.Called(ctx, request)
	response, _ := args.Get(0).(*Response)
	return response, args.Error(1)
}

// mockFactory hands out the mock client registered for each node
type mockFactory struct {
	clients map[string]*mockClient
}

func (f *mockFactory) NewClient(node Node, _ time.Duration) (Client, error) {
	client, ok := f.clients[node.Key()]
	if !ok {
		return nil, errNodeDown
	}
	return client, nil
}

// localNetwork routes rpcs to in process services. Calls from or to
// nodes marked down fail as a broken connection would
type localNetwork struct {
	mu       sync.RWMutex
	services map[string]ClusterService
	down     map[string]bool
}

func newLocalNetwork() *localNetwork {
	return &localNetwork{services: make(map[string]ClusterService), down: make(map[string]bool)}
}

func (n *localNetwork) register(node Node, service ClusterService) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.services[node.Key()] = service
}

func (n *localNetwork) setDown(node Node, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[node.Key()] = down
}

// service returns the service of to, failing when either side is down
func (n *localNetwork) service(from, to Node) (ClusterService, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	service, ok := n.services[to.Key()]
	if !ok || n.down[to.Key()] || n.down[from.Key()] {
		return nil, errNodeDown
	}
	return service, nil
}

// factory returns the client factory used by from
func (n *localNetwork) factory(from Node) ClientFactory {
	return &localFactory{network: n, from: from}
}

type localFactory struct {
	network *localNetwork
	from    Node
}

func (f *localFactory) NewClient(node Node, _ time.Duration) (Client, error) {
	return &localClient{network: f.network, from: f.from, node: node}, nil
}

// localClient calls the service of node through its network
type localClient struct {
	network *localNetwork
	from    Node
	node    Node
}

func (c *localClient) InFlight() int { return 0 }

func (c *localClient) Close() error { return nil }

func localCall[Req any, Resp any](c *localClient, ctx context.Context, request *Req, call func(ClusterService, context.Context, *Req) (*Resp, error)) (*Resp, error) {
	service, err := c.network.service(c.from, c.node)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return call(service, ctx, request)
}

func (c *localClient) AppendEntries(ctx context.Context, request *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return localCall(c, ctx, request, ClusterService.AppendEntries)
}

func (c *localClient) SendSnapshot(ctx context.Context, request *SendSnapshotRequest) (*SendSnapshotResponse, error) {
	return localCall(c, ctx, request, ClusterService.SendSnapshot)
}

func (c *localClient) RequestVote(ctx context.Context, request *RequestVoteRequest) (*RequestVoteResponse, error) {
	return localCall(c, ctx, request, ClusterService.RequestVote)
}

func (c *localClient) RequestCommitIndex(ctx context.Context, request *RequestCommitIndexRequest) (*RequestCommitIndexResponse, error) {
	return localCall(c, ctx, request, ClusterService.RequestCommitIndex)
}

func (c *localClient) ExecuteNonQuery(ctx context.Context, request *ExecuteRequest) (*Response, error) {
	return localCall(c, ctx, request, ClusterService.ExecuteNonQuery)
}

func (c *localClient) Query(ctx context.Context, request *QueryRequest) (*Response, error) {
	return localCall(c, ctx, request, ClusterService.Query)
}

func (c *localClient) PullSnapshot(ctx context.Context, request *PullSnapshotRequest) (*PullSnapshotResponse, error) {
	return localCall(c, ctx, request, ClusterService.PullSnapshot)
}

func (c *localClient) SlotReplicated(ctx context.Context, request *SlotReplicatedRequest) (*Response, error) {
	return localCall(c, ctx, request, ClusterService.SlotReplicated)
}

func (c *localClient) AddNode(ctx context.Context, request *NodeRequest) (*Response, error) {
	return localCall(c, ctx, request, ClusterService.AddNode)
}

func (c *localClient) RemoveNode(ctx context.Context, request *NodeRequest) (*Response, error) {
	return localCall(c, ctx, request, ClusterService.RemoveNode)
}

func (c *localClient) MetaQuery(ctx context.Context, request *MetaQueryRequest) (*Response, error) {
	return localCall(c, ctx, request, ClusterService.MetaQuery)
}
