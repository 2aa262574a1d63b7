package slotty

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ClusterService holds every rpc served by a node
type ClusterService interface {
	AppendEntries(ctx context.Context, request *AppendEntriesRequest) (*AppendEntriesResponse, error)
	SendSnapshot(ctx context.Context, request *SendSnapshotRequest) (*SendSnapshotResponse, error)
	RequestVote(ctx context.Context, request *RequestVoteRequest) (*RequestVoteResponse, error)
	RequestCommitIndex(ctx context.Context, request *RequestCommitIndexRequest) (*RequestCommitIndexResponse, error)
	ExecuteNonQuery(ctx context.Context, request *ExecuteRequest) (*Response, error)
	Query(ctx context.Context, request *QueryRequest) (*Response, error)
	PullSnapshot(ctx context.Context, request *PullSnapshotRequest) (*PullSnapshotResponse, error)
	SlotReplicated(ctx context.Context, request *SlotReplicatedRequest) (*Response, error)
	AddNode(ctx context.Context, request *NodeRequest) (*Response, error)
	RemoveNode(ctx context.Context, request *NodeRequest) (*Response, error)
	MetaQuery(ctx context.Context, request *MetaQueryRequest) (*Response, error)
}

// Client is an outbound connection to a remote node
type Client interface {
	ClusterService

	// InFlight returns the number of calls not completed yet
	InFlight() int

	// Close releases the connection
	Close() error
}

// ClientFactory builds clients for remote nodes
type ClientFactory interface {
	// NewClient returns a client connected to node. Every call
	// without deadline is bounded by timeout
	NewClient(node Node, timeout time.Duration) (Client, error)
}

// ClientPoolOptions holds client pool tunables
type ClientPoolOptions struct {
	// Factory builds new clients
	Factory ClientFactory

	// MaxConnectionsPerNode caps the clients handed out per node
	MaxConnectionsPerNode int

	// WaitTimeout is how long a caller waits for an idle client at cap
	// before an over cap client is created
	WaitTimeout time.Duration

	// ConnectionTimeout bounds every single rpc
	ConnectionTimeout time.Duration

	// Logger to use
	Logger *zerolog.Logger
}

// ClientPool caches outbound clients per remote node.
// All state is protected by mu and changes are broadcast on cond
type ClientPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	options ClientPoolOptions
	logger  *zerolog.Logger
	metrics *metrics

	// idle holds clients ready to be used, keyed by node key
	idle map[string][]Client

	// outstanding counts clients created and not discarded, keyed by node key
	outstanding map[string]int

	closed bool
}
