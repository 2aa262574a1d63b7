package slotty

import (
	"sync"

	"github.com/rs/zerolog"
)

// RequestKind tells the dispatcher which rpc serves a request
type RequestKind uint8

const (
	// RequestNonQuery is a write proposed to the leader of a data group
	RequestNonQuery RequestKind = iota

	// RequestQuery is a read served by a data group member
	RequestQuery

	// RequestMetaQuery reads the partition table from the meta group
	RequestMetaQuery

	// RequestAddNode asks the meta group to add a node
	RequestAddNode

	// RequestRemoveNode asks the meta group to remove a node
	RequestRemoveNode
)

// String return a human readable kind of the request
func (k RequestKind) String() string {
	switch k {
	case RequestNonQuery:
		return "nonQuery"
	case RequestQuery:
		return "query"
	case RequestMetaQuery:
		return "metaQuery"
	case RequestAddNode:
		return "addNode"
	case RequestRemoveNode:
		return "removeNode"
	}
	return "unknown"
}

// Request is an operation against a partition group
type Request struct {
	Kind RequestKind

	// Group is the partition group serving the request
	Group PartitionGroup

	// Slot is the slot read or written, data requests only
	Slot int

	Payload []byte

	// Consistency of reads, the configured level is used when unset
	Consistency ConsistencyLevel

	// Node is the node added or removed
	Node Node
}

// DispatcherOptions holds the dependencies of the dispatcher
type DispatcherOptions struct {
	// ThisNode is the node running the dispatcher
	ThisNode Node

	// Local serves requests targeting this node without going through the network
	Local ClusterService

	// Pool provides clients to remote nodes
	Pool *ClientPool

	Config *Config

	// Logger to use
	Logger *zerolog.Logger

	metrics *metrics
}

// Dispatcher sends requests to the right member of a group,
// following redirects and retrying on failures
type Dispatcher struct {
	thisNode Node
	local    ClusterService
	pool     *ClientPool
	config   *Config
	logger   *zerolog.Logger
	metrics  *metrics

	mu sync.Mutex

	// leaders is the believed leader of each group, keyed by header key
	leaders map[string]Node
}
