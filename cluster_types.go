package slotty

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

const (
	// metaGroupName is the name of the group replicating the partition table
	metaGroupName string = "meta"

	// dataGroupName is the name of the groups replicating slot data
	dataGroupName string = "data"

	// metaNamespace is the store namespace of the meta group
	metaNamespace string = "meta"
)

// keyPartitionTable is the meta kv key of the persisted partition table
var keyPartitionTable = []byte("partition_table")

// Options holds the dependencies of a cluster node
type Options struct {
	// Logger to use
	Logger *zerolog.Logger

	// Config of the node. Config.Node is this node
	Config *Config

	// Engine is the local storage engine
	Engine StorageEngine

	// SchemaPuller is called on entries failing with ErrMissingSchema
	SchemaPuller SchemaPuller

	// Store persists logs, metadata and slot statuses.
	// A bolt store in Config.DataDir is opened when nil
	Store Store

	// ClientFactory builds clients to other nodes, gRPC when nil
	ClientFactory ClientFactory

	// Registerer registers metrics, nothing is registered when nil
	Registerer prometheus.Registerer

	// DisableGRPCServer skips listening on the meta address,
	// used when nodes talk through an in process transport
	DisableGRPCServer bool
}

// metaState is the persisted partition table with the
// index of the last meta entry it reflects
type metaState struct {
	Index uint64 `json:"index"`
	Table []byte `json:"table"`
}

// ClusterStatus is a point in time view of the node
type ClusterStatus struct {
	Node         Node           `json:"node"`
	TableVersion uint64         `json:"tableVersion"`
	TableIndex   uint64         `json:"tableIndex"`
	Meta         MemberStatus   `json:"meta"`
	Members      []MemberStatus `json:"members"`
}

// Cluster is the clustering layer of one node. It holds the partition
// table, the raft members of the groups the node belongs to, their slot
// managers, the client pool and the dispatcher
type Cluster struct {
	// wg tracks pull tasks and the grpc server
	wg sync.WaitGroup

	// mu protects the table and the maps below
	mu sync.RWMutex

	thisNode     Node
	config       *Config
	logger       *zerolog.Logger
	metrics      *metrics
	engine       StorageEngine
	schemaPuller SchemaPuller
	store        Store
	ownStore     bool

	pool       *ClientPool
	dispatcher *Dispatcher
	service    *rpcServer

	disableGRPCServer bool
	grpcServer        *grpc.Server
	listener          net.Listener

	table      *PartitionTable
	tableIndex uint64
	metaStore  GroupStore
	meta       *RaftMember

	// members are the data group members, keyed by header key
	members map[string]*RaftMember

	// slotManagers are kept for groups this node belongs or belonged to,
	// keyed by header key
	slotManagers map[string]*SlotManager

	// pulls tracks slots being pulled, keyed by slot
	pulls map[int]struct{}

	quitCtx   context.Context
	stopCtx   context.CancelFunc
	isRunning atomic.Bool
}
