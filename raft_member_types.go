package slotty

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// MemberOptions holds the dependencies of a raft member
type MemberOptions struct {
	// Name tells which kind of group the member serves, meta or data
	Name string

	// ThisNode is the node running the member
	ThisNode Node

	// Group is the partition group of the member
	Group PartitionGroup

	// Config holds timeouts and catch up tunables
	Config *Config

	// Store persists the log, metadata and snapshot of the group
	Store GroupStore

	// Pool provides clients to other members
	Pool *ClientPool

	// Applier applies committed entries
	Applier Applier

	// SchemaPuller is called when an entry fails with ErrMissingSchema
	SchemaPuller SchemaPuller

	// Logger to use
	Logger *zerolog.Logger

	// metrics is shared by every member of the node
	metrics *metrics
}

// memberMetadata is the persisted term and vote
type memberMetadata struct {
	CurrentTerm uint64 `json:"currentTerm"`
	VotedFor    Node   `json:"votedFor"`
}

// peerProgress is the leader view of another member
type peerProgress struct {
	node        Node
	matchIndex  uint64
	nextIndex   uint64
	lastContact time.Time
	catchingUp  bool
}

// MemberStatus is a point in time view of a member
type MemberStatus struct {
	Name          string         `json:"name"`
	Group         PartitionGroup `json:"group"`
	Role          string         `json:"role"`
	Term          uint64         `json:"term"`
	Leader        Node           `json:"leader"`
	LastLogIndex  uint64         `json:"lastLogIndex"`
	CommitIndex   uint64         `json:"commitIndex"`
	LastApplied   uint64         `json:"lastApplied"`
	SnapshotIndex uint64         `json:"snapshotIndex"`
}

// RaftMember is the member of one partition group on this node.
// It owns the role, term and log bookkeeping of the group
type RaftMember struct {
	// wg tracks every goroutine started by the member
	wg sync.WaitGroup

	// mu protects every field below it unless stated otherwise
	mu sync.Mutex

	// applyMu serializes entry application and snapshot installation
	applyMu sync.Mutex

	// proposeMu serializes proposals so that in sync followers
	// receive entries in order
	proposeMu sync.Mutex

	name         string
	thisNode     Node
	header       Node
	config       *Config
	store        GroupStore
	pool         *ClientPool
	applier      Applier
	schemaPuller SchemaPuller
	logger       *zerolog.Logger
	metrics      *metrics

	group             PartitionGroup
	role              Role
	term              uint64
	votedFor          Node
	leader            Node
	lastLeaderContact time.Time

	lastLogIndex  uint64
	lastLogTerm   uint64
	snapshotIndex uint64
	snapshotTerm  uint64
	snapshot      Snapshot
	commitIndex   uint64
	lastApplied   uint64

	// peers is only set while leader, keyed by node key
	peers map[string]*peerProgress

	// commitNotify is closed and replaced when commitIndex moves
	commitNotify chan struct{}

	// appliedNotify is closed and replaced when lastApplied moves
	appliedNotify chan struct{}

	// waiters are the proposers waiting for their entry to be applied
	waiters map[uint64]chan error

	quitCtx   context.Context
	stopCtx   context.CancelFunc
	isRunning atomic.Bool
}
