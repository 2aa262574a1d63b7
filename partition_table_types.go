package slotty

import "sync"

// PartitionTableOptions holds the shape of the partition table
type PartitionTableOptions struct {
	// ReplicationFactor is the number of nodes in a partition group
	ReplicationFactor int

	// TotalSlots is the number of slots the key space is split into
	TotalSlots int

	// VirtualNodes is the number of ring tokens owned by each node
	VirtualNodes int
}

// token is a position on the hash ring owned by a physical node
type token struct {
	hash uint64
	node Node
}

// PartitionTable maps keys to slots, slots to partition groups
// and nodes to the groups they belong to
type PartitionTable struct {
	mu sync.RWMutex

	options PartitionTableOptions

	// nodeRing holds physical nodes sorted by identifier
	nodeRing []Node

	// ring holds every virtual node token sorted by hash
	ring []token

	// owners holds the header of the group owning each slot
	owners []Node

	// version is bumped on every topology change
	version uint64
}

// NodeAdditionResult describes the effect of a node addition
type NodeAdditionResult struct {
	// NewGroup is the group headed by the new node
	NewGroup PartitionGroup

	// LostSlots lists, per previous owner header, the slots now owned by the new node
	LostSlots map[Node][]int
}

// NodeRemovalResult describes the effect of a node removal
type NodeRemovalResult struct {
	// RemovedGroup is the group that was headed by the removed node
	RemovedGroup PartitionGroup

	// GainedSlots lists, per new owner header, the slots previously owned by the removed node
	GainedSlots map[Node][]int
}

// partitionTableState is the serialized form of the table
type partitionTableState struct {
	Version           uint64 `json:"version"`
	ReplicationFactor int    `json:"replicationFactor"`
	TotalSlots        int    `json:"totalSlots"`
	VirtualNodes      int    `json:"virtualNodes"`
	Nodes             []Node `json:"nodes"`
}
