package slotty

// Node is the identity of a cluster member.
// Two nodes are the same node when their ip and meta port match
type Node struct {
	// IP is the address used by other nodes to reach this one
	IP string `json:"ip" yaml:"ip"`

	// MetaPort is the port serving cluster rpcs
	MetaPort int `json:"metaPort" yaml:"metaPort"`

	// DataPort is the port serving client rpcs of the database front end
	DataPort int `json:"dataPort" yaml:"dataPort"`

	// Identifier orders nodes on the node ring and must be unique
	Identifier int32 `json:"identifier" yaml:"identifier"`
}

// PartitionGroup is the ordered list of nodes replicating the same slots.
// The first node is the header and identifies the group
type PartitionGroup []Node
