package slotty

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Key returns the string form of the node used in maps and on disk
func (n Node) Key() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.MetaPort))
}

// MetaAddress returns the address serving cluster rpcs
func (n Node) MetaAddress() string {
	return n.Key()
}

// DataAddress returns the address serving client rpcs
func (n Node) DataAddress() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.DataPort))
}

// Equal reports whether both nodes are the same cluster member
func (n Node) Equal(other Node) bool {
	return n.IP == other.IP && n.MetaPort == other.MetaPort
}

// IsZero reports whether the node is unset
func (n Node) IsZero() bool {
	return n.IP == "" && n.MetaPort == 0
}

func (n Node) String() string {
	if n.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%s:%d:%d/%d", n.IP, n.MetaPort, n.DataPort, n.Identifier)
}

// Header returns the node identifying the group
func (g PartitionGroup) Header() Node {
	if len(g) == 0 {
		return Node{}
	}
	return g[0]
}

// Contains reports whether node is part of the group
func (g PartitionGroup) Contains(node Node) bool {
	for _, member := range g {
		if member.Equal(node) {
			return true
		}
	}
	return false
}

// Equal reports whether both groups have the same members in the same order
func (g PartitionGroup) Equal(other PartitionGroup) bool {
	if len(g) != len(other) {
		return false
	}
	for i := range g {
		if !g[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// Others returns every member except node
func (g PartitionGroup) Others(node Node) []Node {
	others := make([]Node, 0, len(g))
	for _, member := range g {
		if !member.Equal(node) {
			others = append(others, member)
		}
	}
	return others
}

// Quorum returns the number of members making a majority
func (g PartitionGroup) Quorum() int {
	return len(g)/2 + 1
}

// Clone returns a copy of the group
func (g PartitionGroup) Clone() PartitionGroup {
	if g == nil {
		return nil
	}
	return append(PartitionGroup(nil), g...)
}

func (g PartitionGroup) String() string {
	members := make([]string, 0, len(g))
	for _, member := range g {
		members = append(members, member.String())
	}
	return "[" + strings.Join(members, ", ") + "]"
}

// ParseNode decodes the String form of a node, ip:metaPort:dataPort/identifier.
// The identifier may be omitted and then defaults to 0
func ParseNode(value string) (Node, error) {
	address, identifier, hasIdentifier := strings.Cut(strings.TrimSpace(value), "/")
	parts := strings.Split(address, ":")
	if len(parts) != 3 || parts[0] == "" {
		return Node{}, fmt.Errorf("%w: %q", ErrInvalidNode, value)
	}
	metaPort, err := strconv.Atoi(parts[1])
	if err != nil {
		return Node{}, fmt.Errorf("%w: %q: %w", ErrInvalidNode, value, err)
	}
	dataPort, err := strconv.Atoi(parts[2])
	if err != nil {
		return Node{}, fmt.Errorf("%w: %q: %w", ErrInvalidNode, value, err)
	}
	node := Node{IP: parts[0], MetaPort: metaPort, DataPort: dataPort}
	if hasIdentifier {
		id, err := strconv.ParseInt(identifier, 10, 32)
		if err != nil {
			return Node{}, fmt.Errorf("%w: %q: %w", ErrInvalidNode, value, err)
		}
		node.Identifier = int32(id)
	}
	return node, nil
}
