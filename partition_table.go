package slotty

import (
	"cmp"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// NewPartitionTable builds the table from the initial list of nodes
func NewPartitionTable(options PartitionTableOptions, nodes []Node) (*PartitionTable, error) {
	if options.ReplicationFactor < 1 || options.TotalSlots < 1 || options.VirtualNodes < 1 {
		return nil, fmt.Errorf("invalid partition table options %+v", options)
	}
	t := &PartitionTable{options: options}
	for _, node := range nodes {
		if t.indexOf(node) >= 0 || t.identifierTaken(node.Identifier) {
			return nil, fmt.Errorf("%w: %s", ErrNodeAlreadyExists, node)
		}
		t.insertNode(node)
	}
	t.computeOwners()
	return t, nil
}

// Route returns the slot of the provided key
func (t *PartitionTable) Route(key string) int {
	return int(crc32.ChecksumIEEE([]byte(key)) % uint32(t.options.TotalSlots))
}

// TotalSlots returns the number of slots
func (t *PartitionTable) TotalSlots() int {
	return t.options.TotalSlots
}

// ReplicationFactor returns the configured group size
func (t *PartitionTable) ReplicationFactor() int {
	return t.options.ReplicationFactor
}

// Version returns the topology version
func (t *PartitionTable) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// AllNodes returns every node sorted by identifier
func (t *PartitionTable) AllNodes() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.nodeRing)
}

// Contains reports whether the node is part of the table
func (t *PartitionTable) Contains(node Node) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.indexOf(node) >= 0
}

// GroupFor returns the partition group owning the slot
func (t *PartitionTable) GroupFor(slot int) (PartitionGroup, error) {
	if slot < 0 || slot >= t.options.TotalSlots {
		return nil, fmt.Errorf("%w: %d", ErrSlotOutOfRange, slot)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.nodeRing) == 0 {
		return nil, ErrNodeNotFound
	}
	return t.groupOf(t.owners[slot]), nil
}

// GroupOf returns the group headed by header
func (t *PartitionTable) GroupOf(header Node) (PartitionGroup, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.indexOf(header) < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, header)
	}
	return t.groupOf(header), nil
}

// Groups returns every partition group, one per node
func (t *PartitionTable) Groups() []PartitionGroup {
	t.mu.RLock()
	defer t.mu.RUnlock()
	groups := make([]PartitionGroup, 0, len(t.nodeRing))
	for _, header := range t.nodeRing {
		groups = append(groups, t.groupOf(header))
	}
	return groups
}

// GroupsForNode returns every group the node is a member of
func (t *PartitionTable) GroupsForNode(node Node) []PartitionGroup {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var groups []PartitionGroup
	for _, header := range t.nodeRing {
		group := t.groupOf(header)
		if group.Contains(node) {
			groups = append(groups, group)
		}
	}
	return groups
}

// SlotsOf returns the slots owned by the group headed by header
func (t *PartitionTable) SlotsOf(header Node) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var slots []int
	for slot, owner := range t.owners {
		if owner.Equal(header) {
			slots = append(slots, slot)
		}
	}
	return slots
}

// SlotOwner returns the header of the group owning the slot
func (t *PartitionTable) SlotOwner(slot int) Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if slot < 0 || slot >= len(t.owners) {
		return Node{}
	}
	return t.owners[slot]
}

// AddNode inserts the node in the table and returns the slots it took over
func (t *PartitionTable) AddNode(node Node) (*NodeAdditionResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indexOf(node) >= 0 || t.identifierTaken(node.Identifier) {
		return nil, fmt.Errorf("%w: %s", ErrNodeAlreadyExists, node)
	}

	previous := slices.Clone(t.owners)
	t.insertNode(node)
	t.computeOwners()
	t.version++

	result := &NodeAdditionResult{
		NewGroup:  t.groupOf(node),
		LostSlots: make(map[Node][]int),
	}
	for slot, owner := range t.owners {
		if owner.Equal(node) && len(previous) > 0 {
			result.LostSlots[previous[slot]] = append(result.LostSlots[previous[slot]], slot)
		}
	}
	return result, nil
}

// RemoveNode removes the node from the table and returns the slots its group lost
func (t *PartitionTable) RemoveNode(node Node) (*NodeRemovalResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	index := t.indexOf(node)
	if index < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, node)
	}
	if len(t.nodeRing) == 1 {
		return nil, ErrLastNode
	}

	result := &NodeRemovalResult{
		RemovedGroup: t.groupOf(node),
		GainedSlots:  make(map[Node][]int),
	}
	previous := slices.Clone(t.owners)
	t.nodeRing = slices.Delete(t.nodeRing, index, index+1)
	t.ring = slices.DeleteFunc(t.ring, func(tk token) bool {
		return tk.node.Equal(node)
	})
	t.computeOwners()
	t.version++

	for slot, owner := range previous {
		if owner.Equal(node) {
			result.GainedSlots[t.owners[slot]] = append(result.GainedSlots[t.owners[slot]], slot)
		}
	}
	return result, nil
}

// Clone returns a deep copy of the table
func (t *PartitionTable) Clone() *PartitionTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &PartitionTable{
		options:  t.options,
		nodeRing: slices.Clone(t.nodeRing),
		ring:     slices.Clone(t.ring),
		owners:   slices.Clone(t.owners),
		version:  t.version,
	}
}

// Serialize encodes the table. Slot owners are not stored
// as they are recomputed from the node list
func (t *PartitionTable) Serialize() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(partitionTableState{
		Version:           t.version,
		ReplicationFactor: t.options.ReplicationFactor,
		TotalSlots:        t.options.TotalSlots,
		VirtualNodes:      t.options.VirtualNodes,
		Nodes:             t.nodeRing,
	})
}

// DeserializePartitionTable decodes a table built by Serialize
func DeserializePartitionTable(data []byte) (*PartitionTable, error) {
	var state partitionTableState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("fail to decode partition table: %w", err)
	}
	t, err := NewPartitionTable(PartitionTableOptions{
		ReplicationFactor: state.ReplicationFactor,
		TotalSlots:        state.TotalSlots,
		VirtualNodes:      state.VirtualNodes,
	}, state.Nodes)
	if err != nil {
		return nil, err
	}
	t.version = state.Version
	return t, nil
}

// groupOf must be called with the lock held
func (t *PartitionTable) groupOf(header Node) PartitionGroup {
	start := t.indexOf(header)
	if start < 0 {
		return nil
	}
	size := min(t.options.ReplicationFactor, len(t.nodeRing))
	group := make(PartitionGroup, 0, size)
	for i := range size {
		group = append(group, t.nodeRing[(start+i)%len(t.nodeRing)])
	}
	return group
}

func (t *PartitionTable) indexOf(node Node) int {
	return slices.IndexFunc(t.nodeRing, func(n Node) bool {
		return n.Equal(node)
	})
}

func (t *PartitionTable) identifierTaken(identifier int32) bool {
	return slices.ContainsFunc(t.nodeRing, func(n Node) bool {
		return n.Identifier == identifier
	})
}

func (t *PartitionTable) insertNode(node Node) {
	index, _ := slices.BinarySearchFunc(t.nodeRing, node, func(a, b Node) int {
		return cmp.Compare(a.Identifier, b.Identifier)
	})
	t.nodeRing = slices.Insert(t.nodeRing, index, node)
	for i := range t.options.VirtualNodes {
		t.ring = append(t.ring, token{hash: tokenHash(node, i), node: node})
	}
	sort.Slice(t.ring, func(i, j int) bool {
		return t.ring[i].hash < t.ring[j].hash
	})
}

func (t *PartitionTable) computeOwners() {
	if len(t.ring) == 0 {
		t.owners = nil
		return
	}
	t.owners = make([]Node, t.options.TotalSlots)
	for slot := range t.options.TotalSlots {
		h := slotHash(slot)
		i := sort.Search(len(t.ring), func(i int) bool {
			return t.ring[i].hash >= h
		})
		if i == len(t.ring) {
			i = 0
		}
		t.owners[slot] = t.ring[i].node
	}
}

func tokenHash(node Node, i int) uint64 {
	return xxhash.Sum64String(node.Key() + "#" + strconv.Itoa(i))
}

func slotHash(slot int) uint64 {
	return xxhash.Sum64String("slot#" + strconv.Itoa(slot))
}
