package slotty

import (
	"context"
	"encoding/json"
	"fmt"
)

// metaCommandKind tells which topology change a meta entry holds
type metaCommandKind uint8

const (
	metaCommandAddNode metaCommandKind = iota + 1
	metaCommandRemoveNode
)

// String return a human readable kind of the command
func (k metaCommandKind) String() string {
	switch k {
	case metaCommandAddNode:
		return "addNode"
	case metaCommandRemoveNode:
		return "removeNode"
	}
	return "unknown"
}

// metaCommand is the payload of meta group entries
type metaCommand struct {
	Kind metaCommandKind `json:"kind"`
	Node Node            `json:"node"`
}

// metaApplier applies topology changes to the partition table of the node
type metaApplier struct {
	cluster *Cluster
}

// ApplyEntry applies a meta command. Entries already reflected by
// the partition table are skipped so that replays are harmless
func (a *metaApplier) ApplyEntry(_ context.Context, entry *LogEntry) error {
	c := a.cluster
	var command metaCommand
	if err := json.Unmarshal(entry.Payload, &command); err != nil {
		return fmt.Errorf("fail to decode meta command: %w", err)
	}

	c.mu.RLock()
	table, index := c.table, c.tableIndex
	c.mu.RUnlock()
	if table == nil {
		return fmt.Errorf("%w: partition table not loaded", ErrGroupNotFound)
	}
	if entry.Index <= index {
		return nil
	}

	next := table.Clone()
	var err error
	switch command.Kind {
	case metaCommandAddNode:
		_, err = next.AddNode(command.Node)
	case metaCommandRemoveNode:
		_, err = next.RemoveNode(command.Node)
	default:
		err = fmt.Errorf("%w: %d", ErrUnknownMetaCommand, command.Kind)
	}
	if err != nil {
		c.advanceTableIndex(entry.Index)
		return err
	}

	c.logger.Info().
		Str("address", c.thisNode.MetaAddress()).
		Str("command", command.Kind.String()).
		Str("node", command.Node.String()).
		Str("index", fmt.Sprintf("%d", entry.Index)).
		Msgf("Applying topology change")
	c.switchPartitionTable(next, entry.Index)
	return nil
}

// TakeSnapshot returns the serialized partition table
func (a *metaApplier) TakeSnapshot(lastLogIndex, lastLogTerm uint64) (Snapshot, error) {
	table := a.cluster.PartitionTable()
	if table == nil {
		return nil, fmt.Errorf("%w: partition table not loaded", ErrGroupNotFound)
	}
	data, err := table.Serialize()
	if err != nil {
		return nil, err
	}
	return &SimpleSnapshot{Data: data, Index: lastLogIndex, Term: lastLogTerm}, nil
}

// InstallSnapshot switches to the partition table held by snapshot
func (a *metaApplier) InstallSnapshot(snapshot Snapshot) error {
	simple, ok := snapshot.(*SimpleSnapshot)
	if !ok {
		return fmt.Errorf("unexpected snapshot kind %d for meta group", snapshot.Kind())
	}
	table, err := DeserializePartitionTable(simple.Data)
	if err != nil {
		return err
	}
	a.cluster.switchPartitionTable(table, simple.LastLogIndex())
	return nil
}
