package slotty

import (
	"context"
	"fmt"
)

// dataApplier applies the entries of a data group to the storage engine
type dataApplier struct {
	cluster *Cluster
	header  Node
}

// ApplyEntry writes the entry payload into its slot
func (a *dataApplier) ApplyEntry(_ context.Context, entry *LogEntry) error {
	slot, payload, err := decodeDataCommand(entry.Payload)
	if err != nil {
		return fmt.Errorf("fail to decode data command at index %d: %w", entry.Index, err)
	}
	return a.cluster.engine.ApplyEntry(slot, payload)
}

// TakeSnapshot builds a partitioned snapshot of every slot owned by the group
func (a *dataApplier) TakeSnapshot(lastLogIndex, lastLogTerm uint64) (Snapshot, error) {
	snapshot := NewPartitionedSnapshot(lastLogIndex, lastLogTerm)
	table := a.cluster.PartitionTable()
	if table == nil {
		return snapshot, nil
	}
	for _, slot := range table.SlotsOf(a.header) {
		data, err := a.cluster.engine.TakeSlotSnapshot(slot)
		if err != nil {
			return nil, fmt.Errorf("fail to snapshot slot %d: %w", slot, err)
		}
		if data != nil {
			snapshot.Slots[slot] = data
		}
	}
	return snapshot, nil
}

// InstallSnapshot merges every slot of the snapshot into the storage engine
func (a *dataApplier) InstallSnapshot(snapshot Snapshot) error {
	partitioned, ok := snapshot.(*PartitionedSnapshot)
	if !ok {
		return fmt.Errorf("unexpected snapshot kind %d for data group", snapshot.Kind())
	}
	for slot, data := range partitioned.Slots {
		if err := a.cluster.engine.InstallSlotSnapshot(slot, data); err != nil {
			return fmt.Errorf("fail to install slot %d: %w", slot, err)
		}
	}
	return nil
}
