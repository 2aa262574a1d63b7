package slotty

import (
	"context"
)

// StorageEngine is the local time series engine the cluster writes to.
// Every call is scoped to a single slot
type StorageEngine interface {
	// ApplyEntry applies a write. A write referencing an unknown
	// series must return an error wrapping ErrMissingSchema
	ApplyEntry(slot int, payload []byte) error

	// Query serves a read
	Query(slot int, payload []byte) ([]byte, error)

	// TakeSlotSnapshot returns the whole data of the slot
	TakeSlotSnapshot(slot int) ([]byte, error)

	// InstallSlotSnapshot merges data built by TakeSlotSnapshot
	InstallSlotSnapshot(slot int, data []byte) error

	// RemoveSlot drops the data of the slot
	RemoveSlot(slot int) error
}

// SchemaPuller fetches a missing schema from the cluster so that
// a failed entry can be applied again
type SchemaPuller interface {
	OnMissingSchema(ctx context.Context, payload []byte) error
}

// Applier applies committed entries of a partition group
// and builds or installs its snapshots
type Applier interface {
	// ApplyEntry applies a committed entry
	ApplyEntry(ctx context.Context, entry *LogEntry) error

	// TakeSnapshot returns the state of the group up to lastLogIndex
	TakeSnapshot(lastLogIndex, lastLogTerm uint64) (Snapshot, error)

	// InstallSnapshot replaces the state of the group with snapshot
	InstallSnapshot(snapshot Snapshot) error
}
