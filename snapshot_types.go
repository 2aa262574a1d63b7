package slotty

// SnapshotKind tells which snapshot variant was encoded
type SnapshotKind uint8

const (
	// SnapshotSimple holds opaque bytes, used by the meta group
	SnapshotSimple SnapshotKind = iota + 1

	// SnapshotPartitioned holds one sub snapshot per slot, used by data groups
	SnapshotPartitioned
)

// Snapshot is the compacted state of a group up to LastLogIndex
type Snapshot interface {
	// Kind returns the snapshot variant
	Kind() SnapshotKind

	// LastLogIndex is the last index included in the snapshot
	LastLogIndex() uint64

	// LastLogTerm is the term of LastLogIndex
	LastLogTerm() uint64

	// MarshalBinary encodes the snapshot body
	MarshalBinary() ([]byte, error)
}

// SimpleSnapshot is a snapshot holding opaque bytes
type SimpleSnapshot struct {
	// Data is the serialized state
	Data []byte

	// Index is the last index included in the snapshot
	Index uint64

	// Term is the term of Index
	Term uint64
}

// PartitionedSnapshot holds the sub snapshot of every slot of a data group
type PartitionedSnapshot struct {
	// Slots maps slot ids to the data returned by the storage engine
	Slots map[int][]byte

	// Index is the last index included in the snapshot
	Index uint64

	// Term is the term of Index
	Term uint64
}
