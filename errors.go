package slotty

import (
	"errors"
	"fmt"
)

var (
	ErrShutdown              = errors.New("node is shutting down")
	ErrNotLeader             = errors.New("not leader")
	ErrTermTooOld            = errors.New("peer term older than mine")
	ErrLogNotFound           = errors.New("log not found")
	ErrKeyNotFound           = errors.New("key not found")
	ErrLogCompacted          = errors.New("log entries already compacted")
	ErrLogMismatch           = errors.New("log mismatch")
	ErrSnapshotNotFound      = errors.New("snapshot not found")
	ErrSnapshotRejected      = errors.New("snapshot rejected by follower")
	ErrChecksumDataTooShort  = errors.New("data too short to contain a checksum")
	ErrChecksumMismatch      = errors.New("checksum mismatch")
	ErrDataDirRequired       = errors.New("data dir cannot be empty")
	ErrMissingSchema         = errors.New("missing schema")
	ErrNodeAlreadyExists     = errors.New("node already exists")
	ErrNodeNotFound          = errors.New("node not found")
	ErrLastNode              = errors.New("cannot remove the last node of the cluster")
	ErrGroupNotFound         = errors.New("partition group not found on this node")
	ErrSlotOutOfRange        = errors.New("slot out of range")
	ErrSlotMoved             = errors.New("slot no longer belongs to this partition group")
	ErrClientPoolClosed      = errors.New("client pool closed")
	ErrUnknownRequestKind    = errors.New("unknown request kind")
	ErrUnknownMetaCommand    = errors.New("unknown meta command")
	ErrThisNodeRequired      = errors.New("this node must be part of the initial nodes")
	ErrStorageEngineRequired = errors.New("storage engine cannot be nil")
	ErrInvalidConsistency    = errors.New("invalid consistency level")
	ErrRequestFailed         = errors.New("request failed")
	ErrInvalidNode           = errors.New("invalid node, expected ip:metaPort:dataPort/identifier")
)

// RaftConnectionError is returned once every retry of a request
// against a partition group has been exhausted
type RaftConnectionError struct {
	Group PartitionGroup
	Node  Node
	Err   error
}

func (e *RaftConnectionError) Error() string {
	return fmt.Sprintf("cannot reach group %s, last node tried %s: %v", e.Group, e.Node, e.Err)
}

func (e *RaftConnectionError) Unwrap() error {
	return e.Err
}

// LeaderUnknownError is returned when no leader could be found
// or when leadership has been lost during an operation
type LeaderUnknownError struct {
	Group PartitionGroup
}

func (e *LeaderUnknownError) Error() string {
	return fmt.Sprintf("leader unknown for group %s", e.Group)
}

// CheckConsistencyError is returned when a strong read cannot
// sync with the leader of its group
type CheckConsistencyError struct {
	Group PartitionGroup
	Err   error
}

func (e *CheckConsistencyError) Error() string {
	return fmt.Sprintf("consistency check failed for group %s: %v", e.Group, e.Err)
}

func (e *CheckConsistencyError) Unwrap() error {
	return e.Err
}
