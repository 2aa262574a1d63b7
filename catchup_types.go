package slotty

import (
	"github.com/google/uuid"
)

// LogCatchUpTask replays the log of the leader to a lagging follower
type LogCatchUpTask struct {
	id     uuid.UUID
	member *RaftMember
	target Node

	// term is the leadership term the task was started in
	term uint64

	// followerLastIndex is where the replay starts from
	followerLastIndex uint64
}

// SnapshotCatchUpTask sends a snapshot to a follower missing compacted
// entries and then replays the entries after it
type SnapshotCatchUpTask struct {
	id       uuid.UUID
	member   *RaftMember
	target   Node
	term     uint64
	snapshot Snapshot
}
