package slotty

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// NewSnapshotCatchUpTask builds a task sending snapshot to target.
// A nil snapshot is taken from the applied state when the task runs
func NewSnapshotCatchUpTask(member *RaftMember, target Node, snapshot Snapshot) *SnapshotCatchUpTask {
	return &SnapshotCatchUpTask{
		id:       uuid.New(),
		member:   member,
		target:   target,
		term:     member.Term(),
		snapshot: snapshot,
	}
}

// Run installs the snapshot on the follower and replays the entries after it.
// It returns the index the follower is known to match
func (t *SnapshotCatchUpTask) Run(ctx context.Context) (uint64, error) {
	m := t.member
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !m.isLeaderAt(t.term) {
		return 0, &LeaderUnknownError{Group: m.Group()}
	}

	snapshot := t.snapshot
	if snapshot == nil {
		var err error
		if snapshot, err = m.snapshotForCatchUp(); err != nil {
			return 0, fmt.Errorf("fail to take snapshot: %w", err)
		}
	}
	data, err := EncodeSnapshot(snapshot)
	if err != nil {
		return 0, err
	}

	m.logger.Debug().
		Str("address", m.thisNode.MetaAddress()).
		Str("header", m.header.String()).
		Str("peerAddress", t.target.MetaAddress()).
		Str("taskId", t.id.String()).
		Str("snapshotIndex", fmt.Sprintf("%d", snapshot.LastLogIndex())).
		Msgf("Sending snapshot to peer")

	request := &SendSnapshotRequest{
		Name:     m.name,
		Header:   m.header,
		Term:     t.term,
		Leader:   m.thisNode,
		Snapshot: data,
	}
	response, err := sendWithRetries(ctx, m, t.target, func(rpcCtx context.Context, client Client) (*SendSnapshotResponse, error) {
		return client.SendSnapshot(rpcCtx, request)
	})
	if err != nil {
		return 0, err
	}
	if response.Term > t.term {
		m.stepDown(response.Term)
		return 0, &LeaderUnknownError{Group: m.Group()}
	}
	if !m.isLeaderAt(t.term) {
		return 0, &LeaderUnknownError{Group: m.Group()}
	}
	if !response.Success {
		return 0, fmt.Errorf("%w: %s", ErrSnapshotRejected, t.target)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	logTask := NewLogCatchUpTask(m, t.target, snapshot.LastLogIndex())
	logTask.term = t.term
	return logTask.Run(ctx)
}
