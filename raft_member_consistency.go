package slotty

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SyncLeaderWithConsistencyCheck waits until this member has applied
// every entry the leader had committed when the call started.
// It backs strong reads
func (m *RaftMember) SyncLeaderWithConsistencyCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.ReadOperationTimeout)
	defer cancel()

	group := m.Group()
	var commitIndex uint64
	for {
		index, err := m.leaderCommitIndex(ctx)
		if err == nil {
			commitIndex = index
			break
		}
		m.logger.Debug().Err(err).
			Str("address", m.thisNode.MetaAddress()).
			Str("header", m.header.String()).
			Msgf("Fail to fetch commit index of leader")

		select {
		case <-ctx.Done():
			return &CheckConsistencyError{Group: group, Err: errors.Join(ctx.Err(), err)}
		case <-m.quitCtx.Done():
			return &CheckConsistencyError{Group: group, Err: ErrShutdown}
		case <-time.After(m.config.HeartbeatInterval):
		}
	}

	if err := m.waitApplied(ctx, commitIndex); err != nil {
		return &CheckConsistencyError{Group: group, Err: err}
	}
	return nil
}

// leaderCommitIndex returns the commit index of the leader, asking it when this member is not the leader
func (m *RaftMember) leaderCommitIndex(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	if m.role == Leader {
		defer m.mu.Unlock()
		if !m.hasQuorumContactLocked() {
			return 0, &LeaderUnknownError{Group: m.group.Clone()}
		}
		return m.commitIndex, nil
	}
	leader, group := m.leader, m.group.Clone()
	m.mu.Unlock()

	if leader.IsZero() {
		return 0, &LeaderUnknownError{Group: group}
	}

	request := &RequestCommitIndexRequest{Name: m.name, Header: m.header}
	response, err := callPeer(ctx, m.pool, leader, func(client Client) (*RequestCommitIndexResponse, error) {
		return client.RequestCommitIndex(ctx, request)
	})
	if err != nil {
		return 0, &RaftConnectionError{Group: group, Node: leader, Err: err}
	}

	switch response.Status {
	case StatusOK:
		m.mu.Lock()
		if response.Term >= m.term && m.role != Leader {
			m.becomeFollowerLocked(response.Term, response.Leader)
		}
		m.mu.Unlock()
		return response.CommitIndex, nil
	case StatusRedirect:
		m.mu.Lock()
		if response.Term >= m.term && m.role != Leader {
			m.becomeFollowerLocked(response.Term, response.Leader)
		}
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: leader moved to %s", ErrNotLeader, response.Leader)
	default:
		return 0, &LeaderUnknownError{Group: group}
	}
}
