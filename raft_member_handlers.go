package slotty

import (
	"errors"
	"fmt"
	"time"
)

// HandleAppendEntries appends the entries of the leader to the local log
// once the previous entry matches, truncating conflicting entries
func (m *RaftMember) HandleAppendEntries(request *AppendEntriesRequest) *AppendEntriesResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	if request.Term < m.term {
		return &AppendEntriesResponse{Term: m.term, LastLogIndex: m.lastLogIndex, LastLogTerm: m.lastLogTerm}
	}
	if request.Term > m.term || m.role != Elector || !m.leader.Equal(request.Leader) {
		m.becomeFollowerLocked(request.Term, request.Leader)
	}
	m.lastLeaderContact = time.Now()

	if request.PrevLogIndex > m.snapshotIndex {
		term, ok := m.termAtLocked(request.PrevLogIndex)
		if !ok || term != request.PrevLogTerm {
			m.logger.Debug().
				Str("address", m.thisNode.MetaAddress()).
				Str("header", m.header.String()).
				Str("prevLogIndex", fmt.Sprintf("%d", request.PrevLogIndex)).
				Str("lastLogIndex", fmt.Sprintf("%d", m.lastLogIndex)).
				Msgf("Log mismatch with leader")
			return &AppendEntriesResponse{
				Term:         m.term,
				LogMismatch:  true,
				LastLogIndex: min(m.lastLogIndex, request.PrevLogIndex-1),
				LastLogTerm:  m.lastLogTerm,
			}
		}
	}

	toAppend := make([]*LogEntry, 0, len(request.Entries))
	for i, entry := range request.Entries {
		if entry.Index <= m.snapshotIndex {
			continue
		}
		if entry.Index <= m.lastLogIndex {
			term, ok := m.termAtLocked(entry.Index)
			if ok && term == entry.Term {
				continue
			}
			if err := m.truncateLocked(entry.Index); err != nil {
				return m.appendFailureLocked(err)
			}
		}
		toAppend = request.Entries[i:]
		break
	}
	if err := m.appendLocked(toAppend); err != nil {
		return m.appendFailureLocked(err)
	}

	last := request.PrevLogIndex + uint64(len(request.Entries))
	m.setCommitIndexLocked(min(request.LeaderCommit, last, m.lastLogIndex))
	return &AppendEntriesResponse{
		Term:         m.term,
		Success:      true,
		LastLogIndex: m.lastLogIndex,
		LastLogTerm:  m.lastLogTerm,
	}
}

func (m *RaftMember) appendFailureLocked(err error) *AppendEntriesResponse {
	m.logger.Error().Err(err).
		Str("address", m.thisNode.MetaAddress()).
		Str("header", m.header.String()).
		Msgf("Fail to store entries from leader")
	return &AppendEntriesResponse{Term: m.term, LastLogIndex: m.lastLogIndex, LastLogTerm: m.lastLogTerm}
}

// truncateLocked removes every entry from index and fails their proposers
func (m *RaftMember) truncateLocked(index uint64) error {
	if err := m.store.DiscardLogs(index, m.lastLogIndex); err != nil {
		return err
	}
	m.failWaitersLocked(index-1, ErrNotLeader)
	term, _ := m.termAtLocked(index - 1)
	m.lastLogIndex, m.lastLogTerm = index-1, term
	return nil
}

// HandleSendSnapshot installs the snapshot sent by the leader.
// Snapshots older than the applied state are acknowledged without being installed
func (m *RaftMember) HandleSendSnapshot(request *SendSnapshotRequest) *SendSnapshotResponse {
	m.mu.Lock()
	if request.Term < m.term {
		defer m.mu.Unlock()
		return &SendSnapshotResponse{Term: m.term, LastLogIndex: m.lastLogIndex}
	}
	if request.Term > m.term || m.role != Elector || !m.leader.Equal(request.Leader) {
		m.becomeFollowerLocked(request.Term, request.Leader)
	}
	m.lastLeaderContact = time.Now()
	m.mu.Unlock()

	snapshot, err := DecodeSnapshot(request.Snapshot)
	if err != nil {
		m.logger.Error().Err(err).
			Str("address", m.thisNode.MetaAddress()).
			Str("header", m.header.String()).
			Msgf("Fail to decode snapshot from leader")
		return &SendSnapshotResponse{Term: request.Term, LastLogIndex: m.LastLogIndex()}
	}
	if err := m.installSnapshot(snapshot); err != nil {
		m.logger.Error().Err(err).
			Str("address", m.thisNode.MetaAddress()).
			Str("header", m.header.String()).
			Str("snapshotIndex", fmt.Sprintf("%d", snapshot.LastLogIndex())).
			Msgf("Fail to install snapshot from leader")
		return &SendSnapshotResponse{Term: request.Term, LastLogIndex: m.LastLogIndex()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLeaderContact = time.Now()
	return &SendSnapshotResponse{Term: m.term, Success: true, LastLogIndex: m.lastLogIndex}
}

// installSnapshot replaces the applied state with snapshot.
// The log suffix is kept when it extends the snapshot
func (m *RaftMember) installSnapshot(snapshot Snapshot) error {
	start := time.Now()
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	index, term := snapshot.LastLogIndex(), snapshot.LastLogTerm()
	if index <= m.LastApplied() {
		return nil
	}
	if m.applier != nil {
		if err := m.applier.InstallSnapshot(snapshot); err != nil {
			return err
		}
	}
	data, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	if err := m.store.StoreSnapshot(data); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if localTerm, ok := m.termAtLocked(index); ok && localTerm == term && index <= m.lastLogIndex {
		if err := m.store.DiscardLogs(0, index); err != nil && !errors.Is(err, ErrLogNotFound) {
			return err
		}
	} else {
		if m.lastLogIndex > 0 {
			if err := m.store.DiscardLogs(0, m.lastLogIndex); err != nil && !errors.Is(err, ErrLogNotFound) {
				return err
			}
		}
		m.lastLogIndex, m.lastLogTerm = index, term
	}
	m.failWaitersLocked(0, ErrNotLeader)
	m.snapshot = snapshot
	m.snapshotIndex, m.snapshotTerm = index, term
	if index > m.commitIndex {
		m.commitIndex = index
	}
	m.setAppliedLocked(index)
	m.metrics.timeSince("installSnapshot", start)

	m.logger.Info().
		Str("address", m.thisNode.MetaAddress()).
		Str("header", m.header.String()).
		Str("snapshotIndex", fmt.Sprintf("%d", index)).
		Str("snapshotTerm", fmt.Sprintf("%d", term)).
		Msgf("Snapshot installed")
	return nil
}

// HandleRequestCommitIndex returns the commit index of the leader.
// The answer is only given while a majority of the group answered recently
func (m *RaftMember) HandleRequestCommitIndex(*RequestCommitIndexRequest) *RequestCommitIndexResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.role != Leader {
		if m.leader.IsZero() {
			return &RequestCommitIndexResponse{Status: StatusLeaderUnknown, Term: m.term}
		}
		return &RequestCommitIndexResponse{Status: StatusRedirect, Leader: m.leader, Term: m.term}
	}
	if !m.hasQuorumContactLocked() {
		return &RequestCommitIndexResponse{Status: StatusLeaderUnknown, Term: m.term}
	}
	return &RequestCommitIndexResponse{
		Status:      StatusOK,
		Leader:      m.thisNode,
		Term:        m.term,
		CommitIndex: m.commitIndex,
	}
}
