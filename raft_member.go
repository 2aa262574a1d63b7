package slotty

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// NewRaftMember builds the member and restores its term, vote,
// snapshot and log boundaries from its store
func NewRaftMember(options MemberOptions) (*RaftMember, error) {
	if options.Config == nil {
		options.Config = DefaultConfig()
	}
	if options.Store == nil {
		store, err := NewMemoryStore().Namespace(options.Group.Header().Key())
		if err != nil {
			return nil, err
		}
		options.Store = store
	}
	logger := options.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if options.metrics == nil {
		options.metrics = newMetrics(options.ThisNode.Key(), options.Config.MetricsNamespace, nil)
	}

	m := &RaftMember{
		name:          options.Name,
		thisNode:      options.ThisNode,
		header:        options.Group.Header(),
		config:        options.Config,
		store:         options.Store,
		pool:          options.Pool,
		applier:       options.Applier,
		schemaPuller:  options.SchemaPuller,
		logger:        logger,
		metrics:       options.metrics,
		group:         options.Group.Clone(),
		commitNotify:  make(chan struct{}),
		appliedNotify: make(chan struct{}),
		waiters:       make(map[uint64]chan error),
	}
	m.quitCtx, m.stopCtx = context.WithCancel(context.Background())
	if err := m.restore(); err != nil {
		return nil, err
	}
	return m, nil
}

// restore loads persisted state
func (m *RaftMember) restore() error {
	if data, err := m.store.GetMetadata(); err == nil {
		var metadata memberMetadata
		if err := json.Unmarshal(data, &metadata); err != nil {
			return fmt.Errorf("fail to decode metadata of group %s: %w", m.header, err)
		}
		m.term = metadata.CurrentTerm
		m.votedFor = metadata.VotedFor
	} else if !errors.Is(err, ErrKeyNotFound) {
		return err
	}

	if data, err := m.store.GetSnapshot(); err == nil {
		snapshot, err := DecodeSnapshot(data)
		if err != nil {
			return fmt.Errorf("fail to decode snapshot of group %s: %w", m.header, err)
		}
		if m.applier != nil {
			if err := m.applier.InstallSnapshot(snapshot); err != nil {
				return fmt.Errorf("fail to install snapshot of group %s: %w", m.header, err)
			}
		}
		m.snapshot = snapshot
		m.snapshotIndex = snapshot.LastLogIndex()
		m.snapshotTerm = snapshot.LastLogTerm()
		m.commitIndex = m.snapshotIndex
		m.lastApplied = m.snapshotIndex
	} else if !errors.Is(err, ErrKeyNotFound) {
		return err
	}

	m.lastLogIndex, m.lastLogTerm = m.snapshotIndex, m.snapshotTerm
	lastIndex, err := m.store.LastIndex()
	if err != nil {
		return err
	}
	if lastIndex > m.snapshotIndex {
		entry, err := m.store.GetLogByIndex(lastIndex)
		if err != nil {
			return fmt.Errorf("fail to read last log of group %s: %w", m.header, err)
		}
		m.lastLogIndex, m.lastLogTerm = entry.Index, entry.Term
	}
	return nil
}

// Start runs the role driver and the applier
func (m *RaftMember) Start() {
	if !m.isRunning.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	m.lastLeaderContact = time.Now()
	m.metrics.setRoleGauge(m.header.Key(), m.role)
	m.mu.Unlock()

	m.logger.Info().
		Str("address", m.thisNode.MetaAddress()).
		Str("group", m.name).
		Str("header", m.header.String()).
		Str("term", fmt.Sprintf("%d", m.Term())).
		Msgf("Starting member")

	m.wg.Add(2)
	go m.run()
	go m.applyLoop()
}

// Stop stops every goroutine of the member and fails pending proposals
func (m *RaftMember) Stop() {
	m.stopCtx()
	m.wg.Wait()
	m.isRunning.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWaitersLocked(0, ErrShutdown)
}

// IsRunning reports whether the member has been started and not stopped
func (m *RaftMember) IsRunning() bool {
	return m.isRunning.Load()
}

// Name returns the kind of group served
func (m *RaftMember) Name() string {
	return m.name
}

// Header returns the header of the group
func (m *RaftMember) Header() Node {
	return m.header
}

// ThisNode returns the node running the member
func (m *RaftMember) ThisNode() Node {
	return m.thisNode
}

// Group returns the current members of the group
func (m *RaftMember) Group() PartitionGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.group.Clone()
}

// Role returns the current role
func (m *RaftMember) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Term returns the current term
func (m *RaftMember) Term() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.term
}

// Leader returns the believed leader, zero when unknown
func (m *RaftMember) Leader() Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

// CommitIndex returns the highest index known to be committed
func (m *RaftMember) CommitIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitIndex
}

// LastApplied returns the highest applied index
func (m *RaftMember) LastApplied() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied
}

// LastLogIndex returns the index of the last entry
func (m *RaftMember) LastLogIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLogIndex
}

// Status returns a point in time view of the member
func (m *RaftMember) Status() MemberStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MemberStatus{
		Name:          m.name,
		Group:         m.group.Clone(),
		Role:          m.role.String(),
		Term:          m.term,
		Leader:        m.leader,
		LastLogIndex:  m.lastLogIndex,
		CommitIndex:   m.commitIndex,
		LastApplied:   m.lastApplied,
		SnapshotIndex: m.snapshotIndex,
	}
}

// GetClient returns a client of node from the shared pool
func (m *RaftMember) GetClient(ctx context.Context, node Node) (Client, error) {
	return m.pool.GetClient(ctx, node)
}

// PutClient returns the client of node to the shared pool
func (m *RaftMember) PutClient(node Node, client Client) {
	m.pool.PutClient(node, client)
}

// SetGroup replaces the members of the group after a topology change
func (m *RaftMember) SetGroup(group PartitionGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.group.Equal(group) {
		return
	}
	m.group = group.Clone()
	m.logger.Info().
		Str("address", m.thisNode.MetaAddress()).
		Str("group", m.name).
		Str("header", m.header.String()).
		Str("members", m.group.String()).
		Msgf("Group members changed")

	if !m.group.Contains(m.thisNode) {
		m.becomeFollowerLocked(m.term, Node{})
		return
	}
	if m.role != Leader {
		return
	}
	peers := make(map[string]*peerProgress)
	for _, node := range m.group.Others(m.thisNode) {
		if p, ok := m.peers[node.Key()]; ok {
			peers[node.Key()] = p
			continue
		}
		peers[node.Key()] = &peerProgress{
			node:        node,
			nextIndex:   m.lastLogIndex + 1,
			lastContact: time.Now(),
		}
	}
	m.peers = peers
	m.advanceCommitIndexLocked()
}

// becomeFollowerLocked moves to the elector role, adopting term when it is newer
func (m *RaftMember) becomeFollowerLocked(term uint64, leader Node) {
	if term > m.term {
		m.term = term
		m.votedFor = Node{}
		m.leader = Node{}
		m.persistMetadataLocked()
	}
	previous := m.role
	m.role = Elector
	m.peers = nil
	if !leader.IsZero() {
		m.leader = leader
	} else if previous == Leader {
		m.leader = Node{}
	}
	if previous != Elector {
		m.metrics.setRoleGauge(m.header.Key(), Elector)
		m.logger.Info().
			Str("address", m.thisNode.MetaAddress()).
			Str("group", m.name).
			Str("header", m.header.String()).
			Str("term", fmt.Sprintf("%d", m.term)).
			Str("previousRole", previous.String()).
			Str("leader", m.leader.String()).
			Msgf("Stepping down to elector")
	}
}

// becomeLeaderLocked moves to the leader role and appends
// a no op entry so that entries of previous terms can commit
func (m *RaftMember) becomeLeaderLocked() {
	m.role = Leader
	m.leader = m.thisNode
	now := time.Now()
	m.peers = make(map[string]*peerProgress)
	for _, node := range m.group.Others(m.thisNode) {
		m.peers[node.Key()] = &peerProgress{
			node:        node,
			nextIndex:   m.lastLogIndex + 1,
			lastContact: now,
		}
	}
	m.metrics.setRoleGauge(m.header.Key(), Leader)
	m.logger.Info().
		Str("address", m.thisNode.MetaAddress()).
		Str("group", m.name).
		Str("header", m.header.String()).
		Str("term", fmt.Sprintf("%d", m.term)).
		Msgf("Elected as leader")

	noop := &LogEntry{Term: m.term, Index: m.lastLogIndex + 1}
	if err := m.appendLocked([]*LogEntry{noop}); err != nil {
		m.logger.Error().Err(err).
			Str("address", m.thisNode.MetaAddress()).
			Str("header", m.header.String()).
			Msgf("Fail to append no op entry")
		m.becomeFollowerLocked(m.term, Node{})
		return
	}
	m.advanceCommitIndexLocked()
}

// stepDown is used by catch up tasks when a follower answers with a newer term
func (m *RaftMember) stepDown(term uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.becomeFollowerLocked(term, Node{})
}

// isLeaderAt reports whether the member is still leader of term
func (m *RaftMember) isLeaderAt(term uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role == Leader && m.term == term
}

// persistMetadataLocked saves term and vote
func (m *RaftMember) persistMetadataLocked() {
	data, err := json.Marshal(memberMetadata{CurrentTerm: m.term, VotedFor: m.votedFor})
	if err == nil {
		err = m.store.StoreMetadata(data)
	}
	if err != nil {
		m.logger.Error().Err(err).
			Str("address", m.thisNode.MetaAddress()).
			Str("header", m.header.String()).
			Str("term", fmt.Sprintf("%d", m.term)).
			Msgf("Fail to persist metadata")
	}
}

// appendLocked stores entries and moves the last log index
func (m *RaftMember) appendLocked(entries []*LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := m.store.StoreLogs(entries); err != nil {
		return err
	}
	last := entries[len(entries)-1]
	m.lastLogIndex, m.lastLogTerm = last.Index, last.Term
	return nil
}

// termAtLocked returns the term of the entry at index when it is known
func (m *RaftMember) termAtLocked(index uint64) (uint64, bool) {
	switch {
	case index == 0:
		return 0, true
	case index == m.snapshotIndex:
		return m.snapshotTerm, true
	case index < m.snapshotIndex, index > m.lastLogIndex:
		return 0, false
	case index == m.lastLogIndex:
		return m.lastLogTerm, true
	}
	entry, err := m.store.GetLogByIndex(index)
	if err != nil {
		return 0, false
	}
	return entry.Term, true
}

// setCommitIndexLocked moves the commit index forward and wakes the applier
func (m *RaftMember) setCommitIndexLocked(index uint64) {
	if index <= m.commitIndex {
		return
	}
	m.commitIndex = index
	close(m.commitNotify)
	m.commitNotify = make(chan struct{})
}

// advanceCommitIndexLocked commits the highest index replicated on a majority
// when it belongs to the current term
func (m *RaftMember) advanceCommitIndexLocked() {
	if m.role != Leader {
		return
	}
	matches := []uint64{m.lastLogIndex}
	for _, node := range m.group.Others(m.thisNode) {
		if p, ok := m.peers[node.Key()]; ok {
			matches = append(matches, p.matchIndex)
		} else {
			matches = append(matches, 0)
		}
	}
	quorum := m.group.Quorum()
	if !m.group.Contains(m.thisNode) || len(matches) < quorum {
		return
	}
	slices.SortFunc(matches, func(a, b uint64) int {
		return cmp.Compare(b, a)
	})
	candidate := matches[quorum-1]
	if candidate <= m.commitIndex {
		return
	}
	if term, ok := m.termAtLocked(candidate); ok && term == m.term {
		m.setCommitIndexLocked(candidate)
	}
}

// hasQuorumContactLocked reports whether a majority answered the leader recently
func (m *RaftMember) hasQuorumContactLocked() bool {
	contacts := 1
	for _, p := range m.peers {
		if time.Since(p.lastContact) <= m.config.ElectionTimeout {
			contacts++
		}
	}
	return contacts >= m.group.Quorum()
}

// failWaitersLocked fails every proposer waiting for an index above from
func (m *RaftMember) failWaitersLocked(from uint64, err error) {
	for index, waiter := range m.waiters {
		if index > from {
			waiter <- err
			delete(m.waiters, index)
		}
	}
}
