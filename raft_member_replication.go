package slotty

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Propose appends payload to the log of the group, replicates it and
// waits until it is applied locally. Only the leader accepts proposals
func (m *RaftMember) Propose(ctx context.Context, payload []byte) error {
	m.proposeMu.Lock()
	m.mu.Lock()
	if m.role != Leader {
		m.mu.Unlock()
		m.proposeMu.Unlock()
		return ErrNotLeader
	}

	entry := &LogEntry{Term: m.term, Index: m.lastLogIndex + 1, Payload: payload}
	if err := m.appendLocked([]*LogEntry{entry}); err != nil {
		m.mu.Unlock()
		m.proposeMu.Unlock()
		return fmt.Errorf("fail to append entry: %w", err)
	}
	waiter := make(chan error, 1)
	m.waiters[entry.Index] = waiter

	requests := make(map[*peerProgress]*AppendEntriesRequest)
	for _, p := range m.peers {
		if p.catchingUp {
			continue
		}
		if p.matchIndex+1 != entry.Index {
			m.startCatchUpLocked(p, p.matchIndex)
			continue
		}
		requests[p] = &AppendEntriesRequest{
			Name:         m.name,
			Header:       m.header,
			Term:         entry.Term,
			Leader:       m.thisNode,
			PrevLogIndex: entry.Index - 1,
			PrevLogTerm:  m.prevTermLocked(entry.Index - 1),
			Entries:      []*LogEntry{entry},
			LeaderCommit: m.commitIndex,
		}
	}
	m.advanceCommitIndexLocked()
	m.mu.Unlock()

	var wg sync.WaitGroup
	for p, request := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.replicate(p, request)
		}()
	}
	wg.Wait()
	m.proposeMu.Unlock()

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.waiters, entry.Index)
		m.mu.Unlock()
		return ctx.Err()
	case <-m.quitCtx.Done():
		return ErrShutdown
	}
}

// prevTermLocked returns the term at index, 0 when unknown
func (m *RaftMember) prevTermLocked(index uint64) uint64 {
	term, _ := m.termAtLocked(index)
	return term
}

// sendHeartbeats sends an empty append entries to every peer not being caught up
func (m *RaftMember) sendHeartbeats() {
	m.mu.Lock()
	if m.role != Leader {
		m.mu.Unlock()
		return
	}
	requests := make(map[*peerProgress]*AppendEntriesRequest, len(m.peers))
	for _, p := range m.peers {
		if p.catchingUp {
			continue
		}
		prevIndex := p.matchIndex
		prevTerm, ok := m.termAtLocked(prevIndex)
		if !ok {
			prevIndex, prevTerm = 0, 0
		}
		requests[p] = &AppendEntriesRequest{
			Name:         m.name,
			Header:       m.header,
			Term:         m.term,
			Leader:       m.thisNode,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			LeaderCommit: m.commitIndex,
		}
	}
	m.mu.Unlock()

	for p, request := range requests {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.replicate(p, request)
		}()
	}
}

// replicate sends request to the peer and handles its answer
func (m *RaftMember) replicate(p *peerProgress, request *AppendEntriesRequest) {
	ctx, cancel := context.WithTimeout(m.quitCtx, m.config.ElectionTimeout)
	defer cancel()

	response, err := callPeer(ctx, m.pool, p.node, func(client Client) (*AppendEntriesResponse, error) {
		return client.AppendEntries(ctx, request)
	})
	if err != nil {
		m.logger.Debug().Err(err).
			Str("address", m.thisNode.MetaAddress()).
			Str("header", m.header.String()).
			Str("peerAddress", p.node.MetaAddress()).
			Msgf("Fail to send append entries to peer")
		return
	}
	m.handleAppendResponse(p, request, response)
}

// handleAppendResponse moves the peer progress forward and starts a catch up
// task when the peer is lagging or its log does not match
func (m *RaftMember) handleAppendResponse(p *peerProgress, request *AppendEntriesRequest, response *AppendEntriesResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if response.Term > m.term {
		m.becomeFollowerLocked(response.Term, Node{})
		return
	}
	if m.role != Leader || m.term != request.Term {
		return
	}
	p.lastContact = time.Now()

	if !response.Success {
		m.startCatchUpLocked(p, min(response.LastLogIndex, m.lastLogIndex))
		return
	}

	match := request.PrevLogIndex + uint64(len(request.Entries))
	if match > p.matchIndex {
		p.matchIndex = match
		p.nextIndex = match + 1
		m.advanceCommitIndexLocked()
	}
	if p.matchIndex < m.lastLogIndex && len(request.Entries) == 0 {
		m.startCatchUpLocked(p, min(response.LastLogIndex, m.lastLogIndex))
	}
}

// startCatchUpLocked starts a catch up task for the peer unless one is running.
// A snapshot is sent when the follower needs compacted entries or lags
// more than the configured threshold
func (m *RaftMember) startCatchUpLocked(p *peerProgress, followerLastIndex uint64) {
	if p.catchingUp || m.role != Leader || m.quitCtx.Err() != nil {
		return
	}
	p.catchingUp = true
	term := m.term
	useSnapshot := followerLastIndex < m.snapshotIndex ||
		m.lastLogIndex-followerLastIndex > m.config.CatchUpLogGapThreshold

	m.wg.Add(1)
	go m.runCatchUp(p, term, followerLastIndex, useSnapshot)
}

func (m *RaftMember) runCatchUp(p *peerProgress, term, followerLastIndex uint64, useSnapshot bool) {
	defer m.wg.Done()
	ctx, cancel := context.WithTimeout(m.quitCtx, m.config.CatchUpTimeout)
	defer cancel()

	var (
		matchIndex uint64
		err        error
		kind       = "log"
		start      = time.Now()
	)
	if !useSnapshot {
		matchIndex, err = NewLogCatchUpTask(m, p.node, followerLastIndex).Run(ctx)
		if errors.Is(err, ErrLogCompacted) {
			useSnapshot = true
		}
	}
	if useSnapshot {
		kind = "snapshot"
		matchIndex, err = NewSnapshotCatchUpTask(m, p.node, nil).Run(ctx)
	}
	m.metrics.catchUpDone(kind, start, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	p.catchingUp = false
	if err != nil {
		m.logger.Warn().Err(err).
			Str("address", m.thisNode.MetaAddress()).
			Str("header", m.header.String()).
			Str("peerAddress", p.node.MetaAddress()).
			Str("kind", kind).
			Msgf("Fail to catch up peer")
		return
	}
	if m.role != Leader || m.term != term {
		return
	}
	p.lastContact = time.Now()
	if matchIndex > p.matchIndex {
		p.matchIndex = matchIndex
		p.nextIndex = matchIndex + 1
		m.advanceCommitIndexLocked()
	}
	m.logger.Debug().
		Str("address", m.thisNode.MetaAddress()).
		Str("header", m.header.String()).
		Str("peerAddress", p.node.MetaAddress()).
		Str("kind", kind).
		Str("matchIndex", fmt.Sprintf("%d", matchIndex)).
		Msgf("Peer caught up")
}
