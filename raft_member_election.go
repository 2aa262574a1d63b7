package slotty

import (
	"context"
	"fmt"
	"time"
)

// run is the role driver of the member. It starts elections when the
// leader is silent and sends heartbeats while leader
func (m *RaftMember) run() {
	defer m.wg.Done()

	heartbeat := time.NewTicker(m.config.HeartbeatInterval)
	defer heartbeat.Stop()
	election := time.NewTimer(m.randomElectionTimeout())
	defer election.Stop()

	for {
		select {
		case <-m.quitCtx.Done():
			return

		case <-heartbeat.C:
			if m.Role() == Leader {
				m.sendHeartbeats()
			}

		case <-election.C:
			if m.electionDue() {
				m.startElection()
			}
			election.Reset(m.randomElectionTimeout())
		}
	}
}

// electionDue reports whether the leader has been silent for too long
func (m *RaftMember) electionDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role != Leader &&
		m.group.Contains(m.thisNode) &&
		time.Since(m.lastLeaderContact) >= m.config.ElectionTimeout
}

// startElection increments the term and asks every other member for its vote
func (m *RaftMember) startElection() {
	m.mu.Lock()
	if m.role == Leader || !m.group.Contains(m.thisNode) {
		m.mu.Unlock()
		return
	}
	m.role = Candidate
	m.term++
	m.votedFor = m.thisNode
	m.leader = Node{}
	m.persistMetadataLocked()
	m.metrics.setRoleGauge(m.header.Key(), Candidate)

	term := m.term
	request := &RequestVoteRequest{
		Name:         m.name,
		Header:       m.header,
		Term:         term,
		Candidate:    m.thisNode,
		LastLogIndex: m.lastLogIndex,
		LastLogTerm:  m.lastLogTerm,
	}
	others := m.group.Others(m.thisNode)
	quorum := m.group.Quorum()
	votes := 1
	if votes >= quorum {
		m.becomeLeaderLocked()
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Debug().
		Str("address", m.thisNode.MetaAddress()).
		Str("group", m.name).
		Str("header", m.header.String()).
		Str("term", fmt.Sprintf("%d", term)).
		Msgf("Start election campaign")

	ctx, cancel := context.WithTimeout(m.quitCtx, m.config.ElectionTimeout)
	defer cancel()

	responses := make(chan *RequestVoteResponse, len(others))
	for _, node := range others {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			response, err := callPeer(ctx, m.pool, node, func(client Client) (*RequestVoteResponse, error) {
				return client.RequestVote(ctx, request)
			})
			if err != nil {
				m.logger.Debug().Err(err).
					Str("address", m.thisNode.MetaAddress()).
					Str("header", m.header.String()).
					Str("peerAddress", node.MetaAddress()).
					Msgf("Fail to send vote request to peer")
			}
			responses <- response
		}()
	}

	for range others {
		var response *RequestVoteResponse
		select {
		case response = <-responses:
		case <-ctx.Done():
			return
		}
		if response == nil {
			continue
		}

		m.mu.Lock()
		if response.Term > m.term {
			m.becomeFollowerLocked(response.Term, Node{})
			m.mu.Unlock()
			return
		}
		if m.role != Candidate || m.term != term {
			m.mu.Unlock()
			return
		}
		if response.Granted {
			votes++
			if votes >= quorum {
				m.becomeLeaderLocked()
				m.mu.Unlock()
				return
			}
		}
		m.mu.Unlock()
	}
}

// HandleRequestVote grants the vote to candidates with a log at least
// as up to date as ours, once per term
func (m *RaftMember) HandleRequestVote(request *RequestVoteRequest) *RequestVoteResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	if request.Term < m.term {
		return &RequestVoteResponse{Term: m.term}
	}
	if request.Term > m.term {
		m.becomeFollowerLocked(request.Term, Node{})
	}

	upToDate := request.LastLogTerm > m.lastLogTerm ||
		(request.LastLogTerm == m.lastLogTerm && request.LastLogIndex >= m.lastLogIndex)
	if (m.votedFor.IsZero() || m.votedFor.Equal(request.Candidate)) && upToDate {
		m.votedFor = request.Candidate
		m.persistMetadataLocked()
		m.lastLeaderContact = time.Now()
		m.logger.Debug().
			Str("address", m.thisNode.MetaAddress()).
			Str("header", m.header.String()).
			Str("term", fmt.Sprintf("%d", m.term)).
			Str("candidate", request.Candidate.String()).
			Msgf("Vote granted")
		return &RequestVoteResponse{Term: m.term, Granted: true}
	}
	return &RequestVoteResponse{Term: m.term}
}

// callPeer runs call with a pooled client of node. A failed call
// recreates the client so that a broken connection is not reused
func callPeer[T any](ctx context.Context, pool *ClientPool, node Node, call func(Client) (T, error)) (T, error) {
	var zero T
	client, err := pool.GetClient(ctx, node)
	if err != nil {
		return zero, err
	}
	response, err := call(client)
	if err != nil {
		if replacement, rerr := pool.RecreateClient(node, client); rerr == nil {
			pool.PutClient(node, replacement)
		}
		return zero, err
	}
	pool.PutClient(node, client)
	return response, nil
}
