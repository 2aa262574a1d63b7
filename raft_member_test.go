package slotty

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingApplier keeps every applied payload in order.
// The next missingSchema calls of ApplyEntry fail with ErrMissingSchema
type recordingApplier struct {
	mu            sync.Mutex
	payloads      []string
	attempts      int
	missingSchema int
}

func (a *recordingApplier) ApplyEntry(_ context.Context, entry *LogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts++
	if a.missingSchema > 0 {
		a.missingSchema--
		return fmt.Errorf("%w: %s", ErrMissingSchema, entry.Payload)
	}
	a.payloads = append(a.payloads, string(entry.Payload))
	return nil
}

func (a *recordingApplier) TakeSnapshot(lastLogIndex, lastLogTerm uint64) (Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, err := json.Marshal(a.payloads)
	if err != nil {
		return nil, err
	}
	return &SimpleSnapshot{Data: data, Index: lastLogIndex, Term: lastLogTerm}, nil
}

func (a *recordingApplier) InstallSnapshot(snapshot Snapshot) error {
	simple, ok := snapshot.(*SimpleSnapshot)
	if !ok {
		return fmt.Errorf("unexpected snapshot kind %d", snapshot.Kind())
	}
	var payloads []string
	if err := json.Unmarshal(simple.Data, &payloads); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = payloads
	return nil
}

func (a *recordingApplier) applied() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.payloads)
}

// countingSchemaPuller counts the missing schema pulls and answers err
type countingSchemaPuller struct {
	calls atomic.Int32
	err   error
}

func (p *countingSchemaPuller) OnMissingSchema(context.Context, []byte) error {
	p.calls.Add(1)
	return p.err
}

// memberService serves the consensus rpcs of a single member
type memberService struct {
	ClusterService
	member *RaftMember
}

func (s *memberService) AppendEntries(_ context.Context, request *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return s.member.HandleAppendEntries(request), nil
}

func (s *memberService) SendSnapshot(_ context.Context, request *SendSnapshotRequest) (*SendSnapshotResponse, error) {
	return s.member.HandleSendSnapshot(request), nil
}

func (s *memberService) RequestVote(_ context.Context, request *RequestVoteRequest) (*RequestVoteResponse, error) {
	return s.member.HandleRequestVote(request), nil
}

func (s *memberService) RequestCommitIndex(_ context.Context, request *RequestCommitIndexRequest) (*RequestCommitIndexResponse, error) {
	return s.member.HandleRequestCommitIndex(request), nil
}

func testMemberConfig() *Config {
	config := DefaultConfig()
	config.ElectionTimeout = 300 * time.Millisecond
	config.HeartbeatInterval = 50 * time.Millisecond
	config.ConnectionTimeout = time.Second
	config.CatchUpRetries = 1
	config.CatchUpTimeout = 5 * time.Second
	config.ReadOperationTimeout = 5 * time.Second
	config.WriteOperationTimeout = 5 * time.Second
	return config
}

type testMember struct {
	member  *RaftMember
	applier *recordingApplier
	store   GroupStore
}

// newTestGroup builds one member per node of group, connected through network
func newTestGroup(t *testing.T, network *localNetwork, group PartitionGroup, config *Config) []*testMember {
	t.Helper()
	members := make([]*testMember, 0, len(group))
	for _, node := range group {
		store, err := NewMemoryStore().Namespace("data")
		require.NoError(t, err)
		applier := &recordingApplier{}
		member, err := NewRaftMember(MemberOptions{
			Name:     dataGroupName,
			ThisNode: node,
			Group:    group,
			Config:   config,
			Store:    store,
			Pool:     NewClientPool(ClientPoolOptions{Factory: network.factory(node)}),
			Applier:  applier,
		})
		require.NoError(t, err)
		network.register(node, &memberService{member: member})
		members = append(members, &testMember{member: member, applier: applier, store: store})
	}
	return members
}

func startMembers(t *testing.T, members []*testMember) {
	t.Helper()
	for _, m := range members {
		m.member.Start()
	}
	t.Cleanup(func() {
		for _, m := range members {
			m.member.Stop()
		}
	})
}

// waitLeader waits for exactly one leader among the members not excluded
func waitLeader(t *testing.T, members []*testMember, excluded ...Node) *testMember {
	t.Helper()
	var leader *testMember
	require.Eventually(t, func() bool {
		leader = nil
		for _, m := range members {
			if slices.ContainsFunc(excluded, m.member.ThisNode().Equal) {
				continue
			}
			if m.member.Role() == Leader {
				if leader != nil {
					return false
				}
				leader = m
			}
		}
		return leader != nil
	}, 10*time.Second, 20*time.Millisecond)
	return leader
}

func TestRaftMember_singleNode(t *testing.T) {
	assert := assert.New(t)
	network := newLocalNetwork()
	node := testNodes(1)[0]
	members := newTestGroup(t, network, PartitionGroup{node}, testMemberConfig())
	startMembers(t, members)
	m := members[0]

	waitLeader(t, members)
	assert.True(node.Equal(m.member.Leader()))
	assert.Equal(uint64(1), m.member.Term())

	payloads := []string{fake.WordsN(3), fake.WordsN(3)}
	for _, payload := range payloads {
		assert.NoError(m.member.Propose(context.Background(), []byte(payload)))
	}
	assert.Equal(payloads, m.applier.applied())
	assert.Equal(uint64(3), m.member.CommitIndex())
	assert.Equal(uint64(3), m.member.LastApplied())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(m.member.SyncLeaderWithConsistencyCheck(ctx))

	status := m.member.Status()
	assert.Equal("leader", status.Role)
	assert.Equal(uint64(3), status.LastLogIndex)
}

func TestRaftMember_missingSchema(t *testing.T) {
	assert := assert.New(t)
	node := testNodes(1)[0]

	tests := []struct {
		name          string
		missingSchema int
		pullErr       error
		expectedErr   error
		attempts      int
		pulls         int32
	}{
		{name: "pulled_then_retried", missingSchema: 1, attempts: 2, pulls: 1},
		{name: "second_failure_propagated", missingSchema: 2, expectedErr: ErrMissingSchema, attempts: 2, pulls: 1},
		{name: "pull_failure_propagated", missingSchema: 1, pullErr: errNodeDown, expectedErr: ErrMissingSchema, attempts: 1, pulls: 1},
		{name: "no_missing_schema", attempts: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			members := newTestGroup(t, newLocalNetwork(), PartitionGroup{node}, testMemberConfig())
			m := members[0]
			puller := &countingSchemaPuller{err: tc.pullErr}
			m.member.schemaPuller = puller
			startMembers(t, members)
			waitLeader(t, members)

			m.applier.mu.Lock()
			m.applier.missingSchema = tc.missingSchema
			m.applier.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := m.member.Propose(ctx, []byte("cpu 1"))
			if tc.expectedErr != nil {
				assert.ErrorIs(err, tc.expectedErr)
				assert.Empty(m.applier.applied())
			} else {
				assert.NoError(err)
				assert.Equal([]string{"cpu 1"}, m.applier.applied())
			}

			m.applier.mu.Lock()
			assert.Equal(tc.attempts, m.applier.attempts)
			m.applier.mu.Unlock()
			assert.Equal(tc.pulls, puller.calls.Load())
			assert.Equal(m.member.CommitIndex(), m.member.LastApplied())
		})
	}
}

func TestRaftMember_restore(t *testing.T) {
	assert := assert.New(t)
	network := newLocalNetwork()
	node := testNodes(1)[0]
	config := testMemberConfig()
	config.SnapshotThreshold = 3
	members := newTestGroup(t, network, PartitionGroup{node}, config)
	m := members[0]
	m.member.Start()
	waitLeader(t, members)

	for i := range 5 {
		assert.NoError(m.member.Propose(context.Background(), []byte(fmt.Sprintf("point %d", i))))
	}
	m.member.Stop()

	applier := &recordingApplier{}
	restored, err := NewRaftMember(MemberOptions{
		Name:     dataGroupName,
		ThisNode: node,
		Group:    PartitionGroup{node},
		Config:   config,
		Store:    m.store,
		Pool:     NewClientPool(ClientPoolOptions{Factory: network.factory(node)}),
		Applier:  applier,
	})
	assert.NoError(err)
	assert.Equal(m.member.Term(), restored.Term())
	assert.Equal(m.member.LastLogIndex(), restored.LastLogIndex())
	assert.Greater(restored.LastApplied(), uint64(0))

	restored.Start()
	defer restored.Stop()
	assert.Eventually(func() bool {
		return len(applier.applied()) == 5
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(m.applier.applied(), applier.applied())
}

func TestRaftMember_threeNodes(t *testing.T) {
	assert := assert.New(t)
	network := newLocalNetwork()
	group := PartitionGroup(testNodes(3))
	members := newTestGroup(t, network, group, testMemberConfig())
	startMembers(t, members)

	leader := waitLeader(t, members)
	for _, m := range members {
		if m != leader {
			assert.ErrorIs(m.member.Propose(context.Background(), []byte("x")), ErrNotLeader)
		}
	}

	var payloads []string
	for i := range 10 {
		payload := fmt.Sprintf("cpu.host%d %s", i, fake.Word())
		payloads = append(payloads, payload)
		assert.NoError(leader.member.Propose(context.Background(), []byte(payload)))
	}
	assert.Equal(payloads, leader.applier.applied())
	for _, m := range members {
		assert.Eventually(func() bool {
			return slices.Equal(payloads, m.applier.applied())
		}, 10*time.Second, 20*time.Millisecond)
		assert.True(leader.member.ThisNode().Equal(m.member.Leader()))
	}

	t.Run("strong_read_on_follower", func(t *testing.T) {
		for _, m := range members {
			if m == leader {
				continue
			}
			commitIndex := leader.member.CommitIndex()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			assert.NoError(m.member.SyncLeaderWithConsistencyCheck(ctx))
			cancel()
			assert.GreaterOrEqual(m.member.LastApplied(), commitIndex)
		}
	})

	t.Run("leader_partitioned", func(t *testing.T) {
		old, oldTerm := leader.member.ThisNode(), leader.member.Term()
		network.setDown(old, true)

		next := waitLeader(t, members, old)
		assert.False(next.member.ThisNode().Equal(old))
		assert.Greater(next.member.Term(), oldTerm)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(next.member.Propose(ctx, []byte("after partition")))

		network.setDown(old, false)
		assert.Eventually(func() bool {
			current := leader.member.Leader()
			return leader.member.Role() != Leader && !current.IsZero() && !current.Equal(old)
		}, 10*time.Second, 20*time.Millisecond)
		expected := append(slices.Clone(payloads), "after partition")
		assert.Eventually(func() bool {
			return slices.Equal(expected, leader.applier.applied())
		}, 10*time.Second, 20*time.Millisecond)
	})
}

func TestRaftMember_snapshotCatchUp(t *testing.T) {
	assert := assert.New(t)
	network := newLocalNetwork()
	group := PartitionGroup(testNodes(3))
	config := testMemberConfig()
	config.SnapshotThreshold = 5
	config.CatchUpLogGapThreshold = 4
	members := newTestGroup(t, network, group, config)
	startMembers(t, members)

	leader := waitLeader(t, members)
	var lagging *testMember
	for _, m := range members {
		if m != leader {
			lagging = m
			break
		}
	}
	network.setDown(lagging.member.ThisNode(), true)

	var payloads []string
	for i := range 20 {
		payload := fmt.Sprintf("mem.host%d %d", i, i)
		payloads = append(payloads, payload)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		assert.NoError(leader.member.Propose(ctx, []byte(payload)))
		cancel()
	}
	assert.Greater(leader.member.Status().SnapshotIndex, uint64(0))
	first, err := leader.store.FirstIndex()
	assert.NoError(err)
	assert.Greater(first, uint64(1))

	network.setDown(lagging.member.ThisNode(), false)
	assert.Eventually(func() bool {
		return slices.Equal(payloads, lagging.applier.applied())
	}, 15*time.Second, 20*time.Millisecond)
	assert.Greater(lagging.member.Status().SnapshotIndex, uint64(0))
}

func TestRaftMember_handlers(t *testing.T) {
	assert := assert.New(t)
	nodes := testNodes(2)
	network := newLocalNetwork()
	members := newTestGroup(t, network, PartitionGroup(nodes), testMemberConfig())
	follower := members[0].member

	t.Run("append_entries_older_term", func(t *testing.T) {
		follower.mu.Lock()
		follower.term = 5
		follower.mu.Unlock()

		response := follower.HandleAppendEntries(&AppendEntriesRequest{Term: 4, Leader: nodes[1]})
		assert.False(response.Success)
		assert.Equal(uint64(5), response.Term)
	})

	t.Run("append_entries_and_truncate", func(t *testing.T) {
		response := follower.HandleAppendEntries(&AppendEntriesRequest{
			Term:   5,
			Leader: nodes[1],
			Entries: []*LogEntry{
				{Term: 5, Index: 1, Payload: []byte("a")},
				{Term: 5, Index: 2, Payload: []byte("b")},
				{Term: 5, Index: 3, Payload: []byte("c")},
			},
			LeaderCommit: 1,
		})
		assert.True(response.Success)
		assert.Equal(uint64(3), follower.LastLogIndex())
		assert.Equal(uint64(1), follower.CommitIndex())
		assert.True(nodes[1].Equal(follower.Leader()))

		response = follower.HandleAppendEntries(&AppendEntriesRequest{
			Term:         6,
			Leader:       nodes[1],
			PrevLogIndex: 1,
			PrevLogTerm:  5,
			Entries:      []*LogEntry{{Term: 6, Index: 2, Payload: []byte("d")}},
			LeaderCommit: 2,
		})
		assert.True(response.Success)
		assert.Equal(uint64(2), follower.LastLogIndex())
		assert.Equal(uint64(6), follower.Term())
		entry, err := members[0].store.GetLogByIndex(2)
		assert.NoError(err)
		assert.Equal([]byte("d"), entry.Payload)
		_, err = members[0].store.GetLogByIndex(3)
		assert.ErrorIs(err, ErrLogNotFound)
	})

	t.Run("append_entries_mismatch", func(t *testing.T) {
		response := follower.HandleAppendEntries(&AppendEntriesRequest{
			Term:         6,
			Leader:       nodes[1],
			PrevLogIndex: 10,
			PrevLogTerm:  6,
		})
		assert.False(response.Success)
		assert.True(response.LogMismatch)
		assert.Equal(uint64(2), response.LastLogIndex)
	})

	t.Run("request_vote", func(t *testing.T) {
		response := follower.HandleRequestVote(&RequestVoteRequest{Term: 7, Candidate: nodes[1], LastLogIndex: 1, LastLogTerm: 5})
		assert.False(response.Granted)

		response = follower.HandleRequestVote(&RequestVoteRequest{Term: 7, Candidate: nodes[1], LastLogIndex: 2, LastLogTerm: 6})
		assert.True(response.Granted)

		other := Node{IP: "127.0.0.9", MetaPort: 1}
		response = follower.HandleRequestVote(&RequestVoteRequest{Term: 7, Candidate: other, LastLogIndex: 9, LastLogTerm: 7})
		assert.False(response.Granted)
	})

	t.Run("request_commit_index_redirect", func(t *testing.T) {
		response := follower.HandleRequestCommitIndex(&RequestCommitIndexRequest{Name: dataGroupName, Header: nodes[0]})
		assert.NotEqual(StatusOK, response.Status)
	})

	t.Run("install_snapshot", func(t *testing.T) {
		data, err := json.Marshal([]string{"s1", "s2"})
		assert.NoError(err)
		snapshot, err := EncodeSnapshot(&SimpleSnapshot{Data: data, Index: 50, Term: 7})
		assert.NoError(err)

		response := follower.HandleSendSnapshot(&SendSnapshotRequest{Term: 7, Leader: nodes[1], Snapshot: snapshot})
		assert.True(response.Success)
		assert.Equal(uint64(50), follower.LastLogIndex())
		assert.Equal(uint64(50), follower.LastApplied())
		assert.Equal([]string{"s1", "s2"}, members[0].applier.applied())

		response = follower.HandleSendSnapshot(&SendSnapshotRequest{Term: 7, Leader: nodes[1], Snapshot: snapshot})
		assert.True(response.Success)
	})
}
