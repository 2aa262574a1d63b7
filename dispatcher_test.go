package slotty

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type testDispatcher struct {
	dispatcher *Dispatcher
	group      PartitionGroup
	clients    []*mockClient
}

// newTestDispatcher builds a dispatcher running outside of a three member group
func newTestDispatcher(local ClusterService) *testDispatcher {
	nodes := testNodes(4)
	group := PartitionGroup(nodes[:3])
	factory := &mockFactory{clients: make(map[string]*mockClient)}
	clients := make([]*mockClient, 0, len(group))
	for _, node := range group {
		client := &mockClient{}
		factory.clients[node.Key()] = client
		clients = append(clients, client)
	}

	config := DefaultConfig()
	config.HeartbeatInterval = 5 * time.Millisecond
	config.MaxRequestRetries = 2
	thisNode := nodes[3]
	if local != nil {
		thisNode = nodes[0]
	}
	return &testDispatcher{
		dispatcher: NewDispatcher(DispatcherOptions{
			ThisNode: thisNode,
			Local:    local,
			Pool:     NewClientPool(ClientPoolOptions{Factory: factory}),
			Config:   config,
		}),
		group:   group,
		clients: clients,
	}
}

func totalCalls(clients []*mockClient, method string) int {
	total := 0
	for _, client := range clients {
		for _, call := range client.Calls {
			if call.Method == method {
				total++
			}
		}
	}
	return total
}

func TestDispatcher(t *testing.T) {
	assert := assert.New(t)
	write := func(group PartitionGroup) Request {
		return Request{Kind: RequestNonQuery, Group: group, Slot: 7, Payload: []byte("cpu 1")}
	}

	t.Run("believed_leader", func(t *testing.T) {
		td := newTestDispatcher(nil)
		td.dispatcher.SetLeader(td.group.Header(), td.group[1])
		td.clients[1].On("ExecuteNonQuery", mock.Anything, mock.Anything).Return(&Response{Status: StatusOK}, nil)

		response, err := td.dispatcher.Execute(context.Background(), write(td.group))
		assert.NoError(err)
		assert.Equal(StatusOK, response.Status)
		td.clients[0].AssertNotCalled(t, "ExecuteNonQuery", mock.Anything, mock.Anything)
		td.clients[2].AssertNotCalled(t, "ExecuteNonQuery", mock.Anything, mock.Anything)

		request := td.clients[1].Calls[0].Arguments.Get(1).(*ExecuteRequest)
		assert.Equal(7, request.Slot)
		assert.True(td.group.Header().Equal(request.Header))
		assert.NotEmpty(request.ID)
	})

	t.Run("redirect", func(t *testing.T) {
		td := newTestDispatcher(nil)
		redirect := &Response{Status: StatusRedirect, Leader: td.group[2]}
		td.clients[0].On("ExecuteNonQuery", mock.Anything, mock.Anything).Return(redirect, nil)
		td.clients[1].On("ExecuteNonQuery", mock.Anything, mock.Anything).Return(redirect, nil)
		td.clients[2].On("ExecuteNonQuery", mock.Anything, mock.Anything).Return(&Response{Status: StatusOK}, nil)

		_, err := td.dispatcher.Execute(context.Background(), write(td.group))
		assert.NoError(err)
		assert.True(td.group[2].Equal(td.dispatcher.Leader(td.group.Header())))
		assert.LessOrEqual(totalCalls(td.clients, "ExecuteNonQuery"), 2)
	})

	t.Run("connection_failure_tries_another_member", func(t *testing.T) {
		td := newTestDispatcher(nil)
		td.dispatcher.SetLeader(td.group.Header(), td.group[0])
		td.clients[0].On("ExecuteNonQuery", mock.Anything, mock.Anything).Return(nil, errNodeDown)
		td.clients[1].On("ExecuteNonQuery", mock.Anything, mock.Anything).Return(&Response{Status: StatusOK}, nil)
		td.clients[2].On("ExecuteNonQuery", mock.Anything, mock.Anything).Return(&Response{Status: StatusOK}, nil)

		_, err := td.dispatcher.Execute(context.Background(), write(td.group))
		assert.NoError(err)
		leader := td.dispatcher.Leader(td.group.Header())
		assert.False(leader.Equal(td.group[0]))
		assert.False(leader.IsZero())
		td.clients[0].AssertNumberOfCalls(t, "ExecuteNonQuery", 1)
	})

	t.Run("retries_exhausted", func(t *testing.T) {
		td := newTestDispatcher(nil)
		for _, client := range td.clients {
			client.On("ExecuteNonQuery", mock.Anything, mock.Anything).Return(nil, errNodeDown)
		}

		_, err := td.dispatcher.Execute(context.Background(), write(td.group))
		var connection *RaftConnectionError
		assert.ErrorAs(err, &connection)
		assert.ErrorIs(err, errNodeDown)
		assert.Equal(3, totalCalls(td.clients, "ExecuteNonQuery"))
		assert.True(td.dispatcher.Leader(td.group.Header()).IsZero())
	})

	t.Run("leader_unknown", func(t *testing.T) {
		td := newTestDispatcher(nil)
		for _, client := range td.clients {
			client.On("ExecuteNonQuery", mock.Anything, mock.Anything).Return(&Response{Status: StatusLeaderUnknown}, nil)
		}

		_, err := td.dispatcher.Execute(context.Background(), write(td.group))
		var connection *RaftConnectionError
		assert.ErrorAs(err, &connection)
		var leaderUnknown *LeaderUnknownError
		assert.ErrorAs(err, &leaderUnknown)
	})

	t.Run("terminal_statuses", func(t *testing.T) {
		tests := []struct {
			status ResponseStatus
			check  func(error)
		}{
			{status: StatusSlotMoved, check: func(err error) { assert.ErrorIs(err, ErrSlotMoved) }},
			{status: StatusError, check: func(err error) { assert.ErrorIs(err, ErrRequestFailed) }},
			{status: StatusConsistencyFailure, check: func(err error) {
				var consistency *CheckConsistencyError
				assert.ErrorAs(err, &consistency)
			}},
		}
		for _, tc := range tests {
			td := newTestDispatcher(nil)
			td.dispatcher.SetLeader(td.group.Header(), td.group[0])
			td.clients[0].On("ExecuteNonQuery", mock.Anything, mock.Anything).Return(&Response{Status: tc.status, Message: "plop"}, nil)

			_, err := td.dispatcher.Execute(context.Background(), write(td.group))
			tc.check(err)
			td.clients[0].AssertNumberOfCalls(t, "ExecuteNonQuery", 1)
		}
	})

	t.Run("local_read", func(t *testing.T) {
		local := &mockClient{}
		td := newTestDispatcher(local)
		local.On("Query", mock.Anything, mock.MatchedBy(func(request *QueryRequest) bool {
			return request.Consistency == ConsistencyWeak
		})).Return(&Response{Status: StatusOK, Result: []byte("[]")}, nil)

		response, err := td.dispatcher.Execute(context.Background(), Request{Kind: RequestQuery, Group: td.group, Slot: 1})
		assert.NoError(err)
		assert.Equal([]byte("[]"), response.Result)
		assert.Equal(0, totalCalls(td.clients, "Query"))
		assert.True(td.dispatcher.Leader(td.group.Header()).IsZero())
	})

	t.Run("meta_query_consistency", func(t *testing.T) {
		local := &mockClient{}
		td := newTestDispatcher(local)
		local.On("MetaQuery", mock.Anything, mock.MatchedBy(func(request *MetaQueryRequest) bool {
			return request.Consistency == ConsistencyStrong
		})).Return(&Response{Status: StatusOK}, nil)

		_, err := td.dispatcher.Execute(context.Background(), Request{Kind: RequestMetaQuery, Group: td.group})
		assert.NoError(err)
		local.AssertNumberOfCalls(t, "MetaQuery", 1)
	})

	t.Run("invalid_requests", func(t *testing.T) {
		td := newTestDispatcher(nil)
		_, err := td.dispatcher.Execute(context.Background(), Request{Kind: RequestKind(42), Group: td.group})
		assert.ErrorIs(err, ErrUnknownRequestKind)

		_, err = td.dispatcher.Execute(context.Background(), Request{Kind: RequestNonQuery})
		assert.ErrorIs(err, ErrGroupNotFound)
	})

	t.Run("cancelled", func(t *testing.T) {
		td := newTestDispatcher(nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := td.dispatcher.Execute(ctx, write(td.group))
		assert.True(errors.Is(err, context.Canceled))
		assert.Equal(0, totalCalls(td.clients, "ExecuteNonQuery"))
	})
}
