package slotty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ ClusterService = (*rpcServer)(nil)

// rpcServer serves the rpcs of the node, over grpc or in process
type rpcServer struct {
	cluster *Cluster
}

// consensusMember returns the member targeted by a consensus rpc
func (s *rpcServer) consensusMember(name string, header Node) (*RaftMember, error) {
	if name == metaGroupName {
		if member := s.cluster.MetaMember(); member != nil {
			return member, nil
		}
	} else if member := s.cluster.Member(header); member != nil {
		return member, nil
	}
	return nil, status.Errorf(codes.NotFound, "%v: %s group headed by %s", ErrGroupNotFound, name, header)
}

func (s *rpcServer) AppendEntries(_ context.Context, request *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	member, err := s.consensusMember(request.Name, request.Header)
	if err != nil {
		return nil, err
	}
	return member.HandleAppendEntries(request), nil
}

func (s *rpcServer) SendSnapshot(_ context.Context, request *SendSnapshotRequest) (*SendSnapshotResponse, error) {
	member, err := s.consensusMember(request.Name, request.Header)
	if err != nil {
		return nil, err
	}
	return member.HandleSendSnapshot(request), nil
}

func (s *rpcServer) RequestVote(_ context.Context, request *RequestVoteRequest) (*RequestVoteResponse, error) {
	member, err := s.consensusMember(request.Name, request.Header)
	if err != nil {
		return nil, err
	}
	return member.HandleRequestVote(request), nil
}

func (s *rpcServer) RequestCommitIndex(_ context.Context, request *RequestCommitIndexRequest) (*RequestCommitIndexResponse, error) {
	member, err := s.consensusMember(request.Name, request.Header)
	if err != nil {
		return nil, err
	}
	return member.HandleRequestCommitIndex(request), nil
}

// dataMember returns the member and slot manager serving slot in the group headed by header.
// A response is returned instead when the slot moved or the group is unknown
func (s *rpcServer) dataMember(header Node, slot int) (*RaftMember, *SlotManager, *Response) {
	c := s.cluster
	table := c.PartitionTable()
	if table == nil {
		return nil, nil, &Response{Status: StatusError, Message: ErrGroupNotFound.Error()}
	}
	group, err := table.GroupFor(slot)
	if err != nil {
		return nil, nil, &Response{Status: StatusError, Message: err.Error()}
	}
	if !group.Header().Equal(header) {
		return nil, nil, &Response{Status: StatusSlotMoved, Message: fmt.Sprintf("slot %d is served by group %s", slot, group)}
	}
	member, sm := c.Member(header), c.SlotManager(header)
	if member == nil || sm == nil {
		return nil, nil, &Response{Status: StatusError, Message: fmt.Sprintf("%v: %s", ErrGroupNotFound, header)}
	}
	switch sm.GetStatus(slot) {
	case SlotSending, SlotSent:
		return nil, nil, &Response{Status: StatusSlotMoved, Message: fmt.Sprintf("slot %d is %s", slot, sm.GetStatus(slot))}
	}
	return member, sm, nil
}

func (s *rpcServer) ExecuteNonQuery(ctx context.Context, request *ExecuteRequest) (*Response, error) {
	member, sm, response := s.dataMember(request.Header, request.Slot)
	if response != nil {
		return response, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cluster.config.WriteOperationTimeout)
	defer cancel()

	if err := sm.WaitSlotForWrite(ctx, request.Slot); err != nil {
		return responseFor(member, err), nil
	}
	err := member.Propose(ctx, encodeDataCommand(request.Slot, request.Payload))
	return responseFor(member, err), nil
}

func (s *rpcServer) Query(ctx context.Context, request *QueryRequest) (*Response, error) {
	member, sm, response := s.dataMember(request.Header, request.Slot)
	if response != nil {
		return response, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cluster.config.ReadOperationTimeout)
	defer cancel()

	if request.Consistency == ConsistencyStrong {
		if err := member.SyncLeaderWithConsistencyCheck(ctx); err != nil {
			return responseFor(member, err), nil
		}
	}
	if err := sm.WaitSlot(ctx, request.Slot); err != nil {
		return responseFor(member, err), nil
	}
	result, err := s.cluster.engine.Query(request.Slot, request.Payload)
	if err != nil {
		return responseFor(member, err), nil
	}
	return &Response{Status: StatusOK, Result: result}, nil
}

// PullSnapshot returns the data of slots handed off by the group headed by request.Header.
// The local member is synced first so that every committed write is included
func (s *rpcServer) PullSnapshot(ctx context.Context, request *PullSnapshotRequest) (*PullSnapshotResponse, error) {
	c := s.cluster
	if member := c.Member(request.Header); member != nil {
		if err := member.SyncLeaderWithConsistencyCheck(ctx); err != nil {
			return &PullSnapshotResponse{Status: StatusConsistencyFailure, Leader: member.Leader(), Message: err.Error()}, nil
		}
	}

	sm := c.SlotManager(request.Header)
	snapshot := NewPartitionedSnapshot(0, 0)
	for _, slot := range request.Slots {
		if sm != nil && sm.GetStatus(slot) == SlotNull {
			if err := sm.SetToSending(slot); err != nil {
				return &PullSnapshotResponse{Status: StatusError, Message: err.Error()}, nil
			}
		}
		data, err := c.engine.TakeSlotSnapshot(slot)
		if err != nil {
			return &PullSnapshotResponse{Status: StatusError, Message: err.Error()}, nil
		}
		if data != nil {
			snapshot.Slots[slot] = data
		}
	}

	data, err := EncodeSnapshot(snapshot)
	if err != nil {
		return &PullSnapshotResponse{Status: StatusError, Message: err.Error()}, nil
	}
	c.logger.Debug().
		Str("address", c.thisNode.MetaAddress()).
		Str("header", request.Header.String()).
		Str("requester", request.Requester.String()).
		Str("slots", fmt.Sprintf("%d", len(request.Slots))).
		Msgf("Serving pulled slots")
	return &PullSnapshotResponse{Status: StatusOK, Snapshot: data}, nil
}

// SlotReplicated counts the acknowledgement of every slot of the request
func (s *rpcServer) SlotReplicated(_ context.Context, request *SlotReplicatedRequest) (*Response, error) {
	sm := s.cluster.SlotManager(request.Header)
	if sm == nil {
		return &Response{Status: StatusOK}, nil
	}
	for _, slot := range request.Slots {
		if err := sm.SentOneReplication(slot); err != nil {
			return &Response{Status: StatusError, Message: err.Error()}, nil
		}
	}
	return &Response{Status: StatusOK}, nil
}

func (s *rpcServer) AddNode(ctx context.Context, request *NodeRequest) (*Response, error) {
	if table := s.cluster.PartitionTable(); table != nil {
		if table.Contains(request.Node) {
			return &Response{Status: StatusOK}, nil
		}
		if _, err := table.AddNode(request.Node); err != nil {
			return &Response{Status: StatusError, Message: err.Error()}, nil
		}
	}
	return s.proposeMeta(ctx, metaCommand{Kind: metaCommandAddNode, Node: request.Node})
}

func (s *rpcServer) RemoveNode(ctx context.Context, request *NodeRequest) (*Response, error) {
	if table := s.cluster.PartitionTable(); table != nil {
		if _, err := table.RemoveNode(request.Node); err != nil {
			return &Response{Status: StatusError, Message: err.Error()}, nil
		}
	}
	return s.proposeMeta(ctx, metaCommand{Kind: metaCommandRemoveNode, Node: request.Node})
}

func (s *rpcServer) proposeMeta(ctx context.Context, command metaCommand) (*Response, error) {
	member := s.cluster.MetaMember()
	payload, err := json.Marshal(command)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cluster.config.WriteOperationTimeout)
	defer cancel()
	return responseFor(member, member.Propose(ctx, payload)), nil
}

// MetaQuery returns the partition table with the meta index it reflects
func (s *rpcServer) MetaQuery(ctx context.Context, request *MetaQueryRequest) (*Response, error) {
	member := s.cluster.MetaMember()
	if request.Consistency == ConsistencyStrong {
		if err := member.SyncLeaderWithConsistencyCheck(ctx); err != nil {
			return responseFor(member, err), nil
		}
	}
	data, err := s.cluster.encodeMetaState()
	if err != nil {
		return responseFor(member, err), nil
	}
	return &Response{Status: StatusOK, Result: data}, nil
}

// responseFor maps the error of a member operation to a response
func responseFor(member *RaftMember, err error) *Response {
	var (
		leaderUnknown *LeaderUnknownError
		consistency   *CheckConsistencyError
	)
	switch {
	case err == nil:
		return &Response{Status: StatusOK}
	case errors.Is(err, ErrNotLeader):
		leader := member.Leader()
		if leader.IsZero() || leader.Equal(member.ThisNode()) {
			return &Response{Status: StatusLeaderUnknown, Message: err.Error()}
		}
		return &Response{Status: StatusRedirect, Leader: leader, Message: err.Error()}
	case errors.As(err, &consistency):
		return &Response{Status: StatusConsistencyFailure, Message: err.Error()}
	case errors.As(err, &leaderUnknown):
		return &Response{Status: StatusLeaderUnknown, Message: err.Error()}
	case errors.Is(err, ErrSlotMoved):
		return &Response{Status: StatusSlotMoved, Message: err.Error()}
	}
	return &Response{Status: StatusError, Message: err.Error()}
}
