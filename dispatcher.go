package slotty

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NewDispatcher builds a dispatcher
func NewDispatcher(options DispatcherOptions) *Dispatcher {
	if options.Config == nil {
		options.Config = DefaultConfig()
	}
	logger := options.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if options.metrics == nil {
		options.metrics = newMetrics(options.ThisNode.Key(), options.Config.MetricsNamespace, nil)
	}
	return &Dispatcher{
		thisNode: options.ThisNode,
		local:    options.Local,
		pool:     options.Pool,
		config:   options.Config,
		logger:   logger,
		metrics:  options.metrics,
		leaders:  make(map[string]Node),
	}
}

// Leader returns the believed leader of the group headed by header
func (d *Dispatcher) Leader(header Node) Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leaders[header.Key()]
}

// SetLeader records the believed leader of the group headed by header
func (d *Dispatcher) SetLeader(header, leader Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if leader.IsZero() {
		delete(d.leaders, header.Key())
		return
	}
	d.leaders[header.Key()] = leader
}

// Execute runs request against its group. Redirects and transport failures
// are retried up to MaxRequestRetries times, after which a RaftConnectionError
// wrapping the last failure is returned
func (d *Dispatcher) Execute(ctx context.Context, request Request) (*Response, error) {
	if request.Kind > RequestRemoveNode {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRequestKind, request.Kind)
	}
	if len(request.Group) == 0 {
		return nil, ErrGroupNotFound
	}
	request.Consistency = d.consistency(request)
	return d.runRequest(ctx, uuid.NewString(), request)
}

// consistency returns the consistency level a read runs with
func (d *Dispatcher) consistency(request Request) ConsistencyLevel {
	if request.Consistency != 0 {
		return request.Consistency
	}
	switch request.Kind {
	case RequestQuery:
		return d.config.DataReadConsistency
	case RequestMetaQuery:
		return d.config.MetaReadConsistency
	}
	return ConsistencyStrong
}

// needsLeader reports whether request must be served by the leader
func needsLeader(request Request) bool {
	switch request.Kind {
	case RequestQuery, RequestMetaQuery:
		return false
	}
	return true
}

func (d *Dispatcher) runRequest(ctx context.Context, id string, request Request) (*Response, error) {
	header := request.Group.Header()
	target := d.firstTarget(request)
	var lastErr error

	for attempt := 0; attempt <= d.config.MaxRequestRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		response, err := d.send(ctx, target, id, request)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &RaftConnectionError{Group: request.Group, Node: target, Err: err}
			d.metrics.requestRetried("connection")
			d.logger.Debug().Err(err).
				Str("address", d.thisNode.MetaAddress()).
				Str("header", header.String()).
				Str("peerAddress", target.MetaAddress()).
				Str("requestId", id).
				Str("kind", request.Kind.String()).
				Msgf("Request failed, retrying with another member")
			if d.Leader(header).Equal(target) {
				d.SetLeader(header, Node{})
			}
			target = randomMember(request.Group, target)
			continue
		}

		switch response.Status {
		case StatusOK:
			if needsLeader(request) && !target.Equal(d.Leader(header)) {
				d.SetLeader(header, target)
			}
			return response, nil

		case StatusRedirect:
			d.metrics.requestRetried("redirect")
			if !response.Leader.IsZero() && request.Group.Contains(response.Leader) && !response.Leader.Equal(target) {
				d.SetLeader(header, response.Leader)
				target = response.Leader
				lastErr = &LeaderUnknownError{Group: request.Group}
				continue
			}
			fallthrough

		case StatusLeaderUnknown:
			d.metrics.requestRetried("leaderUnknown")
			d.SetLeader(header, Node{})
			lastErr = &LeaderUnknownError{Group: request.Group}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(d.config.HeartbeatInterval, uint64(attempt+1), 5)):
			}
			target = randomMember(request.Group, target)

		case StatusConsistencyFailure:
			return nil, &CheckConsistencyError{Group: request.Group, Err: errors.New(response.Message)}

		case StatusSlotMoved:
			return nil, fmt.Errorf("%w: slot %d, %s", ErrSlotMoved, request.Slot, response.Message)

		default:
			return nil, fmt.Errorf("%w: %s", ErrRequestFailed, response.Message)
		}
	}

	d.logger.Warn().Err(lastErr).
		Str("address", d.thisNode.MetaAddress()).
		Str("header", header.String()).
		Str("requestId", id).
		Str("kind", request.Kind.String()).
		Msgf("Request retries exhausted")
	var connectionErr *RaftConnectionError
	if errors.As(lastErr, &connectionErr) {
		return nil, connectionErr
	}
	return nil, &RaftConnectionError{Group: request.Group, Node: target, Err: lastErr}
}

// firstTarget returns the member the request is sent to first.
// Reads prefer the local member, writes the believed leader
func (d *Dispatcher) firstTarget(request Request) Node {
	local := d.local != nil && request.Group.Contains(d.thisNode)
	if !needsLeader(request) && local {
		return d.thisNode
	}
	if leader := d.Leader(request.Group.Header()); !leader.IsZero() && request.Group.Contains(leader) {
		return leader
	}
	if local {
		return d.thisNode
	}
	return randomMember(request.Group, Node{})
}

// randomMember returns a member of group other than exclude when possible
func randomMember(group PartitionGroup, exclude Node) Node {
	candidates := group.Others(exclude)
	if len(candidates) == 0 {
		return group.Header()
	}
	return candidates[rand.IntN(len(candidates))]
}

// send runs the request on target, locally when target is this node
func (d *Dispatcher) send(ctx context.Context, target Node, id string, request Request) (*Response, error) {
	if d.local != nil && target.Equal(d.thisNode) {
		return invokeRequest(ctx, d.local, id, request)
	}
	return callPeer(ctx, d.pool, target, func(client Client) (*Response, error) {
		return invokeRequest(ctx, client, id, request)
	})
}

// invokeRequest maps request onto the rpc serving its kind
func invokeRequest(ctx context.Context, service ClusterService, id string, request Request) (*Response, error) {
	header := request.Group.Header()
	switch request.Kind {
	case RequestNonQuery:
		return service.ExecuteNonQuery(ctx, &ExecuteRequest{ID: id, Header: header, Slot: request.Slot, Payload: request.Payload})
	case RequestQuery:
		return service.Query(ctx, &QueryRequest{ID: id, Header: header, Slot: request.Slot, Payload: request.Payload, Consistency: request.Consistency})
	case RequestMetaQuery:
		return service.MetaQuery(ctx, &MetaQueryRequest{ID: id, Consistency: request.Consistency})
	case RequestAddNode:
		return service.AddNode(ctx, &NodeRequest{ID: id, Node: request.Node})
	case RequestRemoveNode:
		return service.RemoveNode(ctx, &NodeRequest{ID: id, Node: request.Node})
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownRequestKind, request.Kind)
}
