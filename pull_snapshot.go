package slotty

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// PullSnapshotTask moves the data of slots gained by a group on this node.
// It pulls the slots from the members of the group that owned them, then
// acknowledges them so that the senders can drop their copy
type PullSnapshotTask struct {
	id      uuid.UUID
	cluster *Cluster

	// header is the header of the group gaining the slots
	header Node

	// sources are the members of the group the slots come from
	sources PartitionGroup

	slots []int

	// pull is false when this node already holds the data and only acknowledges
	pull bool
}

func newPullSnapshotTask(cluster *Cluster, header Node, sources PartitionGroup, pull bool) *PullSnapshotTask {
	return &PullSnapshotTask{
		id:      uuid.New(),
		cluster: cluster,
		header:  header,
		sources: sources.Clone(),
		pull:    pull,
	}
}

// resumablePullsLocked rebuilds the pull tasks of slots left pulling before a restart
func (c *Cluster) resumablePullsLocked() []*PullSnapshotTask {
	tasks := make(map[string]*PullSnapshotTask)
	for _, sm := range c.slotManagers {
		for _, slot := range sm.SlotsWithStatus(SlotPulling, SlotPullingWritable) {
			source := sm.GetSource(slot)
			key := sm.Header().Key() + "<" + source.Key()
			task, ok := tasks[key]
			if !ok {
				task = newPullSnapshotTask(c, sm.Header(), c.sourcesLocked(source), true)
				tasks[key] = task
			}
			task.slots = append(task.slots, slot)
		}
	}
	out := make([]*PullSnapshotTask, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task)
	}
	return out
}

// sourcesLocked returns the source header followed by the members of its current group
func (c *Cluster) sourcesLocked(source Node) PartitionGroup {
	sources := PartitionGroup{source}
	if c.table == nil {
		return sources
	}
	group, err := c.table.GroupOf(source)
	if err != nil {
		return sources
	}
	for _, node := range group {
		if !sources.Contains(node) && !node.Equal(c.thisNode) {
			sources = append(sources, node)
		}
	}
	return sources
}

// startPull runs task in the background. Slots already being pulled are skipped
func (c *Cluster) startPull(task *PullSnapshotTask) {
	c.mu.Lock()
	task.slots = slices.DeleteFunc(task.slots, func(slot int) bool {
		_, ok := c.pulls[slot]
		return ok
	})
	for _, slot := range task.slots {
		c.pulls[slot] = struct{}{}
	}
	c.mu.Unlock()
	if len(task.slots) == 0 {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			for _, slot := range task.slots {
				delete(c.pulls, slot)
			}
			c.mu.Unlock()
		}()
		if err := task.Run(c.quitCtx); err != nil {
			c.logger.Error().Err(err).
				Str("address", c.thisNode.MetaAddress()).
				Str("header", task.header.String()).
				Str("source", task.sources.Header().String()).
				Str("taskId", task.id.String()).
				Msgf("Fail to pull slots")
		}
	}()
}

// Run pulls the slots and acknowledges them to every source member
func (t *PullSnapshotTask) Run(ctx context.Context) error {
	if t.pull {
		if err := t.pullSlots(ctx); err != nil {
			return err
		}
	}
	t.acknowledge(ctx)
	return nil
}

// pullSlots drives the slots through PULLING, PULLING_WRITABLE and NULL.
// The slots stay pulling until a source answers: a source unreachable
// within CatchUpTimeout is retried, and a task stopped with the node is
// resumed on restart
func (t *PullSnapshotTask) pullSlots(ctx context.Context) error {
	c := t.cluster
	sm := c.SlotManager(t.header)
	if sm == nil {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, t.header)
	}
	for _, slot := range t.slots {
		if sm.GetStatus(slot) == SlotPullingWritable {
			continue
		}
		if err := sm.SetToPulling(slot, t.sources.Header()); err != nil {
			return err
		}
	}

	c.logger.Info().
		Str("address", c.thisNode.MetaAddress()).
		Str("header", t.header.String()).
		Str("source", t.sources.Header().String()).
		Str("taskId", t.id.String()).
		Str("slots", fmt.Sprintf("%d", len(t.slots))).
		Msgf("Pulling slots")

	var snapshot *PartitionedSnapshot
	for {
		var err error
		snapshot, err = t.fetch(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return err
		}
		c.logger.Error().Err(err).
			Str("address", c.thisNode.MetaAddress()).
			Str("header", t.header.String()).
			Str("source", t.sources.Header().String()).
			Str("taskId", t.id.String()).
			Msgf("Fail to pull slots within catch up timeout, retrying")
	}

	for _, slot := range t.slots {
		if err := sm.SetToPullingWritable(slot); err != nil {
			return err
		}
	}
	for slot, data := range snapshot.Slots {
		if err := c.engine.InstallSlotSnapshot(slot, data); err != nil {
			return fmt.Errorf("fail to install slot %d: %w", slot, err)
		}
	}
	for _, slot := range t.slots {
		if err := sm.SetToNull(slot); err != nil {
			return err
		}
	}
	return nil
}

// fetch asks the source members for the slots, believed leader first
func (t *PullSnapshotTask) fetch(ctx context.Context) (*PartitionedSnapshot, error) {
	c := t.cluster
	ctx, cancel := context.WithTimeout(ctx, c.config.CatchUpTimeout)
	defer cancel()

	order := t.sources.Clone()
	if leader := c.dispatcher.Leader(t.sources.Header()); !leader.IsZero() {
		if i := slices.IndexFunc(order, leader.Equal); i > 0 {
			order[0], order[i] = order[i], order[0]
		}
	}
	request := &PullSnapshotRequest{Header: t.sources.Header(), Slots: t.slots, Requester: c.thisNode}

	var lastErr error
	for attempt := uint64(1); ; attempt++ {
		for _, node := range order {
			if node.Equal(c.thisNode) {
				continue
			}
			response, err := callService(ctx, c, node, func(service ClusterService) (*PullSnapshotResponse, error) {
				return service.PullSnapshot(ctx, request)
			})
			if err == nil && response.Status != StatusOK {
				err = fmt.Errorf("%w: status %d %s", ErrRequestFailed, response.Status, response.Message)
			}
			if err != nil {
				lastErr = err
				c.logger.Debug().Err(err).
					Str("address", c.thisNode.MetaAddress()).
					Str("peerAddress", node.MetaAddress()).
					Str("taskId", t.id.String()).
					Msgf("Fail to pull slots from peer")
				continue
			}

			snapshot, err := DecodeSnapshot(response.Snapshot)
			if err != nil {
				return nil, err
			}
			partitioned, ok := snapshot.(*PartitionedSnapshot)
			if !ok {
				return nil, fmt.Errorf("unexpected snapshot kind %d", snapshot.Kind())
			}
			return partitioned, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: last error: %v", ctx.Err(), lastErr)
		case <-time.After(backoff(c.config.HeartbeatInterval, attempt, 5)):
		}
	}
}

// acknowledge tells every source member that this node holds the slots
func (t *PullSnapshotTask) acknowledge(ctx context.Context) {
	c := t.cluster
	request := &SlotReplicatedRequest{Header: t.sources.Header(), Slots: t.slots, From: c.thisNode}
	for _, node := range t.sources {
		for attempt := 0; attempt <= c.config.CatchUpRetries; attempt++ {
			rpcCtx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
			_, err := callService(rpcCtx, c, node, func(service ClusterService) (*Response, error) {
				return service.SlotReplicated(rpcCtx, request)
			})
			cancel()
			if err == nil {
				break
			}
			c.logger.Debug().Err(err).
				Str("address", c.thisNode.MetaAddress()).
				Str("peerAddress", node.MetaAddress()).
				Str("taskId", t.id.String()).
				Msgf("Fail to acknowledge pulled slots")
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// callService runs call against node, locally when node is this node
func callService[T any](ctx context.Context, c *Cluster, node Node, call func(ClusterService) (T, error)) (T, error) {
	if node.Equal(c.thisNode) {
		return call(c.service)
	}
	return callPeer(ctx, c.pool, node, func(client Client) (T, error) {
		return call(client)
	})
}
