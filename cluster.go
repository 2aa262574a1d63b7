package slotty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// NewCluster builds the node. The partition table is restored from the
// store, built from the seeds, or fetched from the join nodes on Start
func NewCluster(options Options) (*Cluster, error) {
	if options.Config == nil {
		options.Config = DefaultConfig()
	}
	config := options.Config
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if options.Engine == nil {
		return nil, ErrStorageEngineRequired
	}
	if len(config.Seeds) == 0 && len(config.Join) == 0 {
		config.Seeds = []Node{config.Node}
	}
	if len(config.Seeds) > 0 && !PartitionGroup(config.Seeds).Contains(config.Node) {
		return nil, fmt.Errorf("%w: %s", ErrThisNodeRequired, config.Node)
	}

	logger := options.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	store, ownStore := options.Store, false
	if store == nil {
		bolt, err := NewBoltStorage(BoltOptions{DataDir: config.DataDir})
		if err != nil {
			return nil, err
		}
		store, ownStore = bolt, true
	}

	factory := options.ClientFactory
	if factory == nil {
		factory = GRPCClientFactory{}
	}
	metrics := newMetrics(config.Node.Key(), config.MetricsNamespace, options.Registerer)
	pool := NewClientPool(ClientPoolOptions{
		Factory:               factory,
		MaxConnectionsPerNode: config.MaxConnectionsPerNode,
		WaitTimeout:           config.ClientWaitTimeout,
		ConnectionTimeout:     config.ConnectionTimeout,
		Logger:                logger,
	})
	pool.metrics = metrics

	c := &Cluster{
		thisNode:          config.Node,
		config:            config,
		logger:            logger,
		metrics:           metrics,
		engine:            options.Engine,
		schemaPuller:      options.SchemaPuller,
		store:             store,
		ownStore:          ownStore,
		pool:              pool,
		disableGRPCServer: options.DisableGRPCServer,
		members:           make(map[string]*RaftMember),
		slotManagers:      make(map[string]*SlotManager),
		pulls:             make(map[int]struct{}),
	}
	c.quitCtx, c.stopCtx = context.WithCancel(context.Background())
	c.service = &rpcServer{cluster: c}
	c.dispatcher = NewDispatcher(DispatcherOptions{
		ThisNode: c.thisNode,
		Local:    c.service,
		Pool:     pool,
		Config:   config,
		Logger:   logger,
		metrics:  metrics,
	})

	if err := c.restore(); err != nil {
		c.closeStore()
		return nil, err
	}
	return c, nil
}

// restore loads the partition table and builds the meta member
func (c *Cluster) restore() error {
	metaStore, err := c.store.Namespace(metaNamespace)
	if err != nil {
		return err
	}
	c.metaStore = metaStore

	data, err := metaStore.Get(keyPartitionTable)
	switch {
	case err == nil:
		var state metaState
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("fail to decode persisted partition table: %w", err)
		}
		table, err := DeserializePartitionTable(state.Table)
		if err != nil {
			return err
		}
		c.switchPartitionTable(table, state.Index)

	case errors.Is(err, ErrKeyNotFound):
		if len(c.config.Seeds) > 0 {
			table, err := NewPartitionTable(c.tableOptions(), c.config.Seeds)
			if err != nil {
				return err
			}
			c.switchPartitionTable(table, 0)
		}

	default:
		return err
	}

	meta, err := NewRaftMember(MemberOptions{
		Name:         metaGroupName,
		ThisNode:     c.thisNode,
		Group:        c.metaGroup(),
		Config:       c.config,
		Store:        metaStore,
		Pool:         c.pool,
		Applier:      &metaApplier{cluster: c},
		SchemaPuller: c.schemaPuller,
		Logger:       c.logger,
		metrics:      c.metrics,
	})
	if err != nil {
		return fmt.Errorf("fail to build meta member: %w", err)
	}
	c.mu.Lock()
	c.meta = meta
	c.mu.Unlock()
	return nil
}

func (c *Cluster) tableOptions() PartitionTableOptions {
	return PartitionTableOptions{
		ReplicationFactor: c.config.ReplicationFactor,
		TotalSlots:        c.config.TotalSlots,
		VirtualNodes:      c.config.VirtualNodes,
	}
}

// Start serves rpcs, starts every member and resumes interrupted pulls.
// A node without partition table joins the cluster through Config.Join
func (c *Cluster) Start(ctx context.Context) error {
	if !c.isRunning.CompareAndSwap(false, true) {
		return nil
	}

	if !c.disableGRPCServer {
		listener, err := net.Listen("tcp", c.thisNode.MetaAddress())
		if err != nil {
			c.isRunning.Store(false)
			return fmt.Errorf("fail to listen on %s: %w", c.thisNode.MetaAddress(), err)
		}
		c.listener = listener
		c.grpcServer = grpc.NewServer()
		c.grpcServer.RegisterService(&clusterServiceDesc, c.service)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				c.logger.Error().Err(err).
					Str("address", c.thisNode.MetaAddress()).
					Msgf("Fail to serve gRPC server")
			}
		}()
	}

	c.logger.Info().
		Str("address", c.thisNode.MetaAddress()).
		Str("identifier", fmt.Sprintf("%d", c.thisNode.Identifier)).
		Msgf("Starting cluster node")

	c.meta.Start()
	c.mu.RLock()
	for _, member := range c.members {
		member.Start()
	}
	tasks := c.resumablePullsLocked()
	joined := c.table != nil
	c.mu.RUnlock()

	for _, task := range tasks {
		c.startPull(task)
	}
	if joined {
		return nil
	}
	return c.join(ctx)
}

// join fetches the partition table from the join nodes and asks the meta group to add this node
func (c *Cluster) join(ctx context.Context) error {
	response, err := c.dispatcher.Execute(ctx, Request{
		Kind:        RequestMetaQuery,
		Group:       PartitionGroup(c.config.Join),
		Consistency: ConsistencyStrong,
	})
	if err != nil {
		return fmt.Errorf("fail to fetch partition table: %w", err)
	}
	table, index, err := decodeMetaState(response.Result)
	if err != nil {
		return err
	}
	c.switchPartitionTable(table, index)
	if table.Contains(c.thisNode) {
		return nil
	}

	c.logger.Info().
		Str("address", c.thisNode.MetaAddress()).
		Str("tableVersion", fmt.Sprintf("%d", table.Version())).
		Msgf("Asking to join the cluster")
	return c.AddNode(ctx, c.thisNode)
}

// Stop stops serving rpcs, every member and every pull task
func (c *Cluster) Stop() {
	if !c.isRunning.CompareAndSwap(true, false) {
		c.closeStore()
		return
	}
	c.stopCtx()

	if c.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			c.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(c.config.ElectionTimeout):
			c.grpcServer.Stop()
		}
	}

	c.meta.Stop()
	c.mu.Lock()
	members := make([]*RaftMember, 0, len(c.members))
	for _, member := range c.members {
		members = append(members, member)
	}
	c.mu.Unlock()
	for _, member := range members {
		member.Stop()
	}
	c.wg.Wait()
	c.pool.Close()
	c.closeStore()

	c.logger.Info().
		Str("address", c.thisNode.MetaAddress()).
		Msgf("Cluster node stopped")
}

func (c *Cluster) closeStore() {
	if !c.ownStore {
		return
	}
	if err := c.store.Close(); err != nil {
		c.logger.Error().Err(err).
			Str("address", c.thisNode.MetaAddress()).
			Msgf("Fail to close store")
	}
	c.ownStore = false
}

// Write routes payload by key and proposes it to the leader of the slot group
func (c *Cluster) Write(ctx context.Context, key string, payload []byte) error {
	_, err := c.executeByKey(ctx, key, Request{Kind: RequestNonQuery, Payload: payload})
	return err
}

// Read routes payload by key and serves it from the slot group.
// The configured data read consistency is used when consistency is unset
func (c *Cluster) Read(ctx context.Context, key string, payload []byte, consistency ConsistencyLevel) ([]byte, error) {
	response, err := c.executeByKey(ctx, key, Request{Kind: RequestQuery, Payload: payload, Consistency: consistency})
	if err != nil {
		return nil, err
	}
	return response.Result, nil
}

// executeByKey routes request by key. A slot that moved while the request
// was in flight is routed again with the latest partition table
func (c *Cluster) executeByKey(ctx context.Context, key string, request Request) (*Response, error) {
	for attempt := 0; ; attempt++ {
		table := c.PartitionTable()
		if table == nil {
			return nil, ErrGroupNotFound
		}
		request.Slot = table.Route(key)
		group, err := table.GroupFor(request.Slot)
		if err != nil {
			return nil, err
		}
		request.Group = group

		response, err := c.dispatcher.Execute(ctx, request)
		if !errors.Is(err, ErrSlotMoved) || attempt >= c.config.MaxRequestRetries {
			return response, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.config.HeartbeatInterval):
		}
	}
}

// AddNode asks the meta group to add node to the cluster
func (c *Cluster) AddNode(ctx context.Context, node Node) error {
	_, err := c.dispatcher.Execute(ctx, Request{Kind: RequestAddNode, Group: c.metaGroup(), Node: node})
	return err
}

// RemoveNode asks the meta group to remove node from the cluster
func (c *Cluster) RemoveNode(ctx context.Context, node Node) error {
	_, err := c.dispatcher.Execute(ctx, Request{Kind: RequestRemoveNode, Group: c.metaGroup(), Node: node})
	return err
}

// FetchPartitionTable reads the partition table from the meta group
func (c *Cluster) FetchPartitionTable(ctx context.Context, consistency ConsistencyLevel) (*PartitionTable, error) {
	response, err := c.dispatcher.Execute(ctx, Request{Kind: RequestMetaQuery, Group: c.metaGroup(), Consistency: consistency})
	if err != nil {
		return nil, err
	}
	table, _, err := decodeMetaState(response.Result)
	return table, err
}

// PartitionTable returns a copy of the local partition table, nil before joining
func (c *Cluster) PartitionTable() *PartitionTable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.table == nil {
		return nil
	}
	return c.table.Clone()
}

// Member returns the data member of the group headed by header
func (c *Cluster) Member(header Node) *RaftMember {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.members[header.Key()]
}

// MetaMember returns the member of the meta group
func (c *Cluster) MetaMember() *RaftMember {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// SlotManager returns the slot manager of the group headed by header
func (c *Cluster) SlotManager(header Node) *SlotManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slotManagers[header.Key()]
}

// Dispatcher returns the dispatcher of the node
func (c *Cluster) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Service returns the rpc handlers of the node
func (c *Cluster) Service() ClusterService {
	return c.service
}

// ThisNode returns the node identity
func (c *Cluster) ThisNode() Node {
	return c.thisNode
}

// Status returns a point in time view of the node
func (c *Cluster) Status() ClusterStatus {
	c.mu.RLock()
	status := ClusterStatus{Node: c.thisNode, TableIndex: c.tableIndex}
	if c.table != nil {
		status.TableVersion = c.table.Version()
	}
	meta := c.meta
	members := make([]*RaftMember, 0, len(c.members))
	for _, member := range c.members {
		members = append(members, member)
	}
	c.mu.RUnlock()

	if meta != nil {
		status.Meta = meta.Status()
	}
	for _, member := range members {
		status.Members = append(status.Members, member.Status())
	}
	return status
}

// metaGroup returns every node of the cluster, or the join nodes before joining
func (c *Cluster) metaGroup() PartitionGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metaGroupLocked()
}

func (c *Cluster) metaGroupLocked() PartitionGroup {
	if c.table == nil {
		return PartitionGroup(c.config.Join).Clone()
	}
	return PartitionGroup(c.table.AllNodes())
}

// slotMove is a slot whose owner changed between two tables
type slotMove struct {
	slot int
	from PartitionGroup
	to   PartitionGroup
}

// switchPartitionTable installs next as the partition table reflecting the
// meta log up to index. Members are rebuilt, lost slots start sending and
// gained slots are pulled. Tables not newer than the current one are ignored
func (c *Cluster) switchPartitionTable(next *PartitionTable, index uint64) {
	c.mu.Lock()
	if c.table != nil && index <= c.tableIndex {
		c.mu.Unlock()
		return
	}
	previous := c.table
	c.table, c.tableIndex = next, index

	stopped := c.rebuildMembersLocked()
	replicationNum := min(next.ReplicationFactor(), len(next.AllNodes()))
	for _, sm := range c.slotManagers {
		sm.SetReplicationNum(replicationNum)
	}

	tasks := make(map[string]*PullSnapshotTask)
	for _, move := range movedSlots(previous, next) {
		if move.from.Contains(c.thisNode) {
			if sm, err := c.slotManagerLocked(move.from.Header()); err == nil {
				if err := sm.SetToSending(move.slot); err != nil {
					c.logSlotError(err, move.slot, "Fail to set slot to sending")
				}
			}
		}
		if !move.to.Contains(c.thisNode) {
			continue
		}

		key := move.to.Header().Key() + "<" + move.from.Header().Key()
		task, ok := tasks[key]
		if !ok {
			task = newPullSnapshotTask(c, move.to.Header(), move.from, !move.from.Contains(c.thisNode))
			tasks[key] = task
		}
		task.slots = append(task.slots, move.slot)
		if task.pull {
			if sm, err := c.slotManagerLocked(move.to.Header()); err == nil {
				if err := sm.SetToPulling(move.slot, move.from.Header()); err != nil {
					c.logSlotError(err, move.slot, "Fail to set slot to pulling")
				}
			}
		}
	}

	if c.meta != nil {
		c.meta.SetGroup(PartitionGroup(next.AllNodes()))
	}
	if err := c.persistTableLocked(); err != nil {
		c.logger.Error().Err(err).
			Str("address", c.thisNode.MetaAddress()).
			Msgf("Fail to persist partition table")
	}
	running := c.isRunning.Load()
	c.mu.Unlock()

	c.logger.Info().
		Str("address", c.thisNode.MetaAddress()).
		Str("tableVersion", fmt.Sprintf("%d", next.Version())).
		Str("tableIndex", fmt.Sprintf("%d", index)).
		Str("nodes", PartitionGroup(next.AllNodes()).String()).
		Msgf("Partition table switched")

	for _, member := range stopped {
		member.Stop()
		c.dropLeftGroupData(member.Header())
	}
	if running {
		for _, task := range tasks {
			c.startPull(task)
		}
	}
}

// movedSlots returns the slots whose owner changed from previous to next
func movedSlots(previous, next *PartitionTable) []slotMove {
	if previous == nil {
		return nil
	}
	var moves []slotMove
	for slot := range next.TotalSlots() {
		from, to := previous.SlotOwner(slot), next.SlotOwner(slot)
		if from.Equal(to) {
			continue
		}
		fromGroup, err := previous.GroupOf(from)
		if err != nil {
			continue
		}
		toGroup, err := next.GroupOf(to)
		if err != nil {
			continue
		}
		moves = append(moves, slotMove{slot: slot, from: fromGroup, to: toGroup})
	}
	return moves
}

// rebuildMembersLocked creates or updates the data members of every group
// this node belongs to and returns the members of the groups it left
func (c *Cluster) rebuildMembersLocked() []*RaftMember {
	keep := make(map[string]struct{})
	for _, group := range c.table.GroupsForNode(c.thisNode) {
		key := group.Header().Key()
		keep[key] = struct{}{}
		if _, err := c.slotManagerLocked(group.Header()); err != nil {
			c.logger.Error().Err(err).
				Str("address", c.thisNode.MetaAddress()).
				Str("header", group.Header().String()).
				Msgf("Fail to build slot manager")
			continue
		}
		if member, ok := c.members[key]; ok {
			member.SetGroup(group)
			continue
		}

		member, err := c.newDataMember(group)
		if err != nil {
			c.logger.Error().Err(err).
				Str("address", c.thisNode.MetaAddress()).
				Str("header", group.Header().String()).
				Msgf("Fail to build data member")
			continue
		}
		c.members[key] = member
		if c.isRunning.Load() {
			member.Start()
		}
	}

	var stopped []*RaftMember
	for key, member := range c.members {
		if _, ok := keep[key]; !ok {
			stopped = append(stopped, member)
			delete(c.members, key)
		}
	}
	return stopped
}

func dataNamespace(header Node) string {
	return "data-" + header.Key()
}

func (c *Cluster) newDataMember(group PartitionGroup) (*RaftMember, error) {
	store, err := c.store.Namespace(dataNamespace(group.Header()))
	if err != nil {
		return nil, err
	}
	return NewRaftMember(MemberOptions{
		Name:         dataGroupName,
		ThisNode:     c.thisNode,
		Group:        group,
		Config:       c.config,
		Store:        store,
		Pool:         c.pool,
		Applier:      &dataApplier{cluster: c, header: group.Header()},
		SchemaPuller: c.schemaPuller,
		Logger:       c.logger,
		metrics:      c.metrics,
	})
}

// slotManagerLocked returns the slot manager of header, building it from its store when missing
func (c *Cluster) slotManagerLocked(header Node) (*SlotManager, error) {
	if sm, ok := c.slotManagers[header.Key()]; ok {
		return sm, nil
	}
	store, err := c.store.Namespace(dataNamespace(header))
	if err != nil {
		return nil, err
	}
	replicationNum := c.config.ReplicationFactor
	if c.table != nil {
		replicationNum = min(c.table.ReplicationFactor(), len(c.table.AllNodes()))
	}
	sm, err := NewSlotManager(SlotManagerOptions{
		Header:         header,
		ReplicationNum: replicationNum,
		Store:          store,
		Logger:         c.logger,
		OnSlotSent: func(slot int) {
			c.onSlotSent(header, slot)
		},
	})
	if err != nil {
		return nil, err
	}
	sm.metrics = c.metrics
	c.slotManagers[header.Key()] = sm
	return sm, nil
}

// onSlotSent drops the data of a handed off slot unless this node still serves it
func (c *Cluster) onSlotSent(header Node, slot int) {
	c.mu.RLock()
	group, err := c.table.GroupFor(slot)
	c.mu.RUnlock()
	if err == nil && group.Contains(c.thisNode) {
		return
	}
	if err := c.engine.RemoveSlot(slot); err != nil {
		c.logSlotError(err, slot, "Fail to remove sent slot")
		return
	}
	c.logger.Info().
		Str("address", c.thisNode.MetaAddress()).
		Str("header", header.String()).
		Str("slot", fmt.Sprintf("%d", slot)).
		Msgf("Slot handed off")
}

// dropLeftGroupData removes the data of the slots of a group this node left.
// Slots still served by another group of this node are kept
func (c *Cluster) dropLeftGroupData(header Node) {
	c.mu.RLock()
	var slots []int
	for _, slot := range c.table.SlotsOf(header) {
		if group, err := c.table.GroupFor(slot); err == nil && !group.Contains(c.thisNode) {
			slots = append(slots, slot)
		}
	}
	c.mu.RUnlock()

	for _, slot := range slots {
		if err := c.engine.RemoveSlot(slot); err != nil {
			c.logSlotError(err, slot, "Fail to remove slot of left group")
		}
	}
}

// persistTableLocked saves the partition table with its meta index
func (c *Cluster) persistTableLocked() error {
	table, err := c.table.Serialize()
	if err != nil {
		return err
	}
	data, err := json.Marshal(metaState{Index: c.tableIndex, Table: table})
	if err != nil {
		return err
	}
	return c.metaStore.Set(keyPartitionTable, data)
}

// advanceTableIndex records that the meta entry at index has been
// applied without changing the partition table
func (c *Cluster) advanceTableIndex(index uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.table == nil || index <= c.tableIndex {
		return
	}
	c.tableIndex = index
	if err := c.persistTableLocked(); err != nil {
		c.logger.Error().Err(err).
			Str("address", c.thisNode.MetaAddress()).
			Msgf("Fail to persist partition table")
	}
}

// encodeMetaState returns the partition table with its meta index as served by MetaQuery
func (c *Cluster) encodeMetaState() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.table == nil {
		return nil, ErrGroupNotFound
	}
	table, err := c.table.Serialize()
	if err != nil {
		return nil, err
	}
	return json.Marshal(metaState{Index: c.tableIndex, Table: table})
}

func decodeMetaState(data []byte) (*PartitionTable, uint64, error) {
	var state metaState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, 0, fmt.Errorf("fail to decode meta state: %w", err)
	}
	table, err := DeserializePartitionTable(state.Table)
	if err != nil {
		return nil, 0, err
	}
	return table, state.Index, nil
}

func (c *Cluster) logSlotError(err error, slot int, message string) {
	c.logger.Error().Err(err).
		Str("address", c.thisNode.MetaAddress()).
		Str("slot", fmt.Sprintf("%d", slot)).
		Msgf("%s", message)
}
