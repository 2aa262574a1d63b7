package slotty

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// applyLoop applies committed entries in log order
func (m *RaftMember) applyLoop() {
	defer m.wg.Done()

	retry := time.NewTicker(m.config.HeartbeatInterval)
	defer retry.Stop()

	for {
		m.mu.Lock()
		notify := m.commitNotify
		m.mu.Unlock()

		m.applyCommitted()

		select {
		case <-m.quitCtx.Done():
			return
		case <-notify:
		case <-retry.C:
		}
	}
}

// applyCommitted applies every entry between lastApplied and commitIndex
func (m *RaftMember) applyCommitted() {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	for m.quitCtx.Err() == nil {
		m.mu.Lock()
		from, to := m.lastApplied+1, m.commitIndex
		m.mu.Unlock()
		if from > to {
			break
		}

		entries, err := m.store.GetLogsByRange(from, to, m.config.CatchUpBatchSize)
		if err != nil {
			m.logger.Error().Err(err).
				Str("address", m.thisNode.MetaAddress()).
				Str("header", m.header.String()).
				Str("from", fmt.Sprintf("%d", from)).
				Str("to", fmt.Sprintf("%d", to)).
				Msgf("Fail to read committed entries")
			return
		}

		for _, entry := range entries {
			err := m.applyEntry(entry)
			if err != nil {
				m.logger.Error().Err(err).
					Str("address", m.thisNode.MetaAddress()).
					Str("group", m.name).
					Str("header", m.header.String()).
					Str("index", fmt.Sprintf("%d", entry.Index)).
					Msgf("Fail to apply entry")
			}

			m.mu.Lock()
			if waiter, ok := m.waiters[entry.Index]; ok {
				waiter <- err
				delete(m.waiters, entry.Index)
			}
			m.setAppliedLocked(entry.Index)
			m.mu.Unlock()
		}
	}
	m.maybeCompact()
}

// applyEntry applies one entry. An entry failing on a missing schema
// is applied again once the schema has been pulled
func (m *RaftMember) applyEntry(entry *LogEntry) error {
	if len(entry.Payload) == 0 || m.applier == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(m.quitCtx, m.config.WriteOperationTimeout)
	defer cancel()

	err := m.applier.ApplyEntry(ctx, entry)
	if !errors.Is(err, ErrMissingSchema) || m.schemaPuller == nil {
		return err
	}
	if perr := m.schemaPuller.OnMissingSchema(ctx, entry.Payload); perr != nil {
		m.logger.Warn().Err(perr).
			Str("address", m.thisNode.MetaAddress()).
			Str("header", m.header.String()).
			Str("index", fmt.Sprintf("%d", entry.Index)).
			Msgf("Fail to pull missing schema")
		return err
	}
	return m.applier.ApplyEntry(ctx, entry)
}

// setAppliedLocked moves lastApplied forward and wakes the readers waiting on it
func (m *RaftMember) setAppliedLocked(index uint64) {
	if index <= m.lastApplied {
		return
	}
	m.lastApplied = index
	close(m.appliedNotify)
	m.appliedNotify = make(chan struct{})
}

// waitApplied blocks until index has been applied
func (m *RaftMember) waitApplied(ctx context.Context, index uint64) error {
	for {
		m.mu.Lock()
		if m.lastApplied >= index {
			m.mu.Unlock()
			return nil
		}
		notify := m.appliedNotify
		m.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.quitCtx.Done():
			return ErrShutdown
		}
	}
}

// maybeCompact takes a snapshot once enough entries have been applied since the last one.
// applyMu must be held
func (m *RaftMember) maybeCompact() {
	m.mu.Lock()
	due := m.config.SnapshotThreshold > 0 && m.lastApplied-m.snapshotIndex >= m.config.SnapshotThreshold
	m.mu.Unlock()
	if !due {
		return
	}
	if _, err := m.takeSnapshotApplyLocked(); err != nil {
		m.logger.Error().Err(err).
			Str("address", m.thisNode.MetaAddress()).
			Str("header", m.header.String()).
			Msgf("Fail to take snapshot")
	}
}

// takeSnapshotApplyLocked snapshots the applied state, persists it and
// discards the entries it covers. applyMu must be held
func (m *RaftMember) takeSnapshotApplyLocked() (Snapshot, error) {
	start := time.Now()
	m.mu.Lock()
	index := m.lastApplied
	term, ok := m.termAtLocked(index)
	if m.snapshot != nil && m.snapshotIndex == index {
		snapshot := m.snapshot
		m.mu.Unlock()
		return snapshot, nil
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: term of index %d", ErrLogNotFound, index)
	}

	var (
		snapshot Snapshot
		err      error
	)
	if m.applier != nil {
		snapshot, err = m.applier.TakeSnapshot(index, term)
	} else {
		snapshot = &SimpleSnapshot{Index: index, Term: term}
	}
	if err != nil {
		return nil, err
	}
	data, err := EncodeSnapshot(snapshot)
	if err != nil {
		return nil, err
	}
	if err := m.store.StoreSnapshot(data); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.DiscardLogs(0, index); err != nil {
		return nil, err
	}
	m.snapshot = snapshot
	m.snapshotIndex, m.snapshotTerm = index, term
	m.metrics.timeSince("takeSnapshot", start)

	m.logger.Debug().
		Str("address", m.thisNode.MetaAddress()).
		Str("group", m.name).
		Str("header", m.header.String()).
		Str("snapshotIndex", fmt.Sprintf("%d", index)).
		Msgf("Snapshot taken")
	return snapshot, nil
}

// snapshotForCatchUp returns a snapshot of the applied state, used to
// bring back followers missing compacted entries
func (m *RaftMember) snapshotForCatchUp() (Snapshot, error) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	return m.takeSnapshotApplyLocked()
}
