package slotty

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// NewSlotManager builds the slot manager of a partition group
// and restores the statuses found in its store
func NewSlotManager(options SlotManagerOptions) (*SlotManager, error) {
	logger := options.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &SlotManager{
		header:     options.Header,
		store:      options.Store,
		logger:     logger,
		slots:      make(map[int]*slotDescriptor),
		onSlotSent: options.OnSlotSent,
	}
	s.SetReplicationNum(options.ReplicationNum)
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load restores persisted statuses. Records failing
// their checksum are logged and skipped
func (s *SlotManager) load() error {
	if s.store == nil {
		return nil
	}
	records, err := s.store.LoadSlotStatuses()
	if err != nil {
		return fmt.Errorf("fail to load slot statuses of group %s: %w", s.header, err)
	}

	for slot, data := range records {
		record, err := decodeSlotRecord(data)
		if err != nil {
			s.corruptedRecords++
			s.logger.Error().Err(err).
				Str("header", s.header.String()).
				Str("slot", fmt.Sprintf("%d", slot)).
				Msgf("Ignoring corrupted slot status record")
			continue
		}
		d := s.descriptor(record.Slot)
		d.status = record.Status
		d.source = record.Source
		if record.Status == SlotSending {
			d.sentReplicationNum = record.Acks
		}
	}
	return nil
}

// CorruptedRecords returns the number of records ignored while loading
func (s *SlotManager) CorruptedRecords() int {
	return s.corruptedRecords
}

// Header returns the header of the group the manager belongs to
func (s *SlotManager) Header() Node {
	return s.header
}

// SetReplicationNum sets the number of acknowledgements needed
// for a sending slot to become sent
func (s *SlotManager) SetReplicationNum(n int) {
	s.replicationNum.Store(int32(max(n, 1)))
}

// descriptor returns the descriptor of the slot, creating it if needed
func (s *SlotManager) descriptor(slot int) *slotDescriptor {
	s.slotsMu.RLock()
	d, ok := s.slots[slot]
	s.slotsMu.RUnlock()
	if ok {
		return d
	}

	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	if d, ok = s.slots[slot]; ok {
		return d
	}
	d = &slotDescriptor{}
	d.cond = sync.NewCond(&d.mu)
	s.slots[slot] = d
	return d
}

// GetStatus returns the current status of the slot
func (s *SlotManager) GetStatus(slot int) SlotStatus {
	d := s.descriptor(slot)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// GetSource returns the node the slot is pulled from, if any
func (s *SlotManager) GetSource(slot int) Node {
	d := s.descriptor(slot)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.source
}

// SlotsWithStatus returns every slot currently in one of the provided statuses
func (s *SlotManager) SlotsWithStatus(statuses ...SlotStatus) []int {
	s.slotsMu.RLock()
	descriptors := make(map[int]*slotDescriptor, len(s.slots))
	for slot, d := range s.slots {
		descriptors[slot] = d
	}
	s.slotsMu.RUnlock()

	var slots []int
	for slot, d := range descriptors {
		d.mu.Lock()
		status := d.status
		d.mu.Unlock()
		for _, wanted := range statuses {
			if status == wanted {
				slots = append(slots, slot)
				break
			}
		}
	}
	return slots
}

// WaitSlot blocks until the slot can be served, which means until it is
// no longer pulling. A pulling writable slot is served while its
// history streams in
func (s *SlotManager) WaitSlot(ctx context.Context, slot int) error {
	return s.wait(ctx, slot, func(status SlotStatus) bool {
		return status == SlotPulling
	})
}

// WaitSlotForWrite blocks until the slot accepts writes,
// which means until it is no longer pulling
func (s *SlotManager) WaitSlotForWrite(ctx context.Context, slot int) error {
	return s.wait(ctx, slot, func(status SlotStatus) bool {
		return status == SlotPulling
	})
}

func (s *SlotManager) wait(ctx context.Context, slot int, blocked func(SlotStatus) bool) error {
	d := s.descriptor(slot)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !blocked(d.status) {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	for blocked(d.status) {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.cond.Wait()
	}
	return nil
}

// SetToPulling marks the slot as being pulled from source
func (s *SlotManager) SetToPulling(slot int, source Node) error {
	return s.transition(slot, func(d *slotState) {
		d.status = SlotPulling
		d.source = source
	})
}

// SetToPullingWritable marks the slot as writable while
// its history is still being pulled
func (s *SlotManager) SetToPullingWritable(slot int) error {
	return s.transition(slot, func(d *slotState) {
		d.status = SlotPullingWritable
	})
}

// SetToSending marks the slot as handed off to another group
func (s *SlotManager) SetToSending(slot int) error {
	return s.transition(slot, func(d *slotState) {
		d.status = SlotSending
		d.source = Node{}
		d.sentReplicationNum = 0
	})
}

// SetToNull clears the migration status of the slot
func (s *SlotManager) SetToNull(slot int) error {
	return s.transition(slot, func(d *slotState) {
		d.status = SlotNull
		d.source = Node{}
		d.sentReplicationNum = 0
	})
}

// SentOneReplication records that one replica of the new group
// pulled the slot. The slot becomes sent once every replica did.
// It is a no op when the slot is not sending
func (s *SlotManager) SentOneReplication(slot int) error {
	d := s.descriptor(slot)
	d.mu.Lock()
	if status := d.status; status != SlotSending {
		d.mu.Unlock()
		s.logger.Debug().
			Str("header", s.header.String()).
			Str("slot", fmt.Sprintf("%d", slot)).
			Str("status", status.String()).
			Msgf("Ignoring replication acknowledgement of a slot that is not sending")
		return nil
	}

	d.sentReplicationNum++
	if d.sentReplicationNum < int(s.replicationNum.Load()) {
		err := s.persist(slotRecord{Slot: slot, Status: SlotSending, Source: d.source, Acks: d.sentReplicationNum})
		if err != nil {
			d.sentReplicationNum--
		}
		d.mu.Unlock()
		return err
	}

	if err := s.persist(slotRecord{Slot: slot, Status: SlotSent, Source: d.source}); err != nil {
		d.sentReplicationNum--
		d.mu.Unlock()
		return err
	}
	d.status = SlotSent
	d.cond.Broadcast()
	d.mu.Unlock()

	s.observeTransition(slot, SlotSent)
	if s.onSlotSent != nil {
		s.onSlotSent(slot)
	}
	return nil
}

// transition persists the status produced by apply before making it
// visible to waiters
func (s *SlotManager) transition(slot int, apply func(next *slotState)) error {
	d := s.descriptor(slot)
	d.mu.Lock()
	defer d.mu.Unlock()

	next := slotState{status: d.status, source: d.source, sentReplicationNum: d.sentReplicationNum}
	apply(&next)
	if err := s.persist(slotRecord{Slot: slot, Status: next.status, Source: next.source, Acks: next.sentReplicationNum}); err != nil {
		return err
	}

	d.status = next.status
	d.source = next.source
	d.sentReplicationNum = next.sentReplicationNum
	d.cond.Broadcast()
	s.observeTransition(slot, next.status)
	return nil
}

func (s *SlotManager) persist(record slotRecord) error {
	if s.store == nil {
		return nil
	}
	data, err := encodeSlotRecord(record)
	if err != nil {
		return err
	}
	if err := s.store.StoreSlotStatus(record.Slot, data); err != nil {
		return fmt.Errorf("fail to persist status of slot %d: %w", record.Slot, err)
	}
	return nil
}

func (s *SlotManager) observeTransition(slot int, status SlotStatus) {
	if s.metrics != nil {
		s.metrics.slotTransition(status)
	}
	s.logger.Debug().
		Str("header", s.header.String()).
		Str("slot", fmt.Sprintf("%d", slot)).
		Str("status", status.String()).
		Msgf("Slot status changed")
}
