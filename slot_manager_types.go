package slotty

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// SlotStatus is the migration status of a slot within a partition group
type SlotStatus uint8

const (
	// SlotNull means the slot is neither pulled nor sent
	SlotNull SlotStatus = iota

	// SlotPulling means the slot history is being pulled
	// from its previous group and it cannot be read or written
	SlotPulling

	// SlotPullingWritable means the previous group stopped
	// accepting writes so writes are accepted while history streams in
	SlotPullingWritable

	// SlotSending means the slot has been handed off and its
	// new group is pulling it
	SlotSending

	// SlotSent means every replica of the new group acknowledged the slot
	SlotSent
)

// String returns a human readable status
func (s SlotStatus) String() string {
	switch s {
	case SlotPulling:
		return "pulling"
	case SlotPullingWritable:
		return "pullingWritable"
	case SlotSending:
		return "sending"
	case SlotSent:
		return "sent"
	}
	return "null"
}

// slotRecord is the persisted form of a slot status
type slotRecord struct {
	Slot   int
	Status SlotStatus
	Source Node

	// Acks is the number of replicas that acknowledged a sending slot
	Acks int
}

// slotDescriptor holds the status of a single slot.
// Every field is protected by mu and changes are broadcast on cond
type slotDescriptor struct {
	mu                 sync.Mutex
	cond               *sync.Cond
	status             SlotStatus
	source             Node
	sentReplicationNum int
}

// slotState is the mutable part of a descriptor, used to prepare
// a transition before persisting it
type slotState struct {
	status             SlotStatus
	source             Node
	sentReplicationNum int
}

// SlotStatusStore persists slot status records of a partition group
type SlotStatusStore interface {
	// StoreSlotStatus saves the encoded record of the slot
	StoreSlotStatus(slot int, record []byte) error

	// LoadSlotStatuses returns every saved record keyed by slot
	LoadSlotStatuses() (map[int][]byte, error)
}

// SlotManagerOptions holds the dependencies of a slot manager
type SlotManagerOptions struct {
	// Header is the header of the partition group
	Header Node

	// ReplicationNum is the number of acknowledgements after which
	// a sending slot is considered sent
	ReplicationNum int

	// Store persists slot statuses
	Store SlotStatusStore

	// Logger to use
	Logger *zerolog.Logger

	// OnSlotSent is called once a slot reaches the sent status
	OnSlotSent func(slot int)
}

// SlotManager tracks the migration status of every slot of a partition group
type SlotManager struct {
	header Node
	store  SlotStatusStore
	logger *zerolog.Logger

	// slotsMu only protects the slots map, descriptors have their own lock
	slotsMu sync.RWMutex
	slots   map[int]*slotDescriptor

	replicationNum   atomic.Int32
	corruptedRecords int
	onSlotSent       func(slot int)
	metrics          *metrics
}
