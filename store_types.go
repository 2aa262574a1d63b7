package slotty

import (
	"sync"

	bolt "go.etcd.io/bbolt"
)

// LogEntry is a single entry of a partition group raft log
type LogEntry struct {
	// Term is the term in which the entry was created
	Term uint64 `json:"term"`

	// Index is the position of the entry in the log
	Index uint64 `json:"index"`

	// Payload is the command to apply. An empty payload is a no op
	Payload []byte `json:"payload,omitempty"`
}

// Store is the node level store shared by every partition group.
// Each group works in its own namespace
type Store interface {
	// Namespace returns the store of the provided group, creating it if needed
	Namespace(name string) (GroupStore, error)

	// Close closes the store
	Close() error
}

// GroupStore persists the raft log, metadata, snapshot and
// slot statuses of a single partition group
type GroupStore interface {
	SlotStatusStore

	// StoreLogs stores multiple log entries
	StoreLogs(logs []*LogEntry) error

	// GetLogByIndex returns the entry at index
	GetLogByIndex(index uint64) (*LogEntry, error)

	// GetLogsByRange returns up to maxEntries contiguous entries
	// with index between minIndex and maxIndex included
	GetLogsByRange(minIndex, maxIndex, maxEntries uint64) ([]*LogEntry, error)

	// DiscardLogs deletes entries between minIndex and maxIndex included
	DiscardLogs(minIndex, maxIndex uint64) error

	// FirstIndex returns the first index of the log or 0
	FirstIndex() (uint64, error)

	// LastIndex returns the last index of the log or 0
	LastIndex() (uint64, error)

	// GetMetadata returns the persisted term and vote
	GetMetadata() ([]byte, error)

	// StoreMetadata persists the term and vote
	StoreMetadata(value []byte) error

	// GetSnapshot returns the last encoded snapshot
	GetSnapshot() ([]byte, error)

	// StoreSnapshot persists an encoded snapshot
	StoreSnapshot(value []byte) error

	// Set stores a key/value pair
	Set(key, value []byte) error

	// Get fetches a key
	Get(key []byte) ([]byte, error)
}

// BoltOptions holds bolt store options
type BoltOptions struct {
	// DataDir is the directory where the database file is stored. It's required
	DataDir string

	// Options hold all bolt options
	Options *bolt.Options
}

// BoltStore is the persistent store backed by bbolt.
// Every namespace is a top level bucket with nested buckets
type BoltStore struct {
	// dataDir is the data directory holding the database file
	dataDir string

	// db allows us to manipulate the k/v database
	db *bolt.DB
}

// boltGroupStore is the view of a BoltStore restricted to a namespace
type boltGroupStore struct {
	db        *bolt.DB
	namespace []byte
}

// MemoryStore is a non persistent store mostly used for tests
type MemoryStore struct {
	mu         sync.Mutex
	namespaces map[string]*memoryGroupStore
}

// memoryGroupStore hold the in memory data of a namespace
type memoryGroupStore struct {
	// mu hold locking mecanism
	mu sync.RWMutex

	// logs map holds a map of the log entries
	logs map[uint64]*LogEntry

	// metadata holds the term and vote
	metadata []byte

	// snapshot holds the last encoded snapshot
	snapshot []byte

	// slots holds encoded slot records
	slots map[int][]byte

	// kv map holds the a map of k/v store
	kv map[string][]byte
}
