package slotty

import (
	"bytes"
	"maps"
	"slices"
)

// NewMemoryStore returns a store keeping everything in memory
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]*memoryGroupStore)}
}

// Namespace returns the in memory store of the namespace
func (m *MemoryStore) Namespace(name string) (GroupStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok := m.namespaces[name]; ok {
		return store, nil
	}
	store := &memoryGroupStore{
		logs:  make(map[uint64]*LogEntry),
		slots: make(map[int][]byte),
		kv:    make(map[string][]byte),
	}
	m.namespaces[name] = store
	return store, nil
}

// Close is a no op so that data survives a restart in tests
func (m *MemoryStore) Close() error {
	return nil
}

// StoreLogs stores multiple log entries
func (in *memoryGroupStore) StoreLogs(logs []*LogEntry) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	for _, entry := range logs {
		in.logs[entry.Index] = entry
	}
	return nil
}

// GetLogByIndex permits to retrieve log from specified index
func (in *memoryGroupStore) GetLogByIndex(index uint64) (*LogEntry, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if val, ok := in.logs[index]; ok {
		return val, nil
	}
	return nil, ErrLogNotFound
}

// GetLogsByRange returns contiguous logs starting at minIndex
func (in *memoryGroupStore) GetLogsByRange(minIndex, maxIndex, maxEntries uint64) ([]*LogEntry, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	var logs []*LogEntry
	for index := minIndex; index <= maxIndex && uint64(len(logs)) < maxEntries; index++ {
		val, ok := in.logs[index]
		if !ok {
			if len(logs) == 0 {
				return nil, ErrLogNotFound
			}
			break
		}
		logs = append(logs, val)
	}
	return logs, nil
}

// DiscardLogs permits to wipe entries with the provided range indexes
func (in *memoryGroupStore) DiscardLogs(minIndex, maxIndex uint64) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	for index := range in.logs {
		if index >= minIndex && index <= maxIndex {
			delete(in.logs, index)
		}
	}
	return nil
}

// FirstIndex return fist index from in memory
func (in *memoryGroupStore) FirstIndex() (uint64, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if len(in.logs) == 0 {
		return 0, nil
	}
	return slices.Min(slices.Collect(maps.Keys(in.logs))), nil
}

// LastIndex return last index from in memory
func (in *memoryGroupStore) LastIndex() (uint64, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if len(in.logs) == 0 {
		return 0, nil
	}
	return slices.Max(slices.Collect(maps.Keys(in.logs))), nil
}

// GetMetadata will fetch group metadata
func (in *memoryGroupStore) GetMetadata() ([]byte, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if in.metadata == nil {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(in.metadata), nil
}

// StoreMetadata will store group metadata
func (in *memoryGroupStore) StoreMetadata(value []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.metadata = bytes.Clone(value)
	return nil
}

// GetSnapshot will fetch the last snapshot
func (in *memoryGroupStore) GetSnapshot() ([]byte, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if in.snapshot == nil {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(in.snapshot), nil
}

// StoreSnapshot will store the snapshot
func (in *memoryGroupStore) StoreSnapshot(value []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.snapshot = bytes.Clone(value)
	return nil
}

// StoreSlotStatus stores the encoded status of the slot
func (in *memoryGroupStore) StoreSlotStatus(slot int, record []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.slots[slot] = bytes.Clone(record)
	return nil
}

// LoadSlotStatuses returns every stored slot status
func (in *memoryGroupStore) LoadSlotStatuses() (map[int][]byte, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	return maps.Clone(in.slots), nil
}

// Set will add key/value to the k/v store
func (in *memoryGroupStore) Set(key, value []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.kv[string(key)] = bytes.Clone(value)
	return nil
}

// Get will fetch provided key from the k/v store
func (in *memoryGroupStore) Get(key []byte) ([]byte, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if val, ok := in.kv[string(key)]; ok {
		return bytes.Clone(val), nil
	}
	return nil, ErrKeyNotFound
}
