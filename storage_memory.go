package slotty

import (
	"bytes"
	"encoding/json"
	"sync"
)

// MemoryEngine is a StorageEngine keeping every point in memory.
// A payload is an opaque point, a query returns every point of the
// slot starting with the query payload. Points are stored once so
// that replayed entries and merged snapshots do not duplicate them
type MemoryEngine struct {
	mu     sync.RWMutex
	points map[int][][]byte
	known  map[int]map[string]struct{}
}

// NewMemoryEngine returns an empty engine
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		points: make(map[int][][]byte),
		known:  make(map[int]map[string]struct{}),
	}
}

// ApplyEntry appends the point to the slot
func (m *MemoryEngine) ApplyEntry(slot int, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(slot, payload)
	return nil
}

func (m *MemoryEngine) addLocked(slot int, point []byte) {
	known, ok := m.known[slot]
	if !ok {
		known = make(map[string]struct{})
		m.known[slot] = known
	}
	if _, ok := known[string(point)]; ok {
		return
	}
	known[string(point)] = struct{}{}
	m.points[slot] = append(m.points[slot], bytes.Clone(point))
}

// Query returns a json array of every point of the slot prefixed by payload
func (m *MemoryEngine) Query(slot int, payload []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := [][]byte{}
	for _, point := range m.points[slot] {
		if bytes.HasPrefix(point, payload) {
			result = append(result, point)
		}
	}
	return json.Marshal(result)
}

// TakeSlotSnapshot returns every point of the slot, nil when empty
func (m *MemoryEngine) TakeSlotSnapshot(slot int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.points[slot]) == 0 {
		return nil, nil
	}
	return json.Marshal(m.points[slot])
}

// InstallSlotSnapshot merges the points of data not already stored
func (m *MemoryEngine) InstallSlotSnapshot(slot int, data []byte) error {
	var points [][]byte
	if err := json.Unmarshal(data, &points); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, point := range points {
		m.addLocked(slot, point)
	}
	return nil
}

// RemoveSlot drops every point of the slot
func (m *MemoryEngine) RemoveSlot(slot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points, slot)
	delete(m.known, slot)
	return nil
}

// Slots returns the number of points per slot
func (m *MemoryEngine) Slots() map[int]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[int]int, len(m.points))
	for slot, points := range m.points {
		counts[slot] = len(points)
	}
	return counts
}
