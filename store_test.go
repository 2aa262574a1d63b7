package slotty

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/fake"
	"github.com/stretchr/testify/assert"
	bolt "go.etcd.io/bbolt"
)

// testGroupStore runs the same checks against every GroupStore implementation
func testGroupStore(t *testing.T, store GroupStore) {
	assert := assert.New(t)

	t.Run("empty", func(t *testing.T) {
		first, err := store.FirstIndex()
		assert.NoError(err)
		assert.Equal(uint64(0), first)
		last, err := store.LastIndex()
		assert.NoError(err)
		assert.Equal(uint64(0), last)

		_, err = store.GetLogByIndex(1)
		assert.ErrorIs(err, ErrLogNotFound)
		_, err = store.GetMetadata()
		assert.ErrorIs(err, ErrKeyNotFound)
		_, err = store.GetSnapshot()
		assert.ErrorIs(err, ErrKeyNotFound)
	})

	t.Run("store_get_logs", func(t *testing.T) {
		var logs []*LogEntry
		for index := uint64(1); index <= 10; index++ {
			logs = append(logs, &LogEntry{Term: 1, Index: index, Payload: []byte(fake.WordsN(3))})
		}
		assert.NoError(store.StoreLogs(logs))

		entry, err := store.GetLogByIndex(5)
		assert.NoError(err)
		assert.Equal(logs[4], entry)

		entries, err := store.GetLogsByRange(3, 10, 4)
		assert.NoError(err)
		if assert.Len(entries, 4) {
			assert.Equal(uint64(3), entries[0].Index)
			assert.Equal(uint64(6), entries[3].Index)
		}

		entries, err = store.GetLogsByRange(8, 20, 100)
		assert.NoError(err)
		assert.Len(entries, 3)

		_, err = store.GetLogsByRange(11, 20, 100)
		assert.ErrorIs(err, ErrLogNotFound)

		first, _ := store.FirstIndex()
		last, _ := store.LastIndex()
		assert.Equal(uint64(1), first)
		assert.Equal(uint64(10), last)
	})

	t.Run("discard_logs", func(t *testing.T) {
		assert.NoError(store.DiscardLogs(0, 4))
		first, _ := store.FirstIndex()
		assert.Equal(uint64(5), first)

		_, err := store.GetLogsByRange(3, 10, 100)
		assert.ErrorIs(err, ErrLogNotFound)

		assert.NoError(store.DiscardLogs(9, 10))
		last, _ := store.LastIndex()
		assert.Equal(uint64(8), last)
	})

	t.Run("metadata_snapshot_kv", func(t *testing.T) {
		assert.NoError(store.StoreMetadata([]byte("metadata")))
		value, err := store.GetMetadata()
		assert.NoError(err)
		assert.Equal([]byte("metadata"), value)

		assert.NoError(store.StoreSnapshot([]byte("snapshot")))
		value, err = store.GetSnapshot()
		assert.NoError(err)
		assert.Equal([]byte("snapshot"), value)

		assert.NoError(store.Set([]byte("a"), []byte("b")))
		value, err = store.Get([]byte("a"))
		assert.NoError(err)
		assert.Equal([]byte("b"), value)
		_, err = store.Get([]byte("c"))
		assert.ErrorIs(err, ErrKeyNotFound)
	})

	t.Run("slot_statuses", func(t *testing.T) {
		assert.NoError(store.StoreSlotStatus(3, []byte{1}))
		assert.NoError(store.StoreSlotStatus(7, []byte{2}))
		assert.NoError(store.StoreSlotStatus(3, []byte{3}))

		records, err := store.LoadSlotStatuses()
		assert.NoError(err)
		assert.Equal(map[int][]byte{3: {3}, 7: {2}}, records)
	})
}

func TestMemoryStore(t *testing.T) {
	assert := assert.New(t)
	store := NewMemoryStore()

	group, err := store.Namespace("data-a")
	assert.NoError(err)
	testGroupStore(t, group)

	t.Run("namespaces_are_isolated", func(t *testing.T) {
		other, err := store.Namespace("data-b")
		assert.NoError(err)
		last, err := other.LastIndex()
		assert.NoError(err)
		assert.Equal(uint64(0), last)

		same, err := store.Namespace("data-a")
		assert.NoError(err)
		last, err = same.LastIndex()
		assert.NoError(err)
		assert.Equal(uint64(8), last)
	})
	assert.NoError(store.Close())
}

func TestBoltStore(t *testing.T) {
	assert := assert.New(t)

	t.Run("no_datadir", func(t *testing.T) {
		_, err := NewBoltStorage(BoltOptions{Options: bolt.DefaultOptions})
		assert.ErrorIs(err, ErrDataDirRequired)
	})

	t.Run("datadir_is_a_file", func(t *testing.T) {
		dataDir := t.TempDir()
		assert.NoError(os.WriteFile(filepath.Join(dataDir, "db"), nil, 0o600))
		_, err := NewBoltStorage(BoltOptions{DataDir: dataDir})
		assert.Error(err)
	})

	dataDir := t.TempDir()
	store, err := NewBoltStorage(BoltOptions{DataDir: dataDir, Options: bolt.DefaultOptions})
	if !assert.NoError(err) {
		return
	}
	group, err := store.Namespace("data-a")
	assert.NoError(err)
	testGroupStore(t, group)
	assert.NoError(store.Close())

	t.Run("reopen", func(t *testing.T) {
		store, err := NewBoltStorage(BoltOptions{DataDir: dataDir, Options: bolt.DefaultOptions})
		assert.NoError(err)
		defer func() {
			assert.NoError(store.Close())
		}()

		group, err := store.Namespace("data-a")
		assert.NoError(err)
		last, err := group.LastIndex()
		assert.NoError(err)
		assert.Equal(uint64(8), last)
		value, err := group.GetMetadata()
		assert.NoError(err)
		assert.Equal([]byte("metadata"), value)

		other, err := store.Namespace("data-b")
		assert.NoError(err)
		records, err := other.LoadSlotStatuses()
		assert.NoError(err)
		assert.Empty(records)
	})
}
