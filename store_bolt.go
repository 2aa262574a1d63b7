package slotty

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

const (
	// dbFileName is the name of the database file
	dbFileName string = "slotty.db"
	// bucketLogsName will be used to store group logs
	bucketLogsName string = "logs"
	// bucketMetadataName will be used to store group metadata and snapshot
	bucketMetadataName string = "metadata"
	// bucketSlotsName will be used to store slot statuses
	bucketSlotsName string = "slots"
	// bucketKVName will be used as a simple key/value store
	bucketKVName string = "kv"
)

var (
	keyMetadata = []byte("metadata")
	keySnapshot = []byte("snapshot")
)

// NewBoltStorage opens or creates the bolt database in options.DataDir
func NewBoltStorage(options BoltOptions) (*BoltStore, error) {
	if options.DataDir == "" {
		return nil, ErrDataDirRequired
	}
	dbdir := filepath.Join(options.DataDir, "db")
	if err := os.MkdirAll(dbdir, 0750); err != nil {
		return nil, fmt.Errorf("fail to create directory %s: %w", dbdir, err)
	}

	db, err := bolt.Open(filepath.Join(dbdir, dbFileName), 0600, options.Options)
	if err != nil {
		return nil, err
	}
	return &BoltStore{dataDir: options.DataDir, db: db}, nil
}

// Close will close bolt database
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// Namespace initializes the buckets of the namespace and returns its store
func (b *BoltStore) Namespace(name string) (GroupStore, error) {
	namespace := []byte("group_" + name)
	err := b.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(namespace)
		if err != nil {
			return err
		}
		for _, name := range []string{bucketLogsName, bucketMetadataName, bucketSlotsName, bucketKVName} {
			if _, err := root.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fail to initialize namespace %s: %w", name, err)
	}
	return &boltGroupStore{db: b.db, namespace: namespace}, nil
}

func (b *boltGroupStore) bucket(tx *bolt.Tx, name string) *bolt.Bucket {
	return tx.Bucket(b.namespace).Bucket([]byte(name))
}

// StoreLogs stores multiple log entries
func (b *boltGroupStore) StoreLogs(logs []*LogEntry) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := b.bucket(tx, bucketLogsName)
		for _, log := range logs {
			value, err := encodeLogEntry(log)
			if err != nil {
				return err
			}
			if err := bucket.Put(encodeUint64ToBytes(log.Index), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetLogByIndex permits to retrieve log from specified index
func (b *boltGroupStore) GetLogByIndex(index uint64) (*LogEntry, error) {
	var entry *LogEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		value := b.bucket(tx, bucketLogsName).Get(encodeUint64ToBytes(index))
		if value == nil {
			return ErrLogNotFound
		}
		var err error
		entry, err = decodeLogEntry(value)
		return err
	})
	return entry, err
}

// GetLogsByRange returns contiguous logs starting at minIndex
func (b *boltGroupStore) GetLogsByRange(minIndex, maxIndex, maxEntries uint64) ([]*LogEntry, error) {
	var logs []*LogEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		cursor := b.bucket(tx, bucketLogsName).Cursor()
		expected := minIndex
		for k, v := cursor.Seek(encodeUint64ToBytes(minIndex)); k != nil; k, v = cursor.Next() {
			index := decodeUint64ToBytes(k)
			if index > maxIndex || uint64(len(logs)) >= maxEntries {
				return nil
			}
			if index != expected {
				return fmt.Errorf("%w: expected index %d got %d", ErrLogNotFound, expected, index)
			}
			entry, err := decodeLogEntry(v)
			if err != nil {
				return err
			}
			logs = append(logs, entry)
			expected++
		}
		return nil
	})
	if err == nil && len(logs) == 0 && minIndex <= maxIndex && maxEntries > 0 {
		err = ErrLogNotFound
	}
	return logs, err
}

// DiscardLogs permits to wipe entries with the provided range indexes
func (b *boltGroupStore) DiscardLogs(minIndex, maxIndex uint64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := b.bucket(tx, bucketLogsName)
		cursor := bucket.Cursor()

		for k, _ := cursor.Seek(encodeUint64ToBytes(minIndex)); k != nil; k, _ = cursor.Seek(encodeUint64ToBytes(minIndex)) {
			if decodeUint64ToBytes(k) > maxIndex {
				return nil
			}
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// FirstIndex will return the first index from the raft log
func (b *boltGroupStore) FirstIndex() (uint64, error) {
	var key []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		key, _ = b.bucket(tx, bucketLogsName).Cursor().First()
		return nil
	})
	if err != nil || len(key) == 0 {
		return 0, err
	}
	return decodeUint64ToBytes(key), nil
}

// LastIndex will return the last index from the raft log
func (b *boltGroupStore) LastIndex() (uint64, error) {
	var key []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		key, _ = b.bucket(tx, bucketLogsName).Cursor().Last()
		return nil
	})
	if err != nil || len(key) == 0 {
		return 0, err
	}
	return decodeUint64ToBytes(key), nil
}

// GetMetadata will fetch group metadata
func (b *boltGroupStore) GetMetadata() ([]byte, error) {
	return b.getKV(bucketMetadataName, keyMetadata)
}

// StoreMetadata will store group metadata
func (b *boltGroupStore) StoreMetadata(value []byte) error {
	return b.storeKV(bucketMetadataName, keyMetadata, value)
}

// GetSnapshot will fetch the last snapshot
func (b *boltGroupStore) GetSnapshot() ([]byte, error) {
	return b.getKV(bucketMetadataName, keySnapshot)
}

// StoreSnapshot will store the snapshot
func (b *boltGroupStore) StoreSnapshot(value []byte) error {
	return b.storeKV(bucketMetadataName, keySnapshot, value)
}

// StoreSlotStatus stores the encoded status of the slot
func (b *boltGroupStore) StoreSlotStatus(slot int, record []byte) error {
	return b.storeKV(bucketSlotsName, encodeUint64ToBytes(uint64(slot)), record)
}

// LoadSlotStatuses returns every stored slot status
func (b *boltGroupStore) LoadSlotStatuses() (map[int][]byte, error) {
	records := make(map[int][]byte)
	err := b.db.View(func(tx *bolt.Tx) error {
		return b.bucket(tx, bucketSlotsName).ForEach(func(k, v []byte) error {
			records[int(decodeUint64ToBytes(k))] = bytes.Clone(v)
			return nil
		})
	})
	return records, err
}

// Set will add key/value to the k/v store
func (b *boltGroupStore) Set(key, value []byte) error {
	return b.storeKV(bucketKVName, key, value)
}

// Get will fetch provided key from the k/v store.
// An error will be returned if the key is not found
func (b *boltGroupStore) Get(key []byte) ([]byte, error) {
	return b.getKV(bucketKVName, key)
}

// storeKV is an internal func that allows us store k/v into the specified
// bucket
func (b *boltGroupStore) storeKV(bucketName string, key, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return b.bucket(tx, bucketName).Put(key, value)
	})
}

// getKV is an internal func that allows us to fetch keys from specified
// bucket
func (b *boltGroupStore) getKV(bucketName string, key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := b.bucket(tx, bucketName).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		// bolt values are only valid during the transaction
		value = bytes.Clone(v)
		return nil
	})
	return value, err
}
