package slotty

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestConfig(t *testing.T) {
	assert := assert.New(t)

	t.Run("defaults", func(t *testing.T) {
		config, err := ParseConfig([]byte("node:\n  ip: 127.0.0.1\n  metaPort: 6000\n"))
		assert.NoError(err)
		assert.Equal(defaultReplicationFactor, config.ReplicationFactor)
		assert.Equal(defaultTotalSlots, config.TotalSlots)
		assert.Equal(defaultElectionTimeout, config.ElectionTimeout)
		assert.Equal(defaultHeartbeatInterval, config.HeartbeatInterval)
		assert.Equal(defaultClientWaitTimeout, config.ClientWaitTimeout)
		assert.Equal(ConsistencyStrong, config.MetaReadConsistency)
		assert.Equal(ConsistencyWeak, config.DataReadConsistency)
		assert.Equal("slotty", config.MetricsNamespace)
	})

	t.Run("durations_and_levels", func(t *testing.T) {
		data := []byte(`
node:
  ip: 10.0.0.1
  metaPort: 6000
  dataPort: 6001
  identifier: 4
seeds:
  - ip: 10.0.0.1
    metaPort: 6000
    identifier: 4
replicationFactor: 2
electionTimeout: 3s
heartbeatInterval: 500ms
catchUpTimeout: 2m
dataReadConsistency: Strong
`)
		config, err := ParseConfig(data)
		assert.NoError(err)
		assert.Equal(int32(4), config.Node.Identifier)
		assert.Len(config.Seeds, 1)
		assert.Equal(2, config.ReplicationFactor)
		assert.Equal(3*time.Second, config.ElectionTimeout)
		assert.Equal(500*time.Millisecond, config.HeartbeatInterval)
		assert.Equal(2*time.Minute, config.CatchUpTimeout)
		assert.Equal(ConsistencyStrong, config.DataReadConsistency)
	})

	t.Run("invalid_consistency", func(t *testing.T) {
		_, err := ParseConfig([]byte("metaReadConsistency: eventual\n"))
		assert.ErrorIs(err, ErrInvalidConsistency)
	})

	t.Run("heartbeat_above_election", func(t *testing.T) {
		_, err := ParseConfig([]byte("electionTimeout: 100ms\nheartbeatInterval: 1s\n"))
		assert.Error(err)
	})

	t.Run("negative_values", func(t *testing.T) {
		config := DefaultConfig()
		config.ReplicationFactor = -1
		config.CatchUpRetries = -1
		assert.Error(config.Validate())
	})

	t.Run("invalid_yaml", func(t *testing.T) {
		_, err := ParseConfig([]byte("node: ["))
		assert.Error(err)
	})

	t.Run("load_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "slotty.yaml")
		assert.NoError(os.WriteFile(path, []byte("totalSlots: 128\n"), 0o600))
		config, err := LoadConfig(path)
		assert.NoError(err)
		assert.Equal(128, config.TotalSlots)

		_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(err)
	})

	t.Run("consistency_yaml", func(t *testing.T) {
		data, err := yaml.Marshal(struct {
			Level ConsistencyLevel `yaml:"level"`
		}{Level: ConsistencyWeak})
		assert.NoError(err)
		assert.Equal("level: weak\n", string(data))

		level, err := ParseConsistencyLevel(" WEAK ")
		assert.NoError(err)
		assert.Equal(ConsistencyWeak, level)
	})
}
