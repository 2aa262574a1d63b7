package slotty

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// String returns the configuration form of the level
func (c ConsistencyLevel) String() string {
	if c == ConsistencyWeak {
		return "weak"
	}
	return "strong"
}

func (c ConsistencyLevel) valid() bool {
	return c == ConsistencyStrong || c == ConsistencyWeak
}

// ParseConsistencyLevel parses strong or weak
func ParseConsistencyLevel(value string) (ConsistencyLevel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strong":
		return ConsistencyStrong, nil
	case "weak":
		return ConsistencyWeak, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidConsistency, value)
}

// UnmarshalYAML decodes strong or weak
func (c *ConsistencyLevel) UnmarshalYAML(value *yaml.Node) error {
	level, err := ParseConsistencyLevel(value.Value)
	if err != nil {
		return err
	}
	*c = level
	return nil
}

// MarshalYAML encodes the level as a string
func (c ConsistencyLevel) MarshalYAML() (any, error) {
	return c.String(), nil
}

// DefaultConfig returns a configuration with every default set
func DefaultConfig() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// LoadConfig reads the yaml file at path, fills defaults and validates it
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fail to read config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes yaml data, fills defaults and validates it
func ParseConfig(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("fail to decode config: %w", err)
	}
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// setDefaults fills every unset field
func (c *Config) setDefaults() {
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = defaultReplicationFactor
	}
	if c.TotalSlots == 0 {
		c.TotalSlots = defaultTotalSlots
	}
	if c.VirtualNodes == 0 {
		c.VirtualNodes = defaultVirtualNodes
	}
	if c.MaxConnectionsPerNode == 0 {
		c.MaxConnectionsPerNode = defaultMaxConnectionsPerNode
	}
	if c.ClientWaitTimeout == 0 {
		c.ClientWaitTimeout = defaultClientWaitTimeout
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = defaultConnectionTimeout
	}
	if c.CatchUpLogGapThreshold == 0 {
		c.CatchUpLogGapThreshold = defaultCatchUpLogGapThreshold
	}
	if c.CatchUpBatchSize == 0 {
		c.CatchUpBatchSize = defaultCatchUpBatchSize
	}
	if c.CatchUpRetries == 0 {
		c.CatchUpRetries = defaultCatchUpRetries
	}
	if c.CatchUpTimeout == 0 {
		c.CatchUpTimeout = defaultCatchUpTimeout
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = defaultElectionTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ReadOperationTimeout == 0 {
		c.ReadOperationTimeout = defaultReadOperationTimeout
	}
	if c.WriteOperationTimeout == 0 {
		c.WriteOperationTimeout = defaultWriteOperationTimeout
	}
	if c.MaxRequestRetries == 0 {
		c.MaxRequestRetries = defaultMaxRequestRetries
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = defaultSnapshotThreshold
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = defaultMetricsNamespace
	}
	if c.MetaReadConsistency == 0 {
		c.MetaReadConsistency = ConsistencyStrong
	}
	if c.DataReadConsistency == 0 {
		c.DataReadConsistency = ConsistencyWeak
	}
}

// Validate checks that every field holds a usable value
func (c *Config) Validate() error {
	var errs []error
	if c.ReplicationFactor < 1 {
		errs = append(errs, fmt.Errorf("replicationFactor must be greater than 0, got %d", c.ReplicationFactor))
	}
	if c.TotalSlots < 1 {
		errs = append(errs, fmt.Errorf("totalSlots must be greater than 0, got %d", c.TotalSlots))
	}
	if c.VirtualNodes < 1 {
		errs = append(errs, fmt.Errorf("virtualNodes must be greater than 0, got %d", c.VirtualNodes))
	}
	if c.MaxConnectionsPerNode < 1 {
		errs = append(errs, fmt.Errorf("maxConnectionsPerNode must be greater than 0, got %d", c.MaxConnectionsPerNode))
	}
	if c.CatchUpRetries < 0 || c.MaxRequestRetries < 0 {
		errs = append(errs, errors.New("retries cannot be negative"))
	}
	if c.HeartbeatInterval >= c.ElectionTimeout {
		errs = append(errs, fmt.Errorf("heartbeatInterval %s must be lower than electionTimeout %s", c.HeartbeatInterval, c.ElectionTimeout))
	}
	if !c.MetaReadConsistency.valid() || !c.DataReadConsistency.valid() {
		errs = append(errs, ErrInvalidConsistency)
	}
	return errors.Join(errs...)
}
