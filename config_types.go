package slotty

import "time"

// ConsistencyLevel tells how fresh a read must be
type ConsistencyLevel uint8

const (
	// ConsistencyStrong reads are served once the member applied
	// everything its leader committed
	ConsistencyStrong ConsistencyLevel = iota + 1

	// ConsistencyWeak reads are served by any member from its local state
	ConsistencyWeak
)

const (
	defaultReplicationFactor      = 3
	defaultTotalSlots             = 10000
	defaultVirtualNodes           = 32
	defaultMaxConnectionsPerNode  = 8
	defaultClientWaitTimeout      = 5 * time.Second
	defaultConnectionTimeout      = 20 * time.Second
	defaultCatchUpLogGapThreshold = 1000
	defaultCatchUpBatchSize       = 100
	defaultCatchUpRetries         = 3
	defaultCatchUpTimeout         = 60 * time.Second
	defaultElectionTimeout        = time.Second
	defaultHeartbeatInterval      = 200 * time.Millisecond
	defaultReadOperationTimeout   = 30 * time.Second
	defaultWriteOperationTimeout  = 30 * time.Second
	defaultMaxRequestRetries      = 5
	defaultSnapshotThreshold      = 10000
	defaultMetricsNamespace       = "slotty"
)

// Config holds every tunable of a node
type Config struct {
	// Node is the identity of this node
	Node Node `yaml:"node"`

	// Seeds are the nodes forming the initial cluster, this node included.
	// When empty, the node joins the cluster through JoinAddresses
	Seeds []Node `yaml:"seeds"`

	// Join lists nodes of an existing cluster to ask for membership
	Join []Node `yaml:"join"`

	// DataDir is the directory where the bolt database is stored
	DataDir string `yaml:"dataDir"`

	// MetricsAddress is the address serving prometheus metrics, disabled when empty
	MetricsAddress string `yaml:"metricsAddress"`

	// MetricsNamespace is the prometheus namespace of every metric
	MetricsNamespace string `yaml:"metricsNamespace"`

	// ReplicationFactor is the number of replicas of each slot
	ReplicationFactor int `yaml:"replicationFactor"`

	// TotalSlots is the number of slots the key space is split into
	TotalSlots int `yaml:"totalSlots"`

	// VirtualNodes is the number of ring tokens per node
	VirtualNodes int `yaml:"virtualNodes"`

	// MaxConnectionsPerNode caps the clients cached per remote node
	MaxConnectionsPerNode int `yaml:"maxConnectionsPerNode"`

	// ClientWaitTimeout is how long a caller waits for an idle client
	// before an over cap client is created
	ClientWaitTimeout time.Duration `yaml:"clientWaitTimeout"`

	// ConnectionTimeout bounds every single rpc
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`

	// CatchUpLogGapThreshold is the follower lag above which
	// a snapshot is sent instead of log entries
	CatchUpLogGapThreshold uint64 `yaml:"catchUpLogGapThreshold"`

	// CatchUpBatchSize is the number of entries sent per catch up rpc
	CatchUpBatchSize uint64 `yaml:"catchUpBatchSize"`

	// CatchUpRetries is the number of retries of a catch up rpc
	CatchUpRetries int `yaml:"catchUpRetries"`

	// CatchUpTimeout bounds a whole catch up task
	CatchUpTimeout time.Duration `yaml:"catchUpTimeout"`

	// ElectionTimeout is the minimum time without leader contact
	// before an election is started
	ElectionTimeout time.Duration `yaml:"electionTimeout"`

	// HeartbeatInterval is the period of leader heartbeats
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// ReadOperationTimeout bounds strong read synchronization
	ReadOperationTimeout time.Duration `yaml:"readOperationTimeout"`

	// WriteOperationTimeout bounds a proposal
	WriteOperationTimeout time.Duration `yaml:"writeOperationTimeout"`

	// MaxRequestRetries bounds redirects and retries of a request
	MaxRequestRetries int `yaml:"maxRequestRetries"`

	// SnapshotThreshold is the number of applied entries after which
	// the log is compacted
	SnapshotThreshold uint64 `yaml:"snapshotThreshold"`

	// MetaReadConsistency is the consistency of partition table reads
	MetaReadConsistency ConsistencyLevel `yaml:"metaReadConsistency"`

	// DataReadConsistency is the consistency of data reads
	DataReadConsistency ConsistencyLevel `yaml:"dataReadConsistency"`
}
