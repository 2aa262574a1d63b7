package slotty

// ResponseStatus tells the caller how a request was handled
type ResponseStatus uint8

const (
	// StatusOK means the request has been served
	StatusOK ResponseStatus = iota

	// StatusRedirect means the receiver is not the leader.
	// Leader holds the believed leader when known
	StatusRedirect

	// StatusLeaderUnknown means the group has no known leader
	StatusLeaderUnknown

	// StatusConsistencyFailure means a strong read could not sync with the leader
	StatusConsistencyFailure

	// StatusSlotMoved means the slot now belongs to another group
	StatusSlotMoved

	// StatusError means the request failed, Message holds the reason
	StatusError
)

// AppendEntriesRequest replicates entries or acts as a heartbeat
// when Entries is empty
type AppendEntriesRequest struct {
	Name         string      `json:"name"`
	Header       Node        `json:"header"`
	Term         uint64      `json:"term"`
	Leader       Node        `json:"leader"`
	PrevLogIndex uint64      `json:"prevLogIndex"`
	PrevLogTerm  uint64      `json:"prevLogTerm"`
	Entries      []*LogEntry `json:"entries,omitempty"`
	LeaderCommit uint64      `json:"leaderCommit"`
}

// AppendEntriesResponse is the follower answer to AppendEntriesRequest
type AppendEntriesResponse struct {
	Term         uint64 `json:"term"`
	Success      bool   `json:"success"`
	LogMismatch  bool   `json:"logMismatch"`
	LastLogIndex uint64 `json:"lastLogIndex"`
	LastLogTerm  uint64 `json:"lastLogTerm"`
}

// SendSnapshotRequest installs a snapshot on a follower
type SendSnapshotRequest struct {
	Name     string `json:"name"`
	Header   Node   `json:"header"`
	Term     uint64 `json:"term"`
	Leader   Node   `json:"leader"`
	Snapshot []byte `json:"snapshot"`
}

// SendSnapshotResponse is the follower answer to SendSnapshotRequest
type SendSnapshotResponse struct {
	Term         uint64 `json:"term"`
	Success      bool   `json:"success"`
	LastLogIndex uint64 `json:"lastLogIndex"`
}

// RequestVoteRequest is sent by candidates
type RequestVoteRequest struct {
	Name         string `json:"name"`
	Header       Node   `json:"header"`
	Term         uint64 `json:"term"`
	Candidate    Node   `json:"candidate"`
	LastLogIndex uint64 `json:"lastLogIndex"`
	LastLogTerm  uint64 `json:"lastLogTerm"`
}

// RequestVoteResponse is the answer to RequestVoteRequest
type RequestVoteResponse struct {
	Term    uint64 `json:"term"`
	Granted bool   `json:"granted"`
}

// RequestCommitIndexRequest asks the leader its commit index
type RequestCommitIndexRequest struct {
	Name   string `json:"name"`
	Header Node   `json:"header"`
}

// RequestCommitIndexResponse is the answer to RequestCommitIndexRequest
type RequestCommitIndexResponse struct {
	Status      ResponseStatus `json:"status"`
	Leader      Node           `json:"leader"`
	Term        uint64         `json:"term"`
	CommitIndex uint64         `json:"commitIndex"`
}

// ExecuteRequest is a write against a slot of a group
type ExecuteRequest struct {
	ID      string `json:"id"`
	Header  Node   `json:"header"`
	Slot    int    `json:"slot"`
	Payload []byte `json:"payload"`
}

// QueryRequest is a read against a slot of a group
type QueryRequest struct {
	ID          string           `json:"id"`
	Header      Node             `json:"header"`
	Slot        int              `json:"slot"`
	Payload     []byte           `json:"payload"`
	Consistency ConsistencyLevel `json:"consistency"`
}

// Response is the answer to ExecuteRequest, QueryRequest and
// membership requests
type Response struct {
	Status  ResponseStatus `json:"status"`
	Leader  Node           `json:"leader"`
	Message string         `json:"message,omitempty"`
	Result  []byte         `json:"result,omitempty"`
}

// PullSnapshotRequest asks a source group for the data of slots
// it handed off
type PullSnapshotRequest struct {
	Header    Node  `json:"header"`
	Slots     []int `json:"slots"`
	Requester Node  `json:"requester"`
}

// PullSnapshotResponse holds an encoded PartitionedSnapshot of the requested slots
type PullSnapshotResponse struct {
	Status   ResponseStatus `json:"status"`
	Leader   Node           `json:"leader"`
	Message  string         `json:"message,omitempty"`
	Snapshot []byte         `json:"snapshot,omitempty"`
}

// SlotReplicatedRequest acknowledges that From pulled slots of the group Header
type SlotReplicatedRequest struct {
	Header Node  `json:"header"`
	Slots  []int `json:"slots"`
	From   Node  `json:"from"`
}

// NodeRequest asks the meta group to add or remove a node
type NodeRequest struct {
	ID   string `json:"id"`
	Node Node   `json:"node"`
}

// MetaQueryRequest reads the partition table
type MetaQueryRequest struct {
	ID          string           `json:"id"`
	Consistency ConsistencyLevel `json:"consistency"`
}
