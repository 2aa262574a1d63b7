package server

import (
	"net/http"
	"os"

	"github.com/Lord-Y/slotty"
	"github.com/rs/zerolog"
)

// Server hold all required configuration to start the node
type Server struct {
	Logger *zerolog.Logger

	// ConfigFile is the optional yaml configuration file
	ConfigFile string

	// Host is the address used by other nodes to reach this one
	Host string

	// MetaPort serves cluster rpcs
	MetaPort int

	// DataPort is advertised to database clients
	DataPort int

	// Identifier orders the node on the ring
	Identifier int

	// HTTPPort to use to handle admin http requests
	HTTPPort int

	// DataDir is the directory of the bolt database
	DataDir string

	// MetricsAddress serves prometheus metrics when set
	MetricsAddress string

	// Seeds are the nodes forming the initial cluster
	Seeds []string

	// Join are nodes of an existing cluster to join
	Join []string

	config  *slotty.Config
	engine  *slotty.MemoryEngine
	cluster *slotty.Cluster

	quit chan os.Signal

	// apiServer hold the config of the HTTP API server
	apiServer *http.Server

	// metricsServer serves prometheus metrics
	metricsServer *http.Server
}

// pointRequest is the body of a write
type pointRequest struct {
	Series string `json:"series" binding:"required"`
	Point  string `json:"point" binding:"required"`
}

// pointsResponse is the body of a read
type pointsResponse struct {
	Series string   `json:"series"`
	Points []string `json:"points"`
}

// nodeRequest is the body of node additions and removals
type nodeRequest struct {
	Node string `json:"node" binding:"required"`
}

// tableResponse is a view of the partition table
type tableResponse struct {
	Version           uint64          `json:"version"`
	TotalSlots        int             `json:"totalSlots"`
	ReplicationFactor int             `json:"replicationFactor"`
	Nodes             []slotty.Node   `json:"nodes"`
	Groups            []groupResponse `json:"groups"`
}

// groupResponse is a partition group with the number of slots it serves
type groupResponse struct {
	Group slotty.PartitionGroup `json:"group"`
	Slots int                   `json:"slots"`
}
