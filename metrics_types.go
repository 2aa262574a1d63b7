package slotty

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds Prometheus metrics for monitoring the node.
type metrics struct {
	// id is the node ID used as a label for the metrics
	id string

	// elector is a gauge that indicates the role of a member
	elector *prometheus.GaugeVec

	// candidate is a gauge that indicates the role of a member
	candidate *prometheus.GaugeVec

	// leader is a gauge that indicates the role of a member
	leader *prometheus.GaugeVec

	// snapshotSave is an histogram that indicates how much time it took to take a snapshot
	snapshotSave *prometheus.HistogramVec

	// installSnapshot is an histogram that indicates how much time it took to install a snapshot from rpc request
	installSnapshot *prometheus.HistogramVec

	// catchUp is an histogram that indicates how much time catch up tasks took
	catchUp *prometheus.HistogramVec

	// requestRetries counts dispatcher retries by reason
	requestRetries *prometheus.CounterVec

	// clientPoolWaits counts callers that had to wait for an idle client
	clientPoolWaits *prometheus.CounterVec

	// clientPoolOverCap counts clients created above the per node cap
	clientPoolOverCap *prometheus.CounterVec

	// slotTransitions counts slot status changes by status
	slotTransitions *prometheus.CounterVec
}
