package slotty

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// newMetrics initialize Prometheus metrics for monitoring node.
// Metrics are only registered when registerer is not nil
func newMetrics(nodeId, namespace string, registerer prometheus.Registerer) *metrics {
	roleGauge := func(name string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "slotty",
				Name:      name,
				Help:      "Indicates current role of the member of a partition group",
			},
			[]string{"node_id", "group"},
		)
	}

	z := &metrics{
		id:        nodeId,
		elector:   roleGauge("role_elector"),
		candidate: roleGauge("role_candidate"),
		leader:    roleGauge("role_leader"),
		snapshotSave: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "slotty",
			Name:      "snapshot_save_total_duration_seconds",
			Help:      "Indicates how much time it took to take a snapshot",
		},
			[]string{"node_id"},
		),
		installSnapshot: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "slotty",
			Name:      "install_snapshot_total_duration_seconds",
			Help:      "Indicates how much time it took to install a snapshot from rpc request",
		},
			[]string{"node_id"},
		),
		catchUp: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "slotty",
			Name:      "catch_up_total_duration_seconds",
			Help:      "Indicates how much time it took to catch up a follower",
		},
			[]string{"node_id", "kind", "result"},
		),
		requestRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slotty",
			Name:      "request_retries_total",
			Help:      "Indicates how many times requests have been retried",
		},
			[]string{"node_id", "reason"},
		),
		clientPoolWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slotty",
			Name:      "client_pool_waits_total",
			Help:      "Indicates how many times a caller waited for an idle client",
		},
			[]string{"node_id"},
		),
		clientPoolOverCap: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slotty",
			Name:      "client_pool_over_cap_total",
			Help:      "Indicates how many clients have been created above the per node cap",
		},
			[]string{"node_id"},
		),
		slotTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slotty",
			Name:      "slot_transitions_total",
			Help:      "Indicates how many slot status changes happened",
		},
			[]string{"node_id", "status"},
		),
	}

	// Make sure to register them all, otherwise, no metrics will be found
	if registerer != nil {
		registerer.MustRegister(
			z.elector,
			z.candidate,
			z.leader,
			z.snapshotSave,
			z.installSnapshot,
			z.catchUp,
			z.requestRetries,
			z.clientPoolWaits,
			z.clientPoolOverCap,
			z.slotTransitions,
		)
	}
	return z
}

// setRoleGauge will set the role gauges of the group with the provided role
func (m *metrics) setRoleGauge(group string, role Role) {
	labels := prometheus.Labels{"node_id": m.id, "group": group}
	// Always reset the default values
	m.elector.With(labels).Set(0)
	m.candidate.With(labels).Set(0)
	m.leader.With(labels).Set(0)

	switch role {
	case Candidate:
		m.candidate.With(labels).Set(1)

	case Leader:
		m.leader.With(labels).Set(1)

	default:
		m.elector.With(labels).Set(1)
	}
}

// timeSince will set an histogram showing how much time it took to perform the provided operation
func (m *metrics) timeSince(operation string, start time.Time) {
	elapsed := float64(time.Since(start)) / float64(time.Second)
	switch operation {
	case "takeSnapshot":
		m.snapshotSave.With(prometheus.Labels{"node_id": m.id}).Observe(elapsed)
	case "installSnapshot":
		m.installSnapshot.With(prometheus.Labels{"node_id": m.id}).Observe(elapsed)
	}
}

// catchUpDone records the duration of a catch up task
func (m *metrics) catchUpDone(kind string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.catchUp.With(prometheus.Labels{"node_id": m.id, "kind": kind, "result": result}).
		Observe(time.Since(start).Seconds())
}

// requestRetried counts a dispatcher retry
func (m *metrics) requestRetried(reason string) {
	m.requestRetries.With(prometheus.Labels{"node_id": m.id, "reason": reason}).Inc()
}

// clientPoolWaited counts a caller waiting for an idle client
func (m *metrics) clientPoolWaited() {
	m.clientPoolWaits.With(prometheus.Labels{"node_id": m.id}).Inc()
}

// clientPoolOverCapCreated counts a client created above the cap
func (m *metrics) clientPoolOverCapCreated() {
	m.clientPoolOverCap.With(prometheus.Labels{"node_id": m.id}).Inc()
}

// slotTransition counts a slot status change
func (m *metrics) slotTransition(status SlotStatus) {
	m.slotTransitions.With(prometheus.Labels{"node_id": m.id, "status": status.String()}).Inc()
}
