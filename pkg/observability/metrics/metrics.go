package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "go_heartbeat"

var (
	once sync.Once

	NodeStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "node_status",
		Help:      "Derived node status: 0 Running, 1 Unknown",
	}, []string{"role", "node"})

	GroupLeader = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "group_leader",
		Help:      "Data node id of the current group leader, -1 when none",
	}, []string{"group"})

	RefreshTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refresh",
		Name:      "passes_total",
		Help:      "Total number of load statistic refresh passes",
	})

	StatusChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refresh",
		Name:      "status_changes_total",
		Help:      "Total node status transitions observed by refresh passes",
	}, []string{"role", "status"})

	LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refresh",
		Name:      "leader_changes_total",
		Help:      "Total group leader changes observed by refresh passes",
	})

	ProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "probe",
		Name:      "total",
		Help:      "Heartbeat probes sent, by target role and result",
	}, []string{"role", "result"})

	ProbeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "probe",
		Name:      "duration_seconds",
		Help:      "Round trip time of successful heartbeat probes",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
	}, []string{"role"})

	HeartbeatsServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "heartbeats_total",
		Help:      "Heartbeat probes answered by this node",
	})

	ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "members_total",
		Help:      "Current number of known gossip members",
	})

	IsGroupLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "is_leader",
		Help:      "1 when this node leads its consensus group, else 0",
	})

	JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "join_requests_total",
		Help:      "Join requests handled, by result",
	}, []string{"result"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			NodeStatus,
			GroupLeader,
			RefreshTotal,
			StatusChanges,
			LeaderChanges,
			ProbesTotal,
			ProbeDuration,
			HeartbeatsServed,
			ClusterMembers,
			IsGroupLeader,
			JoinRequests,
			GRPCConnDials,
			GRPCConnReuse,
			GRPCConnEvictions,
			GRPCConnActive,
		)
	})
}
