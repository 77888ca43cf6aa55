package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// leaseOutcomeTotal counts credential leases by how the attempt ended,
// named in the teacher's metrics.go convention (internal/api/middleware/metrics.go)
// under the kiroproxy_ prefix.
var leaseOutcomeTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kiroproxy_pool_lease_total",
		Help: "Credential pool leases by outcome (success, auth_failure, transient_failure, mid_stream_failure, exhausted).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(leaseOutcomeTotal)
}
