// Package metrics exposes Prometheus counters/gauges for a running replica.
// This is an enrichment beyond spec.md (SPEC_FULL.md DOMAIN STACK): the
// core protocol and replication invariants do not depend on it.
//
// Grounded on adred-codev-ws_poc/ws/metrics.go's pattern of registering
// counters/gauges at construction time against a dedicated
// prometheus.Registry and serving them over promhttp on a debug listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Replica holds every metric one replica reports.
type Replica struct {
	Registry *prometheus.Registry

	ClientsConnected prometheus.Gauge
	PeersReachable   prometheus.Gauge
	IsLeader         prometheus.Gauge
	MessagesSent     prometheus.Counter
	UpdatesSent      prometheus.Counter
	UpdatesFailed    prometheus.Counter
	UpdatesApplied   prometheus.Counter
	LeaderChanges    prometheus.Counter
}

// New builds and registers a fresh metric set labeled with the replica id.
func New(replicaID string) *Replica {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"replica_id": replicaID}

	r := &Replica{
		Registry: reg,
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatcluster_clients_connected", Help: "Currently connected client sockets.", ConstLabels: constLabels,
		}),
		PeersReachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatcluster_peers_reachable", Help: "Peers currently believed reachable.", ConstLabels: constLabels,
		}),
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatcluster_is_leader", Help: "1 if this replica is currently elected leader.", ConstLabels: constLabels,
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcluster_messages_sent_total", Help: "Chat messages accepted via send_msg.", ConstLabels: constLabels,
		}),
		UpdatesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcluster_updates_sent_total", Help: "Replication updates written to peer connections.", ConstLabels: constLabels,
		}),
		UpdatesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcluster_updates_failed_total", Help: "Replication updates that failed to write to a peer.", ConstLabels: constLabels,
		}),
		UpdatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcluster_updates_applied_total", Help: "Inbound replication updates applied (post-dedup).", ConstLabels: constLabels,
		}),
		LeaderChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcluster_leader_changes_total", Help: "Number of times this replica re-elected a leader.", ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		r.ClientsConnected, r.PeersReachable, r.IsLeader,
		r.MessagesSent, r.UpdatesSent, r.UpdatesFailed, r.UpdatesApplied, r.LeaderChanges,
	)
	return r
}

// Handler returns an http.Handler serving this replica's metrics in the
// Prometheus exposition format.
func (r *Replica) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}
