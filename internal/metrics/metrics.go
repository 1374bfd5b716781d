package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evrelay_events_total",
			Help: "Outbound events by stage and topic",
		},
		[]string{"stage", "topic"}, // published|republished
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evrelay_deliveries_total",
			Help: "Inbound delivery outcomes by status and topic",
		},
		[]string{"status", "topic"}, // SUCCESS|RETRY|DROP
	)

	ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evrelay_store_conflicts_total",
			Help: "Optimistic-concurrency conflicts resolved by re-read",
		},
		[]string{"op"},
	)
)

// MustRegister registers the package collectors, tolerating repeat
// registration so multiple server instances can share a registerer.
func MustRegister(r prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		EventsTotal,
		DeliveriesTotal,
		ConflictsTotal,
	} {
		if err := r.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
