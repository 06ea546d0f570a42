// Package metrics holds the prometheus instruments fleetctl updates while it
// drives the fleet. A CLI run is short-lived, so the registry is exported
// through the node exporter textfile format instead of an HTTP endpoint.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Registry holds every fleetctl metric.
	Registry = prometheus.NewRegistry()

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_dispatch_total",
			Help: "Control commands dispatched by role, command, target and result",
		},
		[]string{"role", "command", "target", "result"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetctl_dispatch_duration_seconds",
			Help:    "Duration of a single control command dispatch",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"role", "command"},
	)

	BatchJoinsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetctl_batch_joins_total",
			Help: "Synchronization barriers taken while launching batches",
		},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_transitions_total",
			Help: "Cluster lifecycle transitions by operation and result",
		},
		[]string{"op", "result"},
	)

	PurgeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_purge_total",
			Help: "Coordination service purge attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		DispatchTotal,
		DispatchDuration,
		BatchJoinsTotal,
		TransitionsTotal,
		PurgeTotal,
	)
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// WriteTextfile writes the registry to path in the textfile collector format.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
