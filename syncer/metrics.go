package syncer

import "github.com/prometheus/client_golang/prometheus"

var (
	batchCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rocks2redis",
			Subsystem: "syncer",
			Name:      "batches_total",
			Help:      "Counter of change-log batches fully applied.",
		})

	opsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rocks2redis",
			Subsystem: "syncer",
			Name:      "operations_total",
			Help:      "Counter of logical operations sent downstream.",
		})

	decodeSkipCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rocks2redis",
			Subsystem: "syncer",
			Name:      "decode_skips_total",
			Help:      "Counter of batches applied with records skipped by policy.",
		})

	checkpointErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rocks2redis",
			Subsystem: "syncer",
			Name:      "checkpoint_errors_total",
			Help:      "Counter of failed checkpoint writes.",
		})

	checkpointGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rocks2redis",
			Subsystem: "syncer",
			Name:      "checkpoint_sequence",
			Help:      "Last sequence number durably checkpointed.",
		})

	fullsyncKeyCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rocks2redis",
			Subsystem: "syncer",
			Name:      "fullsync_keys_total",
			Help:      "Counter of keys dumped by full sync.",
		})
)

func init() {
	prometheus.MustRegister(batchCounter)
	prometheus.MustRegister(opsCounter)
	prometheus.MustRegister(decodeSkipCounter)
	prometheus.MustRegister(checkpointErrorCounter)
	prometheus.MustRegister(checkpointGauge)
	prometheus.MustRegister(fullsyncKeyCounter)
}
