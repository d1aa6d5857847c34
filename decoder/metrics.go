package decoder

import "github.com/prometheus/client_golang/prometheus"

var (
	staleSubkeyCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rocks2redis",
			Subsystem: "decoder",
			Name:      "stale_subkeys_total",
			Help:      "Counter of subkey records discarded by version fencing.",
		})

	malformedRecordCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rocks2redis",
			Subsystem: "decoder",
			Name:      "malformed_records_total",
			Help:      "Counter of raw records the decoder could not translate.",
		})
)

func init() {
	prometheus.MustRegister(staleSubkeyCounter)
	prometheus.MustRegister(malformedRecordCounter)
}
