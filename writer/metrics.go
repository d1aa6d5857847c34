package writer

import "github.com/prometheus/client_golang/prometheus"

var (
	sentOpsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rocks2redis",
			Subsystem: "writer",
			Name:      "sent_operations_total",
			Help:      "Counter of operations acknowledged by the target.",
		})

	sendRetryCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rocks2redis",
			Subsystem: "writer",
			Name:      "send_retries_total",
			Help:      "Counter of pipelined sends re-attempted after failure.",
		})

	reconnectCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rocks2redis",
			Subsystem: "writer",
			Name:      "reconnect_attempts_total",
			Help:      "Counter of failed connection attempts to the target.",
		})

	commandErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rocks2redis",
			Subsystem: "writer",
			Name:      "command_errors_total",
			Help:      "Counter of commands the target rejected at reply level.",
		})
)

func init() {
	prometheus.MustRegister(sentOpsCounter)
	prometheus.MustRegister(sendRetryCounter)
	prometheus.MustRegister(reconnectCounter)
	prometheus.MustRegister(commandErrorCounter)
}
