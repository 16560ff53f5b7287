package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	telemetryPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corelink_telemetry_published_total",
		Help: "Telemetry envelopes published to the uplink.",
	})
	telemetrySuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corelink_telemetry_suppressed_total",
		Help: "Telemetry documents suppressed before the IoTConnect handshake.",
	})
	telemetryDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corelink_telemetry_dropped_total",
		Help: "Telemetry documents dropped before publishing.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(telemetryPublished, telemetrySuppressed, telemetryDropped)
}
