package iot

// MessagePublisher is an interface to publish MQTT message
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte)
}

// TelemetrySink receives telemetry JSON documents produced by the
// real-time applications.
type TelemetrySink interface {
	Telemetry(payload []byte)
}
