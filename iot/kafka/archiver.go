/*Package kafka archives formatted telemetry envelopes to a Kafka topic.

The archive is an optional sink next to the MQTT uplink, for example
for a plant historian. Write failures are logged and counted, not
retried.
*/
package kafka

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/corelink/core/logger"
)

var archiveErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "corelink_kafka_archive_errors_total",
	Help: "Failed telemetry archive writes.",
})

func init() {
	prometheus.MustRegister(archiveErrors)
}

// Archiver writes telemetry envelopes to a Kafka topic, keyed by the
// gateway's device ID.
type Archiver struct {
	writer   *kafka.Writer
	deviceID string
}

// Builder is a builder helper for the Archiver
type Builder struct {
	// Brokers is the list of Kafka broker addresses. This is mandatory.
	Brokers []string
	// Topic is the archive topic. This is mandatory.
	Topic string
	// DeviceID keys the archived messages. This is mandatory.
	DeviceID uuid.UUID
}

// NewArchiver returns a new archiver.
func NewArchiver(b *Builder) *Archiver {
	if len(b.Brokers) == 0 {
		panic("brokers are missing")
	}
	if len(b.Topic) == 0 {
		panic("topic is missing")
	}
	if b.DeviceID == uuid.Nil {
		panic("device ID is missing")
	}
	return &Archiver{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(b.Brokers...),
			Topic:    b.Topic,
			Balancer: &kafka.Hash{},
		},
		deviceID: b.DeviceID.String(),
	}
}

// Archive writes one envelope to the archive topic.
func (a *Archiver) Archive(envelope []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.deviceID),
		Value: envelope,
	})
	if err != nil {
		logger.WithComponent("kafka").WithError(err).Error("unable to archive telemetry")
		archiveErrors.Inc()
	}
}

// Close closes the underlying writer.
func (a *Archiver) Close() error {
	return a.writer.Close()
}
