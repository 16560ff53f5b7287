/*Package gateway wires the inter-core dispatcher, the IoTConnect
session and the uplink into the telemetry pipeline and runs the
service's timers.
*/
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/corelink/core/logger"
	"github.com/relabs-tech/corelink/iot"
	"github.com/relabs-tech/corelink/iot/intercore"
	"github.com/relabs-tech/corelink/iot/iotconnect"
	"github.com/relabs-tech/corelink/iot/mqtt"
)

// defaultHelloPeriod is the poll period for the hello message while the
// handshake is outstanding.
const defaultHelloPeriod = 15 * time.Second

// Archiver is an optional second sink for formatted envelopes.
type Archiver interface {
	Archive(envelope []byte)
}

// Gateway runs the telemetry pipeline: telemetry documents from the
// real-time applications are validated, suppressed until the IoTConnect
// handshake has arrived, wrapped in the envelope and published to the
// uplink.
type Gateway struct {
	session    *iotconnect.Session
	formatter  *iotconnect.Formatter
	dispatcher *intercore.Dispatcher
	publisher  iot.MessagePublisher
	archiver   Archiver

	telemetryTopic    string
	helloPeriod       time.Duration
	telemetryInterval time.Duration
}

// Builder is a builder helper for the Gateway
type Builder struct {
	// DeviceID is the gateway's device ID. This is mandatory.
	DeviceID uuid.UUID
	// Session is the IoTConnect session. This is mandatory.
	Session *iotconnect.Session
	// Formatter is the envelope formatter. This is mandatory.
	Formatter *iotconnect.Formatter
	// Publisher is the uplink. This is mandatory.
	Publisher iot.MessagePublisher
	// Archiver is an optional second sink for formatted envelopes.
	Archiver Archiver
	// Apps is the dispatch table of real-time applications. This is
	// mandatory.
	Apps []*intercore.App
	// SocketDir is the directory holding the per-application sockets.
	// This is mandatory.
	SocketDir string
	// HelloPeriod overrides the hello poll period. Optional.
	HelloPeriod time.Duration
	// TelemetryInterval is the period for requesting telemetry from
	// the real-time applications. Optional, zero disables the timer
	// (the applications may still push on their own sample rate).
	TelemetryInterval time.Duration
}

// NewGateway returns a new gateway. It builds the inter-core dispatcher
// for the given dispatch table; call Connect and Run to bring it up.
func NewGateway(b *Builder) *Gateway {
	if b.DeviceID == uuid.Nil {
		panic("device ID is missing")
	}
	if b.Session == nil {
		panic("session is missing")
	}
	if b.Formatter == nil {
		panic("formatter is missing")
	}
	if b.Publisher == nil {
		panic("publisher is missing")
	}
	helloPeriod := b.HelloPeriod
	if helloPeriod == 0 {
		helloPeriod = defaultHelloPeriod
	}
	g := &Gateway{
		session:           b.Session,
		formatter:         b.Formatter,
		publisher:         b.Publisher,
		archiver:          b.Archiver,
		telemetryTopic:    mqtt.TelemetryTopic(b.DeviceID),
		helloPeriod:       helloPeriod,
		telemetryInterval: b.TelemetryInterval,
	}
	g.dispatcher = intercore.NewDispatcher(&intercore.Builder{
		Apps:      b.Apps,
		SocketDir: b.SocketDir,
		Sink:      g,
	})
	return g
}

// Dispatcher returns the inter-core dispatcher, for the admin API.
func (g *Gateway) Dispatcher() *intercore.Dispatcher {
	return g.dispatcher
}

// Connect connects the dispatcher to the real-time applications.
func (g *Gateway) Connect() error {
	return g.dispatcher.Connect()
}

// Telemetry implements iot.TelemetrySink. It runs the outbound
// telemetry path for one document.
func (g *Gateway) Telemetry(payload []byte) {
	rlog := logger.WithComponent("gateway")

	if err := iotconnect.ValidateTelemetry(payload); err != nil {
		rlog.WithError(err).Warn("dropping telemetry")
		telemetryDropped.WithLabelValues("invalid").Inc()
		return
	}
	if !g.session.Connected() {
		rlog.Debug("suppressing telemetry, no IoTConnect handshake yet")
		telemetrySuppressed.Inc()
		return
	}
	envelope, err := g.formatter.Format(payload)
	if err != nil {
		rlog.WithError(err).Error("cannot format telemetry")
		telemetryDropped.WithLabelValues("format").Inc()
		return
	}
	g.publisher.PublishMessageQ1(g.telemetryTopic, envelope)
	telemetryPublished.Inc()
	if g.archiver != nil {
		g.archiver.Archive(envelope)
	}
}

// sendHello publishes the hello message. It bypasses the envelope, the
// hello is how the handshake gets started in the first place.
func (g *Gateway) sendHello() {
	rlog := logger.WithComponent("gateway")
	payload, err := g.session.Hello()
	if err != nil {
		rlog.WithError(err).Error("cannot build hello message")
		return
	}
	rlog.Debug("sending IoTConnect hello")
	g.publisher.PublishMessageQ1(g.telemetryTopic, payload)
}

// Run starts the dispatcher's receive loops and the gateway timers and
// blocks until the context is cancelled. The hello message is re-sent
// on every hello period until the handshake arrives.
func (g *Gateway) Run(ctx context.Context) {
	go g.dispatcher.Run(ctx)

	g.sendHello()

	helloTicker := time.NewTicker(g.helloPeriod)
	defer helloTicker.Stop()

	var telemetryCh <-chan time.Time
	if g.telemetryInterval > 0 {
		telemetryTicker := time.NewTicker(g.telemetryInterval)
		defer telemetryTicker.Stop()
		telemetryCh = telemetryTicker.C
	}

	for {
		select {
		case <-helloTicker.C:
			if !g.session.Connected() {
				g.sendHello()
			}
		case <-telemetryCh:
			g.dispatcher.RequestTelemetry()
		case <-ctx.Done():
			return
		}
	}
}
