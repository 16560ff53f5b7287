package intercore

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relabs-tech/corelink/core/logger"
	"github.com/relabs-tech/corelink/iot"
)

var (
	sendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corelink_intercore_send_errors_total",
		Help: "Failed command writes to real-time application sockets.",
	}, []string{"app"})
	droppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corelink_intercore_dropped_total",
		Help: "Inbound inter-core messages dropped before dispatch.",
	}, []string{"reason"})
	heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corelink_intercore_heartbeats_total",
		Help: "Heartbeat responses received per real-time application.",
	}, []string{"app"})
)

func init() {
	prometheus.MustRegister(sendErrors, droppedMessages, heartbeats)
}

// defaultReadTimeout bounds a single socket read. An expired deadline is
// not an error, it only lets the receive loop observe cancellation.
const defaultReadTimeout = 5 * time.Second

// Dispatcher sends commands to the connected real-time applications and
// dispatches their responses. It implements the receive-path switch of
// the inter-core protocol: heartbeats and sample-rate acknowledgements
// are logged, raw sensor data is forwarded to the owning application's
// raw-data handler, and telemetry JSON is forwarded to the telemetry
// sink. Unknown command codes are logged and dropped.
//
// Send failures are logged and counted. No retry is attempted.
type Dispatcher struct {
	apps        []*App
	sink        iot.TelemetrySink
	socketDir   string
	readTimeout time.Duration

	wg sync.WaitGroup
}

// Builder is a builder helper for the Dispatcher
type Builder struct {
	// Apps is the dispatch table. This is mandatory.
	Apps []*App
	// SocketDir is the directory holding the per-application sockets.
	// This is mandatory.
	SocketDir string
	// Sink receives telemetry JSON documents. This is mandatory.
	Sink iot.TelemetrySink
	// ReadTimeout bounds a single socket read. Optional, defaults to
	// five seconds.
	ReadTimeout time.Duration
}

// NewDispatcher returns a new dispatcher for the given dispatch table.
// It does not connect to any application until you call Connect().
func NewDispatcher(b *Builder) *Dispatcher {
	if len(b.Apps) == 0 {
		panic("dispatch table is missing")
	}
	if len(b.SocketDir) == 0 {
		panic("socket directory is missing")
	}
	if b.Sink == nil {
		panic("telemetry sink is missing")
	}
	readTimeout := b.ReadTimeout
	if readTimeout == 0 {
		readTimeout = defaultReadTimeout
	}
	return &Dispatcher{
		apps:        b.Apps,
		sink:        b.Sink,
		socketDir:   b.SocketDir,
		readTimeout: readTimeout,
	}
}

// Apps returns the dispatch table.
func (d *Dispatcher) Apps() []*App {
	return d.apps
}

// AppByComponentID returns the table entry for the given component ID,
// or nil if there is none.
func (d *Dispatcher) AppByComponentID(componentID string) *App {
	for _, app := range d.apps {
		if app.ComponentID.String() == componentID {
			return app
		}
	}
	return nil
}

// Connect opens the socket of every application in the dispatch table
// and sends an initial heartbeat. It fails on the first application that
// cannot be reached; a missing socket means the real-time core is
// disabled or the component ID is not correct.
func (d *Dispatcher) Connect() error {
	for _, app := range d.apps {
		rlog := logger.WithComponent("intercore").WithField("app", app.Name)
		path := app.SocketPath(d.socketDir)
		conn, err := net.Dial("unixpacket", path)
		if err != nil {
			rlog.WithError(err).Error("unable to create socket, real-time core disabled or component ID is not correct")
			return fmt.Errorf("connect %s: %w", app.Name, err)
		}
		app.setConn(conn)
		rlog.Debug("connected")

		d.send(app, &Block{Cmd: CmdHeartbeat})
	}
	return nil
}

// Run starts one receive loop per connected application and blocks until
// the context is cancelled. It closes all sockets on the way out.
func (d *Dispatcher) Run(ctx context.Context) {
	for _, app := range d.apps {
		if app.getConn() == nil {
			continue
		}
		d.wg.Add(1)
		go d.receiveLoop(ctx, app)
	}
	<-ctx.Done()
	d.Close()
	d.wg.Wait()
}

// Close closes all application sockets.
func (d *Dispatcher) Close() {
	for _, app := range d.apps {
		if conn := app.getConn(); conn != nil {
			conn.Close()
			app.setConn(nil)
		}
	}
}

// RequestRawData sends the read-sensor command to every application that
// has a raw-data handler.
func (d *Dispatcher) RequestRawData() {
	for _, app := range d.apps {
		if app.RawHandler != nil {
			d.send(app, &Block{Cmd: CmdReadSensor})
		}
	}
}

// RequestTelemetry sends the read-sensor-telemetry command to every
// application. The responses arrive asynchronously and are forwarded to
// the telemetry sink.
func (d *Dispatcher) RequestTelemetry() {
	for _, app := range d.apps {
		d.send(app, &Block{Cmd: CmdReadSensorTelemetry})
	}
}

// SetSampleRate broadcasts a new automatic telemetry rate in seconds to
// every application. A rate of zero disables automatic telemetry.
func (d *Dispatcher) SetSampleRate(seconds uint32) {
	for _, app := range d.apps {
		d.send(app, &Block{Cmd: CmdSetSampleRate, SampleRate: seconds})
	}
}

func (d *Dispatcher) send(app *App, block *Block) {
	rlog := logger.WithComponent("intercore").WithField("app", app.Name)
	conn := app.getConn()
	if conn == nil {
		rlog.Warn("not connected, dropping command ", block.Cmd)
		sendErrors.WithLabelValues(app.Name).Inc()
		return
	}
	raw, err := block.Encode()
	if err != nil {
		rlog.WithError(err).Error("cannot encode command ", block.Cmd)
		sendErrors.WithLabelValues(app.Name).Inc()
		return
	}
	rlog.Debug("sending command ", block.Cmd)
	if _, err = conn.Write(raw); err != nil {
		rlog.WithError(err).Error("unable to send command ", block.Cmd)
		sendErrors.WithLabelValues(app.Name).Inc()
	}
}

func (d *Dispatcher) receiveLoop(ctx context.Context, app *App) {
	defer d.wg.Done()
	rlog := logger.WithComponent("intercore").WithField("app", app.Name)
	buf := make([]byte, MaxMessageSize)
	for {
		conn := app.getConn()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(d.readTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if os.IsTimeout(err) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if ctx.Err() == nil {
				rlog.WithError(err).Error("unable to receive message")
			}
			return
		}
		d.handleMessage(app, buf[:n])
	}
}

// handleMessage dispatches one inbound message from a real-time
// application.
func (d *Dispatcher) handleMessage(app *App, raw []byte) {
	rlog := logger.WithComponent("intercore").WithField("app", app.Name)
	block, err := Decode(raw)
	if err != nil {
		rlog.WithError(err).Warn("dropping malformed message")
		droppedMessages.WithLabelValues("malformed").Inc()
		return
	}

	switch block.Cmd {

	case CmdReadSensorTelemetry:
		// The payload contains a ready-to-send JSON telemetry
		// document. Sanity check it before forwarding.
		if !json.Valid(block.Payload) {
			rlog.Warn("cannot parse the telemetry payload as JSON content")
			droppedMessages.WithLabelValues("invalid-json").Inc()
			return
		}
		rlog.Debug("telemetry: ", string(block.Payload))
		d.sink.Telemetry(block.Payload)

	case CmdSetSampleRate:
		rlog.Infof("sample rate set to %d seconds", block.SampleRate)

	case CmdReadSensor:
		// The payload contains raw data as defined by the real-time
		// application. Forward it to the application's own handler.
		if app.RawHandler == nil {
			droppedMessages.WithLabelValues("no-raw-handler").Inc()
			return
		}
		if err := app.RawHandler(block.Payload); err != nil {
			rlog.WithError(err).Warn("raw data handler failed")
			droppedMessages.WithLabelValues("raw-handler").Inc()
		}

	case CmdHeartbeat:
		rlog.Debug("heartbeat response")
		app.markHeartbeat()
		heartbeats.WithLabelValues(app.Name).Inc()

	default:
		rlog.Warn("unknown response ", block.Cmd)
		droppedMessages.WithLabelValues("unknown-command").Inc()
	}
}
