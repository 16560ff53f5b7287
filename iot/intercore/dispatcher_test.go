package intercore_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/corelink/iot/intercore"
)

type captureSink struct {
	ch chan []byte
}

func (s *captureSink) Telemetry(payload []byte) {
	s.ch <- append([]byte(nil), payload...)
}

// rtAppServer simulates a compliant real-time application behind a
// unixpacket socket.
type rtAppServer struct {
	ln   net.Listener
	conn net.Conn
}

func newRTAppServer(t *testing.T, path string) *rtAppServer {
	ln, err := net.Listen("unixpacket", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return &rtAppServer{ln: ln}
}

func (s *rtAppServer) accept(t *testing.T) {
	conn, err := s.ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	s.conn = conn
}

func (s *rtAppServer) readBlock(t *testing.T) *intercore.Block {
	buf := make([]byte, intercore.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := s.conn.Read(buf)
	require.NoError(t, err)
	block, err := intercore.Decode(buf[:n])
	require.NoError(t, err)
	return block
}

func (s *rtAppServer) writeBlock(t *testing.T, block *intercore.Block) {
	raw, err := block.Encode()
	require.NoError(t, err)
	_, err = s.conn.Write(raw)
	require.NoError(t, err)
}

func TestDispatcherRouting(t *testing.T) {
	dir := t.TempDir()
	componentID := uuid.New()

	app := &intercore.App{
		Name:             "TestLightSensor",
		ComponentID:      componentID,
		InterfaceVersion: intercore.V0,
	}
	rawCh := make(chan []byte, 1)
	app.RawHandler = func(payload []byte) error {
		rawCh <- append([]byte(nil), payload...)
		return nil
	}

	server := newRTAppServer(t, app.SocketPath(dir))

	sink := &captureSink{ch: make(chan []byte, 1)}
	dispatcher := intercore.NewDispatcher(&intercore.Builder{
		Apps:        []*intercore.App{app},
		SocketDir:   dir,
		Sink:        sink,
		ReadTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, dispatcher.Connect())
	require.True(t, app.Connected())

	server.accept(t)

	// Connect sends an initial heartbeat
	block := server.readBlock(t)
	require.Equal(t, intercore.CmdHeartbeat, block.Cmd)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// raw sensor response goes to the application's raw handler
	server.writeBlock(t, &intercore.Block{Cmd: intercore.CmdReadSensor, Payload: []byte{1, 2, 3, 4}})
	select {
	case payload := <-rawCh:
		require.Equal(t, []byte{1, 2, 3, 4}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("raw data handler was not called")
	}

	// telemetry response goes to the sink
	telemetry := []byte(`{"light_intensity":1240.25}`)
	server.writeBlock(t, &intercore.Block{Cmd: intercore.CmdReadSensorTelemetry, Payload: telemetry})
	select {
	case payload := <-sink.ch:
		require.JSONEq(t, string(telemetry), string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry sink was not called")
	}

	// invalid telemetry JSON is dropped, not forwarded
	server.writeBlock(t, &intercore.Block{Cmd: intercore.CmdReadSensorTelemetry, Payload: []byte(`{"broken":`)})

	// unknown command codes are dropped without killing the loop
	server.writeBlock(t, &intercore.Block{Cmd: intercore.Command(42)})

	// the loop is still alive: a heartbeat response is recorded
	require.True(t, app.LastHeartbeat().IsZero())
	server.writeBlock(t, &intercore.Block{Cmd: intercore.CmdHeartbeat})
	require.Eventually(t, func() bool {
		return !app.LastHeartbeat().IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case payload := <-sink.ch:
		t.Fatal("unexpected telemetry forwarded:", string(payload))
	default:
	}
}

func TestDispatcherCommands(t *testing.T) {
	dir := t.TempDir()

	app := &intercore.App{
		Name:             "TestGPS",
		ComponentID:      uuid.New(),
		InterfaceVersion: intercore.V0,
		RawHandler:       func([]byte) error { return nil },
	}
	server := newRTAppServer(t, app.SocketPath(dir))

	dispatcher := intercore.NewDispatcher(&intercore.Builder{
		Apps:      []*intercore.App{app},
		SocketDir: dir,
		Sink:      &captureSink{ch: make(chan []byte, 1)},
	})
	require.NoError(t, dispatcher.Connect())
	defer dispatcher.Close()
	server.accept(t)

	require.Equal(t, intercore.CmdHeartbeat, server.readBlock(t).Cmd)

	dispatcher.RequestRawData()
	require.Equal(t, intercore.CmdReadSensor, server.readBlock(t).Cmd)

	dispatcher.RequestTelemetry()
	require.Equal(t, intercore.CmdReadSensorTelemetry, server.readBlock(t).Cmd)

	dispatcher.SetSampleRate(30)
	block := server.readBlock(t)
	require.Equal(t, intercore.CmdSetSampleRate, block.Cmd)
	require.Equal(t, uint32(30), block.SampleRate)
}

func TestDispatcherConnectFailure(t *testing.T) {
	app := &intercore.App{
		Name:        "Unreachable",
		ComponentID: uuid.New(),
	}
	dispatcher := intercore.NewDispatcher(&intercore.Builder{
		Apps:      []*intercore.App{app},
		SocketDir: t.TempDir(),
		Sink:      &captureSink{ch: make(chan []byte, 1)},
	})
	require.Error(t, dispatcher.Connect())
	require.False(t, app.Connected())
}

func TestDispatcherAppByComponentID(t *testing.T) {
	app := &intercore.App{Name: "A", ComponentID: uuid.New()}
	dispatcher := intercore.NewDispatcher(&intercore.Builder{
		Apps:      []*intercore.App{app},
		SocketDir: t.TempDir(),
		Sink:      &captureSink{ch: make(chan []byte, 1)},
	})
	require.Equal(t, app, dispatcher.AppByComponentID(app.ComponentID.String()))
	require.Nil(t, dispatcher.AppByComponentID(uuid.New().String()))
}
