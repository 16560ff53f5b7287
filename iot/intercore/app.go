package intercore

import (
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InterfaceVersion tags the protocol revision a real-time application
// implements.
type InterfaceVersion uint32

// V0 is the initial protocol revision.
const V0 InterfaceVersion = 0

// RawDataHandler processes the payload of a read-sensor response. The
// payload layout is defined by the real-time application.
type RawDataHandler func(payload []byte) error

// App is one entry of the gateway's dispatch table. It associates a
// real-time application's component ID with its raw-data handler and,
// once connected, its socket.
//
// The table is populated at startup. Only the connection slot is
// mutated afterwards, during Connect and when a receive loop shuts
// down.
type App struct {
	// Name of the application, used for logging.
	Name string
	// ComponentID is the application's component ID, which also names
	// its socket.
	ComponentID uuid.UUID
	// InterfaceVersion is the protocol revision the application
	// implements.
	InterfaceVersion InterfaceVersion
	// RawHandler processes raw read-sensor responses. Optional. Apps
	// without a raw handler are skipped by RequestRawData.
	RawHandler RawDataHandler

	mu            sync.Mutex
	conn          net.Conn
	lastHeartbeat time.Time
}

// SocketPath returns the application's socket path below dir.
func (a *App) SocketPath(dir string) string {
	return filepath.Join(dir, a.ComponentID.String()+".sock")
}

// Connected reports whether the application currently has a socket.
func (a *App) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// LastHeartbeat returns the time of the last heartbeat response, or a
// zero time if none was received yet.
func (a *App) LastHeartbeat() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastHeartbeat
}

func (a *App) setConn(conn net.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

func (a *App) getConn() net.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *App) markHeartbeat() {
	a.mu.Lock()
	a.lastHeartbeat = time.Now().UTC()
	a.mu.Unlock()
}
