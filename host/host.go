// Package host implements the native transport used by netcode endpoints. A host owns the
// underlying listener or connection, runs the handshake and keep-alive protocol and reports
// everything that happened to its peers as a stream of events.
package host

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/netcode/wire"
)

// Default protocol timings.
const (
	DefaultPingInterval   = time.Second
	DefaultPeerTimeout    = 5 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultQueueSize      = 256
)

var (
	// ErrUnknownPeer is returned when the peer is not connected.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrQueueFull is returned when the send queue of the peer is full.
	ErrQueueFull = errors.New("send queue is full")

	// ErrClosed is returned by hosts which have been closed.
	ErrClosed = errors.New("host is closed")
)

// EventType is the type of host event.
type EventType uint8

// Event types.
const (
	EventNone EventType = iota
	EventConnect
	EventDisconnect
	EventTimeout
	EventReceive
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventTimeout:
		return "timeout"
	case EventReceive:
		return "receive"
	default:
		return "none"
	}
}

// Event is reported by Service.
type Event struct {
	Type EventType
	Peer wire.PeerID
	Addr string

	// Data carries the disconnect reason for disconnect events. For connect event reported
	// by client host it carries the peer ID assigned by the server.
	Data uint32

	Packet   []byte
	Delivery wire.Delivery
}

// Host is the native transport endpoint. Its methods must be called from single goroutine.
type Host interface {
	// Service waits up to timeout for the next event. EventNone is returned if nothing happened.
	Service(ctx context.Context, timeout time.Duration) (Event, error)

	// Send queues the packet for the peer.
	Send(peer wire.PeerID, packet []byte, delivery wire.Delivery) error

	// Disconnect sends the reason to the peer and closes the connection immediately.
	// No event is reported for the peer afterwards.
	Disconnect(peer wire.PeerID, reason uint32) error

	// Addr returns the local address for listening hosts and the remote one for dialing hosts.
	Addr() string

	// Close closes all the connections and releases the resources.
	Close() error
}

// Conn is a message-oriented connection produced by the backend.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	RemoteAddr() string
	Close() error
}

// Listener accepts connections produced by the backend.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Backend creates listeners and connections for one underlying protocol.
type Backend interface {
	// Name returns backend name.
	Name() string

	// Init prepares process-wide resources required by the backend.
	Init() error

	// Listen binds the address.
	Listen(ctx context.Context, addr string) (Listener, error)

	// Dial connects to the address.
	Dial(ctx context.Context, addr string) (Conn, error)
}

// AdmitFunc decides if the connection presenting the fingerprint in its hello frame is accepted.
// If it is not, the returned reason is sent to the remote side.
type AdmitFunc func(addr string, fingerprint [32]byte) (bool, uint32)

// ListenConfig is the configuration of listening host.
type ListenConfig struct {
	Address      string
	MaxPeers     int
	Admit        AdmitFunc
	PingInterval time.Duration
	PeerTimeout  time.Duration
	QueueSize    int
}

// DialConfig is the configuration of dialing host.
type DialConfig struct {
	Address        string
	Fingerprint    [32]byte
	PingInterval   time.Duration
	PeerTimeout    time.Duration
	ConnectTimeout time.Duration
	QueueSize      int
}

type initResult struct {
	once sync.Once
	err  error
}

var inits sync.Map

// Initialize runs Init of the backend once per process. The result is remembered,
// so a backend which failed to initialize stays unavailable.
func Initialize(b Backend) error {
	v, _ := inits.LoadOrStore(b.Name(), &initResult{})
	res := v.(*initResult)
	res.once.Do(func() {
		res.err = b.Init()
		if res.err != nil {
			res.err = errors.Wrapf(res.err, "backend %s is unavailable", b.Name())
		}
	})
	return res.err
}

func valueOrDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func contextLogger(ctx context.Context) *zap.Logger {
	if log := logger.Get(ctx); log != nil {
		return log
	}
	return zap.NewNop()
}
