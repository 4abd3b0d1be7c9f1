package host

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
)

const memoryQueueSize = 1024

var (
	memoryMu        sync.Mutex
	memoryListeners = map[string]*memoryListener{}
	memoryClients   int
)

// Memory is the in-process backend. Addresses are arbitrary strings shared by listeners and
// dialers of the same process. Dialed connections come from the "memory" host, so all of them
// share the same IP from the server perspective.
type Memory struct{}

// Name returns backend name.
func (b Memory) Name() string {
	return "memory"
}

// Init prepares the backend.
func (b Memory) Init() error {
	return nil
}

// Listen registers the address.
func (b Memory) Listen(_ context.Context, addr string) (Listener, error) {
	memoryMu.Lock()
	defer memoryMu.Unlock()

	if _, exists := memoryListeners[addr]; exists {
		return nil, errors.Errorf("memory address %q is already in use", addr)
	}

	l := &memoryListener{
		addr:     addr,
		accepted: make(chan *memoryConn, memoryQueueSize),
		closed:   make(chan struct{}),
	}
	memoryListeners[addr] = l
	return l, nil
}

// Dial connects to the listener registered under the address.
func (b Memory) Dial(_ context.Context, addr string) (Conn, error) {
	memoryMu.Lock()
	l, exists := memoryListeners[addr]
	memoryClients++
	clientAddr := fmt.Sprintf("memory:%d", memoryClients)
	memoryMu.Unlock()

	if !exists {
		return nil, errors.Errorf("nothing listens on memory address %q", addr)
	}

	client, server := newMemoryPipe(clientAddr, addr)
	select {
	case l.accepted <- server:
		return client, nil
	case <-l.closed:
		return nil, errors.Errorf("nothing listens on memory address %q", addr)
	}
}

type memoryListener struct {
	addr      string
	accepted  chan *memoryConn
	closeOnce sync.Once
	closed    chan struct{}
}

func (l *memoryListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.closed:
		return nil, errors.WithStack(net.ErrClosed)
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

func (l *memoryListener) Addr() string {
	return l.addr
}

func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		memoryMu.Lock()
		defer memoryMu.Unlock()

		close(l.closed)
		delete(memoryListeners, l.addr)
	})
	return nil
}

type memoryConn struct {
	in         <-chan []byte
	out        chan<- []byte
	remoteAddr string

	closeOnce  sync.Once
	closed     chan struct{}
	peerClosed <-chan struct{}
}

func newMemoryPipe(clientAddr, serverAddr string) (*memoryConn, *memoryConn) {
	toServer := make(chan []byte, memoryQueueSize)
	toClient := make(chan []byte, memoryQueueSize)
	clientClosed := make(chan struct{})
	serverClosed := make(chan struct{})

	client := &memoryConn{
		in:         toClient,
		out:        toServer,
		remoteAddr: serverAddr,
		closed:     clientClosed,
		peerClosed: serverClosed,
	}
	server := &memoryConn{
		in:         toServer,
		out:        toClient,
		remoteAddr: clientAddr,
		closed:     serverClosed,
		peerClosed: clientClosed,
	}
	return client, server
}

func (c *memoryConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.closed:
		return nil, errors.WithStack(net.ErrClosed)
	case <-c.peerClosed:
		// Frames written before the peer closed the pipe are still delivered.
		select {
		case frame := <-c.in:
			return frame, nil
		default:
			return nil, errors.WithStack(io.EOF)
		}
	}
}

func (c *memoryConn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return errors.WithStack(net.ErrClosed)
	case <-c.peerClosed:
		return errors.WithStack(io.ErrClosedPipe)
	default:
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case c.out <- buf:
		return nil
	case <-c.closed:
		return errors.WithStack(net.ErrClosed)
	case <-c.peerClosed:
		return errors.WithStack(io.ErrClosedPipe)
	}
}

func (c *memoryConn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *memoryConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}
