package host

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/resonance"
)

// TCP is the backend exchanging frames over resonance stream connections.
type TCP struct{}

// Name returns backend name.
func (b TCP) Name() string {
	return "tcp"
}

// Init prepares the backend.
func (b TCP) Init() error {
	return nil
}

// Listen binds the TCP address.
func (b TCP) Listen(ctx context.Context, addr string) (Listener, error) {
	ls, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &tcpListener{
		ls:       ls,
		cancel:   cancel,
		accepted: make(chan *resonanceConn),
		done:     make(chan struct{}),
	}

	go func() {
		defer close(l.done)

		l.err = resonance.RunServer(ctx, ls, resonanceConfig(),
			func(ctx context.Context, c *resonance.Connection) error {
				rc := newResonanceConn(c, "", nil)
				select {
				case l.accepted <- rc:
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				}

				select {
				case <-rc.closed:
				case <-ctx.Done():
				}
				return nil
			})
	}()

	return l, nil
}

// Dial connects to the TCP address.
func (b TCP) Dial(ctx context.Context, addr string) (Conn, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	connCh := make(chan *resonanceConn, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- resonance.RunClient(runCtx, addr, resonanceConfig(),
			func(ctx context.Context, c *resonance.Connection) error {
				rc := newResonanceConn(c, addr, cancel)
				connCh <- rc

				select {
				case <-rc.closed:
				case <-ctx.Done():
				}
				return nil
			})
	}()

	select {
	case rc := <-connCh:
		return rc, nil
	case err := <-errCh:
		cancel()
		if err == nil {
			err = errors.New("connection closed during dial")
		}
		return nil, err
	case <-ctx.Done():
		cancel()
		return nil, errors.WithStack(ctx.Err())
	}
}

func resonanceConfig() resonance.Config {
	return resonance.Config{
		MaxMessageSize: maxStreamFrameSize,
	}
}

type tcpListener struct {
	ls       net.Listener
	cancel   context.CancelFunc
	accepted chan *resonanceConn
	done     chan struct{}
	err      error
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case rc := <-l.accepted:
		return rc, nil
	case <-l.done:
		if l.err == nil {
			return nil, errors.WithStack(net.ErrClosed)
		}
		return nil, l.err
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

func (l *tcpListener) Addr() string {
	return l.ls.Addr().String()
}

func (l *tcpListener) Close() error {
	l.cancel()
	_ = l.ls.Close()
	<-l.done
	return nil
}

type resonanceConn struct {
	c      *resonance.Connection
	addr   string
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func newResonanceConn(c *resonance.Connection, addr string, cancel context.CancelFunc) *resonanceConn {
	return &resonanceConn{
		c:      c,
		addr:   addr,
		cancel: cancel,
		closed: make(chan struct{}),
	}
}

func (c *resonanceConn) ReadFrame() ([]byte, error) {
	data, err := c.c.ReceiveBytes()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	return frame, nil
}

func (c *resonanceConn) WriteFrame(frame []byte) error {
	return c.c.SendBytes(frame)
}

// RemoteAddr returns the address of the server for dialed connections. Resonance does not expose
// the address of accepted connections, so it is empty for them.
func (c *resonanceConn) RemoteAddr() string {
	return c.addr
}

func (c *resonanceConn) Close() error {
	c.closeOnce.Do(func() {
		c.c.Close()
		close(c.closed)
		if c.cancel != nil {
			c.cancel()
		}
	})
	return nil
}
