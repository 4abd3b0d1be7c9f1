package host

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const wsPath = "/netcode"

// WebSocket is the backend exchanging frames as binary websocket messages.
type WebSocket struct {
	// CheckOrigin is passed to the upgrader. All origins are accepted if it is nil.
	CheckOrigin func(r *http.Request) bool
}

// Name returns backend name.
func (b WebSocket) Name() string {
	return "ws"
}

// Init prepares the backend.
func (b WebSocket) Init() error {
	return nil
}

// Listen binds the TCP address and serves websocket upgrades on it.
func (b WebSocket) Listen(_ context.Context, addr string) (Listener, error) {
	ls, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	checkOrigin := b.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	l := &wsListener{
		ls:       ls,
		accepted: make(chan *wsConn),
		closed:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, l.upgrade)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = l.server.Serve(ls)
	}()

	return l, nil
}

// Dial connects to the websocket endpoint served on the address.
func (b WebSocket) Dial(ctx context.Context, addr string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+wsPath, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, errors.WithStack(err)
	}
	conn.SetReadLimit(maxStreamFrameSize)
	return &wsConn{conn: conn, addr: addr}, nil
}

type wsListener struct {
	ls       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	accepted chan *wsConn
	closed   chan struct{}
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxStreamFrameSize)

	select {
	case l.accepted <- &wsConn{conn: conn, addr: r.RemoteAddr}:
	case <-l.closed:
		_ = conn.Close()
	case <-r.Context().Done():
		_ = conn.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.closed:
		return nil, errors.WithStack(net.ErrClosed)
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

func (l *wsListener) Addr() string {
	return l.ls.Addr().String()
}

func (l *wsListener) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
	}
	close(l.closed)
	return errors.WithStack(l.server.Close())
}

type wsConn struct {
	conn *websocket.Conn
	addr string
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	return errors.WithStack(c.conn.WriteMessage(websocket.BinaryMessage, frame))
}

func (c *wsConn) RemoteAddr() string {
	return c.addr
}

func (c *wsConn) Close() error {
	return errors.WithStack(c.conn.Close())
}
