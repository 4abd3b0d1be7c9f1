package host

import (
	"context"

	"github.com/pkg/errors"
	"github.com/xtaci/kcp-go/v5"
)

// KCP is the reliable UDP backend.
type KCP struct {
	// DataShards and ParityShards configure forward error correction. Zero disables it.
	DataShards   int
	ParityShards int
}

// Name returns backend name.
func (b KCP) Name() string {
	return "kcp"
}

// Init prepares the backend.
func (b KCP) Init() error {
	return nil
}

// Listen binds the UDP address.
func (b KCP) Listen(_ context.Context, addr string) (Listener, error) {
	ls, err := kcp.ListenWithOptions(addr, nil, b.DataShards, b.ParityShards)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &kcpListener{ls: ls}, nil
}

// Dial creates session talking to the address. KCP is connectionless, so reachability of
// the server is confirmed by the handshake.
func (b KCP) Dial(_ context.Context, addr string) (Conn, error) {
	sess, err := kcp.DialWithOptions(addr, nil, b.DataShards, b.ParityShards)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return newStreamConn(tuneSession(sess)), nil
}

type kcpListener struct {
	ls *kcp.Listener
}

func (l *kcpListener) Accept(_ context.Context) (Conn, error) {
	sess, err := l.ls.AcceptKCP()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return newStreamConn(tuneSession(sess)), nil
}

func (l *kcpListener) Addr() string {
	return l.ls.Addr().String()
}

func (l *kcpListener) Close() error {
	return errors.WithStack(l.ls.Close())
}

func tuneSession(sess *kcp.UDPSession) *kcp.UDPSession {
	sess.SetStreamMode(true)
	sess.SetNoDelay(1, 10, 2, 1)
	sess.SetWindowSize(256, 256)
	sess.SetACKNoDelay(true)
	return sess
}
