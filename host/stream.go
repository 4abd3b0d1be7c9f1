package host

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
)

// maxStreamFrameSize bounds the allocation done for a single length-prefixed frame.
const maxStreamFrameSize = 64 * 1024

// streamConn frames messages over a byte stream by prefixing each of them with its length.
type streamConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func newStreamConn(conn net.Conn) *streamConn {
	return &streamConn{
		conn: conn,
		r:    bufio.NewReader(conn),
	}
}

func (c *streamConn) ReadFrame() ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(c.r, size[:]); err != nil {
		return nil, errors.WithStack(err)
	}

	n := binary.BigEndian.Uint32(size[:])
	if n > maxStreamFrameSize {
		return nil, errors.Errorf("frame has %d bytes, limit is %d", n, maxStreamFrameSize)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf, nil
}

func (c *streamConn) WriteFrame(frame []byte) error {
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)

	_, err := c.conn.Write(buf)
	return errors.WithStack(err)
}

func (c *streamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *streamConn) Close() error {
	return errors.WithStack(c.conn.Close())
}
