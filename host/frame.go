package host

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/outofforest/netcode/wire"
)

type frameKind uint8

// Frame kinds.
const (
	kindHello frameKind = iota + 1
	kindWelcome
	kindReliable
	kindUnreliable
	kindPing
	kindPong
	kindDisconnect
)

const fingerprintSize = 32

var errMalformedFrame = errors.New("malformed frame")

type frame struct {
	Kind        frameKind
	Fingerprint [fingerprintSize]byte
	Value       uint32
	Packet      []byte
}

func helloFrame(fingerprint [fingerprintSize]byte) []byte {
	buf := make([]byte, 1+fingerprintSize)
	buf[0] = byte(kindHello)
	copy(buf[1:], fingerprint[:])
	return buf
}

func welcomeFrame(peer wire.PeerID) []byte {
	return valueFrame(kindWelcome, uint32(peer))
}

func disconnectFrame(reason uint32) []byte {
	return valueFrame(kindDisconnect, reason)
}

func valueFrame(kind frameKind, v uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(kind)
	binary.BigEndian.PutUint32(buf[1:], v)
	return buf
}

func dataFrame(packet []byte, delivery wire.Delivery) []byte {
	buf := make([]byte, 1+len(packet))
	buf[0] = byte(kindReliable)
	if delivery == wire.Unreliable {
		buf[0] = byte(kindUnreliable)
	}
	copy(buf[1:], packet)
	return buf
}

var (
	pingFrame = []byte{byte(kindPing)}
	pongFrame = []byte{byte(kindPong)}
)

func decodeFrame(data []byte) (frame, error) {
	if len(data) == 0 {
		return frame{}, errors.Wrap(errMalformedFrame, "frame is empty")
	}

	f := frame{Kind: frameKind(data[0])}
	body := data[1:]
	switch f.Kind {
	case kindHello:
		if len(body) != fingerprintSize {
			return frame{}, errors.Wrapf(errMalformedFrame, "hello frame has %d bytes", len(body))
		}
		copy(f.Fingerprint[:], body)
	case kindWelcome, kindDisconnect:
		if len(body) != 4 {
			return frame{}, errors.Wrapf(errMalformedFrame, "frame %d has %d bytes", f.Kind, len(body))
		}
		f.Value = binary.BigEndian.Uint32(body)
	case kindReliable, kindUnreliable:
		f.Packet = make([]byte, len(body))
		copy(f.Packet, body)
	case kindPing, kindPong:
		if len(body) != 0 {
			return frame{}, errors.Wrapf(errMalformedFrame, "frame %d has %d bytes", f.Kind, len(body))
		}
	default:
		return frame{}, errors.Wrapf(errMalformedFrame, "unknown frame kind %d", f.Kind)
	}
	return f, nil
}

func (f frame) delivery() wire.Delivery {
	if f.Kind == kindUnreliable {
		return wire.Unreliable
	}
	return wire.Reliable
}
