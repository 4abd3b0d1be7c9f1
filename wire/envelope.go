package wire

import (
	"reflect"

	"github.com/pkg/errors"
)

// Encode writes the opcode followed by the marshalled payload.
func (r *Registry) Encode(msg any) ([]byte, Descriptor, error) {
	d, err := r.Resolve(msg)
	if err != nil {
		return nil, Descriptor{}, err
	}

	if v := reflect.ValueOf(msg); v.Kind() != reflect.Pointer {
		ptr := reflect.New(d.Type)
		ptr.Elem().Set(v)
		msg = ptr.Interface()
	}

	size, err := r.marshaller.Size(msg)
	if err != nil {
		return nil, Descriptor{}, err
	}
	if size+1 > MaxPacketSize {
		return nil, Descriptor{}, errors.Wrapf(ErrPacketTooLarge, "packet %s has %d bytes, limit is %d",
			d.Name, size+1, MaxPacketSize)
	}

	buf := make([]byte, size+1)
	buf[0] = byte(d.Opcode)

	_, n, err := r.marshaller.Marshal(msg, buf[1:])
	if err != nil {
		return nil, Descriptor{}, errors.Wrapf(err, "marshaling packet %s failed", d.Name)
	}

	return buf[:n+1], d, nil
}

// Decode reads the opcode, resolves the packet type and unmarshals the payload into its new instance.
// Oversized packets are rejected before the opcode is read.
func (r *Registry) Decode(data []byte) (Descriptor, any, error) {
	if len(data) > MaxPacketSize {
		return Descriptor{}, nil, errors.Wrapf(ErrPacketTooLarge, "packet has %d bytes, limit is %d",
			len(data), MaxPacketSize)
	}
	if len(data) == 0 {
		return Descriptor{}, nil, errors.Wrap(ErrMalformedPacket, "packet is empty")
	}

	d, exists := r.Lookup(Opcode(data[0]))
	if !exists {
		return Descriptor{}, nil, errors.Wrapf(ErrUnknownOpcode, "opcode %d", data[0])
	}

	msg, n, err := r.marshaller.Unmarshal(d.id, data[1:])
	if err != nil {
		return d, nil, errors.Wrapf(ErrMalformedPacket, "packet %s: %s", d.Name, err)
	}
	if n != uint64(len(data)-1) {
		return d, nil, errors.Wrapf(ErrMalformedPacket, "packet %s: %d trailing bytes", d.Name,
			uint64(len(data)-1)-n)
	}

	return d, msg, nil
}
