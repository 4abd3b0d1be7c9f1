package wire

import (
	"crypto/sha256"
	"reflect"
	"sort"

	"github.com/pkg/errors"

	"github.com/outofforest/proton"
)

var (
	// ErrUnknownOpcode is returned when the opcode does not match any registered packet type.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrUnknownType is returned when the packet type is not registered.
	ErrUnknownType = errors.New("unknown packet type")

	// ErrMalformedPacket is returned when the payload can't be decoded.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrPacketTooLarge is returned when the packet exceeds MaxPacketSize.
	ErrPacketTooLarge = errors.New("packet too large")
)

// Descriptor describes registered packet type.
type Descriptor struct {
	Opcode Opcode
	Name   string
	Type   reflect.Type

	id uint64
}

// New returns pointer to the zero value of the packet type.
func (d Descriptor) New() any {
	return reflect.New(d.Type).Interface()
}

// Registry maps opcodes to packet types and back for one packet family.
// It is immutable after construction and safe for concurrent use.
type Registry struct {
	marshaller  proton.Marshaller
	descriptors []Descriptor
	types       map[reflect.Type]Descriptor
}

// NewRegistry builds the registry from the messages supported by the marshaller.
// Opcodes are assigned in the alphabetical order of type names, starting from 0.
func NewRegistry(m proton.Marshaller) (*Registry, error) {
	msgs := m.Messages()
	if len(msgs) > MaxOpcodes {
		return nil, errors.Errorf("%d packet types registered, at most %d are supported", len(msgs), MaxOpcodes)
	}

	descriptors := make([]Descriptor, 0, len(msgs))
	for _, msg := range msgs {
		t := TypeOf(msg)
		if t == nil || t.Kind() != reflect.Struct {
			return nil, errors.Errorf("packet %T is not a struct", msg)
		}

		id, err := m.ID(reflect.New(t).Interface())
		if err != nil {
			return nil, err
		}

		descriptors = append(descriptors, Descriptor{
			Name: t.Name(),
			Type: t,
			id:   id,
		})
	}

	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})

	types := make(map[reflect.Type]Descriptor, len(descriptors))
	for i := range descriptors {
		if i > 0 && descriptors[i].Name == descriptors[i-1].Name {
			return nil, errors.Errorf("packet name %q is registered twice", descriptors[i].Name)
		}
		descriptors[i].Opcode = Opcode(i)
		types[descriptors[i].Type] = descriptors[i]
	}

	return &Registry{
		marshaller:  m,
		descriptors: descriptors,
		types:       types,
	}, nil
}

// Lookup returns descriptor of the opcode.
func (r *Registry) Lookup(op Opcode) (Descriptor, bool) {
	if int(op) >= len(r.descriptors) {
		return Descriptor{}, false
	}
	return r.descriptors[op], true
}

// Resolve returns descriptor of the message. Both pointers and values are accepted.
func (r *Registry) Resolve(msg any) (Descriptor, error) {
	d, exists := r.types[TypeOf(msg)]
	if !exists {
		return Descriptor{}, errors.Wrapf(ErrUnknownType, "%T", msg)
	}
	return d, nil
}

// Contains checks if the type is registered.
func (r *Registry) Contains(t reflect.Type) bool {
	_, exists := r.types[t]
	return exists
}

// Descriptors returns descriptors ordered by opcode.
func (r *Registry) Descriptors() []Descriptor {
	return append([]Descriptor(nil), r.descriptors...)
}

// Fingerprint computes the hash of the opcode tables. Two endpoints exchanging packets must
// compute the same value from the same registries passed in the same order.
func Fingerprint(registries ...*Registry) [32]byte {
	h := sha256.New()
	for _, r := range registries {
		for _, d := range r.descriptors {
			h.Write([]byte{byte(d.Opcode)})
			h.Write([]byte(d.Name))
			h.Write([]byte{0x00})
		}
		h.Write([]byte{0xff})
	}

	var fp [32]byte
	copy(fp[:], h.Sum(nil))
	return fp
}

// TypeOf returns the struct type of the packet, dereferencing pointers.
func TypeOf(msg any) reflect.Type {
	t := reflect.TypeOf(msg)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
