package legacy

import (
	"reflect"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id2 uint64 = iota + 1
	id1
	id0
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Join{},
		Ping{},
		Chat{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Join:
		return id2, nil
	case *Ping:
		return id1, nil
	case *Chat:
		return id0, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Join:
		return size2(msg2), nil
	case *Ping:
		return size1(msg2), nil
	case *Chat:
		return size0(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Join:
		return id2, marshal2(msg2, buf), nil
	case *Ping:
		return id1, marshal1(msg2, buf), nil
	case *Chat:
		return id0, marshal0(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id2:
		msg := &Join{}
		return msg, unmarshal2(msg, buf), nil
	case id1:
		msg := &Ping{}
		return msg, unmarshal1(msg, buf), nil
	case id0:
		msg := &Chat{}
		return msg, unmarshal0(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Join:
		return id2, makePatch2(msg2, msgSrc.(*Join), buf), nil
	case *Ping:
		return id1, makePatch1(msg2, msgSrc.(*Ping), buf), nil
	case *Chat:
		return id0, makePatch0(msg2, msgSrc.(*Chat), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Join:
		return applyPatch2(msg2, buf), nil
	case *Ping:
		return applyPatch1(msg2, buf), nil
	case *Chat:
		return applyPatch0(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *Chat) uint64 {
	var n uint64 = 2
	{
		// Team

		helpers.UInt64Size(m.Team, &n)
	}
	{
		// Text

		{
			l := uint64(len(m.Text))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal0(m *Chat, b []byte) uint64 {
	var o uint64
	{
		// Team

		helpers.UInt64Marshal(m.Team, b, &o)
	}
	{
		// Text

		{
			l := uint64(len(m.Text))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Text)
			o += l
		}
	}

	return o
}

func unmarshal0(m *Chat, b []byte) uint64 {
	var o uint64
	{
		// Team

		helpers.UInt64Unmarshal(&m.Team, b, &o)
	}
	{
		// Text

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Text = string(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func makePatch0(m, mSrc *Chat, b []byte) uint64 {
	var o uint64 = 1
	{
		// Team

		if reflect.DeepEqual(m.Team, mSrc.Team) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Team, b, &o)
		}
	}
	{
		// Text

		if reflect.DeepEqual(m.Text, mSrc.Text) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Text))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Text)
				o += l
			}
		}
	}

	return o
}

func applyPatch0(m *Chat, b []byte) uint64 {
	var o uint64 = 1
	{
		// Team

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Team, b, &o)
		}
	}
	{
		// Text

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Text = string(b[o:o+l])
					o += l
				}
			}
		}
	}

	return o
}

func size1(m *Ping) uint64 {
	var n uint64 = 1
	{
		// Seq

		helpers.UInt64Size(m.Seq, &n)
	}
	return n
}

func marshal1(m *Ping, b []byte) uint64 {
	var o uint64
	{
		// Seq

		helpers.UInt64Marshal(m.Seq, b, &o)
	}

	return o
}

func unmarshal1(m *Ping, b []byte) uint64 {
	var o uint64
	{
		// Seq

		helpers.UInt64Unmarshal(&m.Seq, b, &o)
	}

	return o
}

func makePatch1(m, mSrc *Ping, b []byte) uint64 {
	var o uint64 = 1
	{
		// Seq

		if reflect.DeepEqual(m.Seq, mSrc.Seq) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Seq, b, &o)
		}
	}

	return o
}

func applyPatch1(m *Ping, b []byte) uint64 {
	var o uint64 = 1
	{
		// Seq

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Seq, b, &o)
		}
	}

	return o
}

func size2(m *Join) uint64 {
	var n uint64 = 1
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal2(m *Join, b []byte) uint64 {
	var o uint64
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Name)
			o += l
		}
	}

	return o
}

func unmarshal2(m *Join, b []byte) uint64 {
	var o uint64
	{
		// Name

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Name = string(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func makePatch2(m, mSrc *Join, b []byte) uint64 {
	var o uint64 = 1
	{
		// Name

		if reflect.DeepEqual(m.Name, mSrc.Name) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.Name))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Name)
				o += l
			}
		}
	}

	return o
}

func applyPatch2(m *Join, b []byte) uint64 {
	var o uint64 = 1
	{
		// Name

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Name = string(b[o:o+l])
					o += l
				}
			}
		}
	}

	return o
}
