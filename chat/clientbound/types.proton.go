package clientbound

import (
	"reflect"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id4 uint64 = iota + 1
	id3
	id2
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
		Welcome{},
		Message{},
		Ping{},
		PlayerJoined{},
		PlayerLeft{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Welcome:
		return id4, nil
	case *Message:
		return id3, nil
	case *Ping:
		return id2, nil
	case *PlayerJoined:
		return id1, nil
	case *PlayerLeft:
		return id0, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Welcome:
		return size4(msg2), nil
	case *Message:
		return size3(msg2), nil
	case *Ping:
		return size2(msg2), nil
	case *PlayerJoined:
		return size1(msg2), nil
	case *PlayerLeft:
		return size0(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Welcome:
		return id4, marshal4(msg2, buf), nil
	case *Message:
		return id3, marshal3(msg2, buf), nil
	case *Ping:
		return id2, marshal2(msg2, buf), nil
	case *PlayerJoined:
		return id1, marshal1(msg2, buf), nil
	case *PlayerLeft:
		return id0, marshal0(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id4:
		msg := &Welcome{}
		return msg, unmarshal4(msg, buf), nil
	case id3:
		msg := &Message{}
		return msg, unmarshal3(msg, buf), nil
	case id2:
		msg := &Ping{}
		return msg, unmarshal2(msg, buf), nil
	case id1:
		msg := &PlayerJoined{}
		return msg, unmarshal1(msg, buf), nil
	case id0:
		msg := &PlayerLeft{}
		return msg, unmarshal0(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Welcome:
		return id4, makePatch4(msg2, msgSrc.(*Welcome), buf), nil
	case *Message:
		return id3, makePatch3(msg2, msgSrc.(*Message), buf), nil
	case *Ping:
		return id2, makePatch2(msg2, msgSrc.(*Ping), buf), nil
	case *PlayerJoined:
		return id1, makePatch1(msg2, msgSrc.(*PlayerJoined), buf), nil
	case *PlayerLeft:
		return id0, makePatch0(msg2, msgSrc.(*PlayerLeft), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Welcome:
		return applyPatch4(msg2, buf), nil
	case *Message:
		return applyPatch3(msg2, buf), nil
	case *Ping:
		return applyPatch2(msg2, buf), nil
	case *PlayerJoined:
		return applyPatch1(msg2, buf), nil
	case *PlayerLeft:
		return applyPatch0(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *PlayerLeft) uint64 {
	var n uint64 = 3
	{
		// Peer

		helpers.UInt64Size(m.Peer, &n)
	}
	{
		// Comment

		{
			l := uint64(len(m.Comment))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal0(m *PlayerLeft, b []byte) uint64 {
	var o uint64 = 1
	{
		// Peer

		helpers.UInt64Marshal(m.Peer, b, &o)
	}
	{
		// Kicked

		if m.Kicked {
			b[0] |= 0x01
		} else {
			b[0] &= 0xFE
		}
	}
	{
		// Comment

		{
			l := uint64(len(m.Comment))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Comment)
			o += l
		}
	}

	return o
}

func unmarshal0(m *PlayerLeft, b []byte) uint64 {
	var o uint64 = 1
	{
		// Peer

		helpers.UInt64Unmarshal(&m.Peer, b, &o)
	}
	{
		// Kicked

		m.Kicked = b[0]&0x01 != 0
	}
	{
		// Comment

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Comment = string(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func makePatch0(m, mSrc *PlayerLeft, b []byte) uint64 {
	var o uint64 = 2
	{
		// Peer

		if reflect.DeepEqual(m.Peer, mSrc.Peer) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Peer, b, &o)
		}
	}
	{
		// Kicked

		if m.Kicked == mSrc.Kicked {
			b[1] &= 0xFE
		} else {
			b[1] |= 0x01
		}
	}
	{
		// Comment

		if reflect.DeepEqual(m.Comment, mSrc.Comment) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Comment))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Comment)
				o += l
			}
		}
	}

	return o
}

func applyPatch0(m *PlayerLeft, b []byte) uint64 {
	var o uint64 = 2
	{
		// Peer

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Peer, b, &o)
		}
	}
	{
		// Kicked

		if b[1]&0x01 != 0 {
			m.Kicked = !m.Kicked
		}
	}
	{
		// Comment

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Comment = string(b[o:o+l])
					o += l
				}
			}
		}
	}

	return o
}

func size1(m *PlayerJoined) uint64 {
	var n uint64 = 2
	{
		// Peer

		helpers.UInt64Size(m.Peer, &n)
	}
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

func marshal1(m *PlayerJoined, b []byte) uint64 {
	var o uint64
	{
		// Peer

		helpers.UInt64Marshal(m.Peer, b, &o)
	}
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

func unmarshal1(m *PlayerJoined, b []byte) uint64 {
	var o uint64
	{
		// Peer

		helpers.UInt64Unmarshal(&m.Peer, b, &o)
	}
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

func makePatch1(m, mSrc *PlayerJoined, b []byte) uint64 {
	var o uint64 = 1
	{
		// Peer

		if reflect.DeepEqual(m.Peer, mSrc.Peer) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Peer, b, &o)
		}
	}
	{
		// Name

		if reflect.DeepEqual(m.Name, mSrc.Name) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
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

func applyPatch1(m *PlayerJoined, b []byte) uint64 {
	var o uint64 = 1
	{
		// Peer

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Peer, b, &o)
		}
	}
	{
		// Name

		if b[0]&0x02 != 0 {
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

func size2(m *Ping) uint64 {
	var n uint64 = 1
	{
		// Seq

		helpers.UInt64Size(m.Seq, &n)
	}
	return n
}

func marshal2(m *Ping, b []byte) uint64 {
	var o uint64
	{
		// Seq

		helpers.UInt64Marshal(m.Seq, b, &o)
	}

	return o
}

func unmarshal2(m *Ping, b []byte) uint64 {
	var o uint64
	{
		// Seq

		helpers.UInt64Unmarshal(&m.Seq, b, &o)
	}

	return o
}

func makePatch2(m, mSrc *Ping, b []byte) uint64 {
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

func applyPatch2(m *Ping, b []byte) uint64 {
	var o uint64 = 1
	{
		// Seq

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Seq, b, &o)
		}
	}

	return o
}

func size3(m *Message) uint64 {
	var n uint64 = 3
	{
		// From

		helpers.UInt64Size(m.From, &n)
	}
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Size(l, &n)
			n += l
		}
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

func marshal3(m *Message, b []byte) uint64 {
	var o uint64
	{
		// From

		helpers.UInt64Marshal(m.From, b, &o)
	}
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Name)
			o += l
		}
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

func unmarshal3(m *Message, b []byte) uint64 {
	var o uint64
	{
		// From

		helpers.UInt64Unmarshal(&m.From, b, &o)
	}
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

func makePatch3(m, mSrc *Message, b []byte) uint64 {
	var o uint64 = 1
	{
		// From

		if reflect.DeepEqual(m.From, mSrc.From) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.From, b, &o)
		}
	}
	{
		// Name

		if reflect.DeepEqual(m.Name, mSrc.Name) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Name))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Name)
				o += l
			}
		}
	}
	{
		// Text

		if reflect.DeepEqual(m.Text, mSrc.Text) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
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

func applyPatch3(m *Message, b []byte) uint64 {
	var o uint64 = 1
	{
		// From

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.From, b, &o)
		}
	}
	{
		// Name

		if b[0]&0x02 != 0 {
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
	{
		// Text

		if b[0]&0x04 != 0 {
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

func size4(m *Welcome) uint64 {
	var n uint64 = 2
	{
		// Peer

		helpers.UInt64Size(m.Peer, &n)
	}
	{
		// Motd

		{
			l := uint64(len(m.Motd))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal4(m *Welcome, b []byte) uint64 {
	var o uint64
	{
		// Peer

		helpers.UInt64Marshal(m.Peer, b, &o)
	}
	{
		// Motd

		{
			l := uint64(len(m.Motd))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Motd)
			o += l
		}
	}

	return o
}

func unmarshal4(m *Welcome, b []byte) uint64 {
	var o uint64
	{
		// Peer

		helpers.UInt64Unmarshal(&m.Peer, b, &o)
	}
	{
		// Motd

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Motd = string(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func makePatch4(m, mSrc *Welcome, b []byte) uint64 {
	var o uint64 = 1
	{
		// Peer

		if reflect.DeepEqual(m.Peer, mSrc.Peer) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Peer, b, &o)
		}
	}
	{
		// Motd

		if reflect.DeepEqual(m.Motd, mSrc.Motd) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Motd))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Motd)
				o += l
			}
		}
	}

	return o
}

func applyPatch4(m *Welcome, b []byte) uint64 {
	var o uint64 = 1
	{
		// Peer

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Peer, b, &o)
		}
	}
	{
		// Motd

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Motd = string(b[o:o+l])
					o += l
				}
			}
		}
	}

	return o
}
