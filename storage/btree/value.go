package btree

import (
	"encoding/binary"
	"math"
)

// Value storage variants, chosen by length: short values live inside the
// leaf entry, mid-size ones in a shared data block slot, anything bigger
// in a chain of whole pages.
const (
	valInline = uint8(1)
	valNormal = uint8(2)
	valHuge   = uint8(3)

	// InlineMax is the largest value stored inside a leaf entry.
	InlineMax = 63
	// NormalMax is the largest value stored in a shared data block.
	NormalMax = 4000

	valPayloadSize = 64

	// value descriptor image within a leaf entry:
	// vtag(u8) | pad(u8) | vlen(u16) | payload[64]
	vTagOff     = 0
	vLenOff     = 2
	vPayloadOff = 4
)

// valueDesc is the decoded form of a leaf entry's value descriptor.
type valueDesc struct {
	tag    uint8
	length uint32
	inline [InlineMax]byte // valInline
	page   uint32          // valNormal
	slot   uint16          // valNormal
	first  uint32          // valHuge
}

func decodeValue(img []byte) valueDesc {
	le := binary.LittleEndian
	d := valueDesc{tag: img[vTagOff]}
	switch d.tag {
	case valInline:
		d.length = uint32(le.Uint16(img[vLenOff:]))
		copy(d.inline[:], img[vPayloadOff:vPayloadOff+d.length])
	case valNormal:
		d.length = uint32(le.Uint16(img[vLenOff:]))
		d.page = le.Uint32(img[vPayloadOff:])
		d.slot = le.Uint16(img[vPayloadOff+4:])
	case valHuge:
		d.first = le.Uint32(img[vPayloadOff:])
		d.length = le.Uint32(img[vPayloadOff+4:])
	}
	return d
}

func (d valueDesc) encode(img []byte) {
	le := binary.LittleEndian
	for i := range img {
		img[i] = 0
	}
	img[vTagOff] = d.tag
	switch d.tag {
	case valInline:
		le.PutUint16(img[vLenOff:], uint16(d.length))
		copy(img[vPayloadOff:], d.inline[:d.length])
	case valNormal:
		le.PutUint16(img[vLenOff:], uint16(d.length))
		le.PutUint32(img[vPayloadOff:], d.page)
		le.PutUint16(img[vPayloadOff+4:], d.slot)
	case valHuge:
		le.PutUint32(img[vPayloadOff:], d.first)
		le.PutUint32(img[vPayloadOff+4:], d.length)
	}
}

// PadKey zero-extends a logical key into the fixed 64-byte key buffer.
// Longer keys are truncated.
func PadKey(key []byte) []byte {
	buf := make([]byte, KeySize)
	copy(buf, key)
	return buf
}

// EncodeUint64Key writes v big-endian so lexicographic compare matches
// numeric compare.
func EncodeUint64Key(v uint64) []byte {
	buf := make([]byte, KeySize)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// EncodeInt64Key flips the sign bit on top of the big-endian encoding so
// negative keys sort before positive ones.
func EncodeInt64Key(v int64) []byte {
	return EncodeUint64Key(uint64(v) ^ (1 << 63))
}

// EncodeFloat64Key maps the IEEE 754 image so memcmp order equals numeric
// order: positive floats get the sign bit set, negative floats are fully
// inverted.
func EncodeFloat64Key(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return EncodeUint64Key(bits)
}
