package logbuffer

import "encoding/binary"

// Frame layout per spec.md §3/§6: a fixed 32-byte header, little-endian,
// every frame aligned to FrameAlignment.
const (
	HeaderLength   = 32
	FrameAlignment = 32

	// Header field offsets.
	offFrameLength = 0  // int32
	offVersion     = 4  // int8
	offFlags       = 5  // int8
	offType        = 6  // int16
	offTermOffset  = 8  // int32
	offSessionID   = 12 // int32
	offStreamID    = 16 // int32
	offTermID      = 20 // int32
	offReserved    = 24 // int64 (8 bytes, padding to 32)
)

// Frame flags.
const (
	FlagBegin byte = 0x80 // 'B'
	FlagEnd   byte = 0x40 // 'E'
)

// Frame types.
const (
	TypePad   uint16 = 0x00
	TypeData  uint16 = 0x01
	TypeSetup uint16 = 0x05
	TypeSM    uint16 = 0x03
	TypeNAK   uint16 = 0x02
	TypeRTT   uint16 = 0x04
	TypeRes   uint16 = 0x06
	TypeErr   uint16 = 0x0b
)

const CurrentVersion uint8 = 0

// Align rounds up to the next multiple of FrameAlignment.
func Align(length int32) int32 {
	return (length + FrameAlignment - 1) &^ (FrameAlignment - 1)
}

// FrameHeader is a view over a 32-byte frame header living inside a term
// buffer. It never copies; every accessor reads/writes through the
// backing slice so the caller controls memory ordering explicitly via
// FrameLength/SetFrameLengthOrdered.
type FrameHeader []byte

func (h FrameHeader) FrameLength() int32 {
	return int32(binary.LittleEndian.Uint32(h[offFrameLength:]))
}

// SetFrameLengthOrdered writes the frame length last, as the spec's
// release-store: readers must load it (via FrameLength) before trusting
// the payload.
func (h FrameHeader) SetFrameLengthOrdered(length int32) {
	binary.LittleEndian.PutUint32(h[offFrameLength:], uint32(length))
}

func (h FrameHeader) Version() uint8 { return h[offVersion] }
func (h FrameHeader) SetVersion(v uint8) { h[offVersion] = v }

func (h FrameHeader) Flags() byte     { return h[offFlags] }
func (h FrameHeader) SetFlags(f byte) { h[offFlags] = f }

func (h FrameHeader) Type() uint16 {
	return binary.LittleEndian.Uint16(h[offType:])
}
func (h FrameHeader) SetType(t uint16) {
	binary.LittleEndian.PutUint16(h[offType:], t)
}

func (h FrameHeader) TermOffset() int32 {
	return int32(binary.LittleEndian.Uint32(h[offTermOffset:]))
}
func (h FrameHeader) SetTermOffset(v int32) {
	binary.LittleEndian.PutUint32(h[offTermOffset:], uint32(v))
}

func (h FrameHeader) SessionID() int32 {
	return int32(binary.LittleEndian.Uint32(h[offSessionID:]))
}
func (h FrameHeader) SetSessionID(v int32) {
	binary.LittleEndian.PutUint32(h[offSessionID:], uint32(v))
}

func (h FrameHeader) StreamID() int32 {
	return int32(binary.LittleEndian.Uint32(h[offStreamID:]))
}
func (h FrameHeader) SetStreamID(v int32) {
	binary.LittleEndian.PutUint32(h[offStreamID:], uint32(v))
}

func (h FrameHeader) TermID() int32 {
	return int32(binary.LittleEndian.Uint32(h[offTermID:]))
}
func (h FrameHeader) SetTermID(v int32) {
	binary.LittleEndian.PutUint32(h[offTermID:], uint32(v))
}

func (h FrameHeader) Reserved() int64 {
	return int64(binary.LittleEndian.Uint64(h[offReserved:]))
}
func (h FrameHeader) SetReserved(v int64) {
	binary.LittleEndian.PutUint64(h[offReserved:], uint64(v))
}

func (h FrameHeader) IsBegin() bool { return h.Flags()&FlagBegin != 0 }
func (h FrameHeader) IsEnd() bool   { return h.Flags()&FlagEnd != 0 }
func (h FrameHeader) IsPadding() bool { return h.Type() == TypePad }

// IsZero reports whether the frame at this position has not been
// written yet (frame length of zero, the value a freshly-cleaned term
// buffer holds).
func (h FrameHeader) IsZero() bool { return h.FrameLength() == 0 }
