// Package wire implements the binary framing that carries recorded
// events from a producer's ring buffer to a consumer: a fixed message
// header followed by a little-endian, struct-of-arrays payload whose
// shape depends on the message type. Every record is 8-byte aligned.
package wire

import "encoding/binary"

// MessageType identifies the payload shape that follows a Header.
type MessageType uint32

const (
	Traces MessageType = iota + 1
	StringData
	LockWait
	UnlockEvent
	CoreEvent
	Heartbeat
)

func (t MessageType) String() string {
	switch t {
	case Traces:
		return "TRACES"
	case StringData:
		return "STRING_DATA"
	case LockWait:
		return "LOCK_WAIT"
	case UnlockEvent:
		return "UNLOCK_EVENT"
	case CoreEvent:
		return "CORE_EVENT"
	case Heartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// HeaderSize is the on-wire size, in bytes, of a Header.
const HeaderSize = 4 + 4 + 8 + 8 + 8 + 4 + 4 // padded to 8-byte alignment

// Header precedes every message's payload.
type Header struct {
	Type         MessageType
	ThreadIndex  uint32
	ThreadID     uint64
	Timestamp    uint64
	ThreadNameID uint64
	Count        uint32
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[4:8], h.ThreadIndex)
	binary.LittleEndian.PutUint64(buf[8:16], h.ThreadID)
	binary.LittleEndian.PutUint64(buf[16:24], h.Timestamp)
	binary.LittleEndian.PutUint64(buf[24:32], h.ThreadNameID)
	binary.LittleEndian.PutUint32(buf[32:36], h.Count)
	// bytes 36:40 are alignment padding, left zero.
}

func getHeader(buf []byte) Header {
	return Header{
		Type:         MessageType(binary.LittleEndian.Uint32(buf[0:4])),
		ThreadIndex:  binary.LittleEndian.Uint32(buf[4:8]),
		ThreadID:     binary.LittleEndian.Uint64(buf[8:16]),
		Timestamp:    binary.LittleEndian.Uint64(buf[16:24]),
		ThreadNameID: binary.LittleEndian.Uint64(buf[24:32]),
		Count:        binary.LittleEndian.Uint32(buf[32:36]),
	}
}

// align8 rounds n up to the next multiple of 8.
func align8(n int) int {
	return (n + 7) &^ 7
}

// bufEncoder is a simple append-only byte cursor used by the Encode*
// functions below.
type bufEncoder struct {
	buf []byte
}

func (e *bufEncoder) u16(x uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], x)
	e.buf = append(e.buf, b[:]...)
}

func (e *bufEncoder) u32(x uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], x)
	e.buf = append(e.buf, b[:]...)
}

func (e *bufEncoder) u64(x uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	e.buf = append(e.buf, b[:]...)
}

func (e *bufEncoder) u64s(xs []uint64) {
	for _, x := range xs {
		e.u64(x)
	}
}

func (e *bufEncoder) u32s(xs []uint32) {
	for _, x := range xs {
		e.u32(x)
	}
}

func (e *bufEncoder) u16s(xs []uint16) {
	for _, x := range xs {
		e.u16(x)
	}
}

func (e *bufEncoder) pad() {
	for len(e.buf)%8 != 0 {
		e.buf = append(e.buf, 0)
	}
}

// bufDecoder is a read cursor over a message's raw payload bytes.
type bufDecoder struct {
	buf []byte
}

func (d *bufDecoder) u16() uint16 {
	x := binary.LittleEndian.Uint16(d.buf)
	d.buf = d.buf[2:]
	return x
}

func (d *bufDecoder) u32() uint32 {
	x := binary.LittleEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return x
}

func (d *bufDecoder) u64() uint64 {
	x := binary.LittleEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return x
}

func (d *bufDecoder) u64s(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = d.u64()
	}
	return out
}

func (d *bufDecoder) u32s(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = d.u32()
	}
	return out
}

func (d *bufDecoder) u16s(n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = d.u16()
	}
	return out
}

func (d *bufDecoder) skip(n int) {
	d.buf = d.buf[n:]
}

// PayloadSize returns the number of payload bytes (after the header)
// that a message of this type and count occupies on the wire,
// including its trailing alignment padding.
func PayloadSize(h Header) int {
	n := int(h.Count)
	switch h.Type {
	case Traces:
		return align8(n * (8*4 + 4 + 2 + 2 + 8))
	case StringData:
		return align8(n)
	case LockWait:
		return align8(n * lockWaitRecordSize)
	case UnlockEvent:
		return align8(n * 16)
	case CoreEvent:
		return align8(n * 20)
	case Heartbeat:
		return 0
	default:
		return 0
	}
}
