package wire

// TracesMessage carries one thread's completed scope traces in
// struct-of-arrays layout, in flush (completion) order.
//
// ClassIDs is a tracewire extension beyond the original six-column
// layout: an optional StringId per trace identifying the enclosing
// class/module, 0 meaning "no class". It is always present on the
// wire — there is exactly one wire version.
type TracesMessage struct {
	Ends        []uint64 // low bit always 0
	Starts      []uint64 // low bit 1 means FnIDs[i] is a dynamic hash
	FileIDs     []uint64
	FnIDs       []uint64
	LineNumbers []uint32
	Depths      []uint16
	Zones       []uint16
	ClassIDs    []uint64
}

// EncodeTraces writes a TRACES message (header + payload) to a
// caller-supplied header, returning the full wire bytes.
func EncodeTraces(h Header, m TracesMessage) []byte {
	n := len(m.Ends)
	h.Type = Traces
	h.Count = uint32(n)

	hdr := make([]byte, HeaderSize)
	putHeader(hdr, h)

	e := bufEncoder{}
	e.u64s(m.Ends)
	e.u64s(m.Starts)
	e.u64s(m.FileIDs)
	e.u64s(m.FnIDs)
	e.u32s(m.LineNumbers)
	e.u16s(m.Depths)
	e.u16s(m.Zones)
	e.u64s(m.ClassIDs)
	e.pad()

	return append(hdr, e.buf...)
}

// DecodeTraces parses a TRACES payload of h.Count records.
func DecodeTraces(h Header, payload []byte) TracesMessage {
	n := int(h.Count)
	d := bufDecoder{buf: payload}
	return TracesMessage{
		Ends:        d.u64s(n),
		Starts:      d.u64s(n),
		FileIDs:     d.u64s(n),
		FnIDs:       d.u64s(n),
		LineNumbers: d.u32s(n),
		Depths:      d.u16s(n),
		Zones:       d.u16s(n),
		ClassIDs:    d.u64s(n),
	}
}

// IsDynamicName reports whether a TRACES start timestamp carries the
// dynamic-name flag, and returns the timestamp with that bit masked
// off.
func IsDynamicName(start uint64) (uint64, bool) {
	return start &^ 1, start&1 != 0
}

// StringDataMessage carries a span of interner bytes verbatim; its
// wire payload is exactly the byte range returned by the producer's
// interner NewBytes().
type StringDataMessage struct {
	Data []byte
}

// EncodeStringData writes a STRING_DATA message.
func EncodeStringData(h Header, m StringDataMessage) []byte {
	h.Type = StringData
	h.Count = uint32(len(m.Data))

	hdr := make([]byte, HeaderSize)
	putHeader(hdr, h)

	payload := append([]byte(nil), m.Data...)
	for len(payload)%8 != 0 {
		payload = append(payload, 0)
	}
	return append(hdr, payload...)
}

// DecodeStringData parses a STRING_DATA payload.
func DecodeStringData(h Header, payload []byte) StringDataMessage {
	n := int(h.Count)
	if n > len(payload) {
		n = len(payload)
	}
	return StringDataMessage{Data: payload[:n]}
}

// LockWaitRecord is one blocked-then-acquired mutex attempt.
type LockWaitRecord struct {
	Mutex uint64
	Start uint64
	End   uint64
	Depth uint16
}

const lockWaitRecordSize = 8 + 8 + 8 + 2 + 2 // mutex, start, end, depth, pad

// EncodeLockWait writes a LOCK_WAIT message.
func EncodeLockWait(h Header, records []LockWaitRecord) []byte {
	h.Type = LockWait
	h.Count = uint32(len(records))

	hdr := make([]byte, HeaderSize)
	putHeader(hdr, h)

	e := bufEncoder{}
	for _, r := range records {
		e.u64(r.Mutex)
		e.u64(r.Start)
		e.u64(r.End)
		e.u16(r.Depth)
		e.u16(0) // pad
	}
	e.pad()

	return append(hdr, e.buf...)
}

// DecodeLockWait parses a LOCK_WAIT payload of h.Count records.
func DecodeLockWait(h Header, payload []byte) []LockWaitRecord {
	d := bufDecoder{buf: payload}
	out := make([]LockWaitRecord, h.Count)
	for i := range out {
		out[i].Mutex = d.u64()
		out[i].Start = d.u64()
		out[i].End = d.u64()
		out[i].Depth = d.u16()
		d.skip(2)
	}
	return out
}

// UnlockRecord is the point in time a mutex was released.
type UnlockRecord struct {
	Mutex uint64
	Time  uint64
}

// EncodeUnlockEvent writes an UNLOCK_EVENT message.
func EncodeUnlockEvent(h Header, records []UnlockRecord) []byte {
	h.Type = UnlockEvent
	h.Count = uint32(len(records))

	hdr := make([]byte, HeaderSize)
	putHeader(hdr, h)

	e := bufEncoder{}
	for _, r := range records {
		e.u64(r.Mutex)
		e.u64(r.Time)
	}
	e.pad()

	return append(hdr, e.buf...)
}

// DecodeUnlockEvent parses an UNLOCK_EVENT payload of h.Count records.
func DecodeUnlockEvent(h Header, payload []byte) []UnlockRecord {
	d := bufDecoder{buf: payload}
	out := make([]UnlockRecord, h.Count)
	for i := range out {
		out[i].Mutex = d.u64()
		out[i].Time = d.u64()
	}
	return out
}

// CoreEventRecord is a span during which a thread ran on one core.
type CoreEventRecord struct {
	Start uint64
	End   uint64
	Core  uint32
}

// EncodeCoreEvent writes a CORE_EVENT message.
func EncodeCoreEvent(h Header, records []CoreEventRecord) []byte {
	h.Type = CoreEvent
	h.Count = uint32(len(records))

	hdr := make([]byte, HeaderSize)
	putHeader(hdr, h)

	e := bufEncoder{}
	for _, r := range records {
		e.u64(r.Start)
		e.u64(r.End)
		e.u32(r.Core)
	}
	e.pad()

	return append(hdr, e.buf...)
}

// DecodeCoreEvent parses a CORE_EVENT payload of h.Count records.
func DecodeCoreEvent(h Header, payload []byte) []CoreEventRecord {
	d := bufDecoder{buf: payload}
	out := make([]CoreEventRecord, h.Count)
	for i := range out {
		out[i].Start = d.u64()
		out[i].End = d.u64()
		out[i].Core = d.u32()
	}
	return out
}

// EncodeHeartbeat writes a zero-payload HEARTBEAT message; the
// liveness time is carried entirely in h.Timestamp.
func EncodeHeartbeat(h Header) []byte {
	h.Type = Heartbeat
	h.Count = 0
	hdr := make([]byte, HeaderSize)
	putHeader(hdr, h)
	return hdr
}
