package wire

import "fmt"

// Handlers receives typed records as Dispatch walks a byte run.
// Any field left nil causes messages of that type to be skipped
// without decoding.
type Handlers struct {
	Traces      func(Header, TracesMessage)
	StringData  func(Header, StringDataMessage)
	LockWait    func(Header, []LockWaitRecord)
	UnlockEvent func(Header, []UnlockRecord)
	CoreEvent   func(Header, []CoreEventRecord)
	Heartbeat   func(Header)
}

// Dispatch walks a contiguous byte run containing zero or more
// back-to-back messages, decoding each and invoking the matching
// Handlers callback. Messages whose header timestamp is older than
// lastReset are skipped (not decoded, not delivered) — they belong to
// a producer epoch the consumer has already discarded.
//
// It returns the number of bytes consumed, which is always len(data)
// unless a truncated trailing header or payload is found, in which
// case the caller should treat the short tail as not-yet-available
// and retry once more bytes have been produced.
func Dispatch(data []byte, lastReset uint64, h Handlers) (consumed int, err error) {
	for len(data) > 0 {
		if len(data) < HeaderSize {
			return consumed, nil
		}
		hdr := getHeader(data)
		payloadSize := PayloadSize(hdr)
		total := HeaderSize + payloadSize
		if len(data) < total {
			return consumed, nil
		}
		payload := data[HeaderSize:total]

		if hdr.Timestamp >= lastReset {
			switch hdr.Type {
			case Traces:
				if h.Traces != nil {
					h.Traces(hdr, DecodeTraces(hdr, payload))
				}
			case StringData:
				if h.StringData != nil {
					h.StringData(hdr, DecodeStringData(hdr, payload))
				}
			case LockWait:
				if h.LockWait != nil {
					h.LockWait(hdr, DecodeLockWait(hdr, payload))
				}
			case UnlockEvent:
				if h.UnlockEvent != nil {
					h.UnlockEvent(hdr, DecodeUnlockEvent(hdr, payload))
				}
			case CoreEvent:
				if h.CoreEvent != nil {
					h.CoreEvent(hdr, DecodeCoreEvent(hdr, payload))
				}
			case Heartbeat:
				if h.Heartbeat != nil {
					h.Heartbeat(hdr)
				}
			default:
				return consumed, fmt.Errorf("wire: unknown message type %d at offset %d", hdr.Type, consumed)
			}
		}

		data = data[total:]
		consumed += total
	}
	return consumed, nil
}
