// Package strtab implements a string interner: a hash-set of
// StringIds over an 8-byte-aligned, append-only byte blob, with a
// delta cursor tracking bytes already shipped to a consumer. The blob
// itself is a blockpool.Buffer, block-addressed rather than one flat
// allocation, so growing it never touches the system allocator past
// the first few blocks; entries are read back with Buffer.At/Slice
// rather than assuming the whole blob is one contiguous slice.
//
// An Interner is strictly single-owner: the producer side is owned by
// exactly one recorder.Recorder, and the consumer side is owned by
// exactly one consumer.Server.
package strtab

import (
	"encoding/binary"
	"fmt"
	"hash/maphash"
	"unsafe"

	"github.com/tracewire/tracewire/blockpool"
)

// StringId identifies an interned string. Zero means "no string" and
// is never stored.
type StringId uint64

// NoString is the reserved StringId meaning "no string".
const NoString StringId = 0

// Interner maps StringIds to entries in a byte blob laid out as
// [StringId: 8 bytes][NUL-terminated text padded to 8 bytes].
type Interner struct {
	ids  map[StringId]int // StringId -> offset of text start in bytes
	buf  *blockpool.Buffer
	sent int
	seed maphash.Seed
}

// New returns an empty interner backed by its own private block pool.
func New() *Interner {
	return &Interner{
		ids:  make(map[StringId]int),
		buf:  blockpool.NewBuffer(blockpool.New()),
		seed: maphash.MakeSeed(),
	}
}

// StaticID derives the StringId for a static (literal) string from
// its backing data pointer, treating the pointer as a stable identity
// for the literal's contents. Two occurrences of the same literal in
// Go source are usually — but not guaranteed to be — the same backing
// array; InternStatic is idempotent either way; callers that need a
// stable id across calls should store the string in a package-level
// var rather than re-evaluating a literal expression each time.
func StaticID(s string) StringId {
	if len(s) == 0 {
		return NoString
	}
	return StringId(uintptr(unsafe.Pointer(unsafe.StringData(s))))
}

// InternStatic records s under its static id (see StaticID) if not
// already present, and returns that id.
func (in *Interner) InternStatic(s string) StringId {
	id := StaticID(s)
	if id == NoString {
		return NoString
	}
	in.insert(id, s)
	return id
}

// InternDynamic computes a 64-bit hash of s, records (hash, s) if not
// already present, and returns the hash as a StringId. Two distinct
// strings that hash to the same value are treated as "already
// present" — an accepted, vanishingly rare aliasing risk.
func (in *Interner) InternDynamic(s string) StringId {
	if s == "" {
		return NoString
	}
	var h maphash.Hash
	h.SetSeed(in.seed)
	h.WriteString(s)
	id := StringId(h.Sum64())
	if id == NoString {
		id = 1 // never collide with the reserved "no string" id
	}
	in.insert(id, s)
	return id
}

// Has reports whether id is already interned.
func (in *Interner) Has(id StringId) bool {
	if id == NoString {
		return true
	}
	_, ok := in.ids[id]
	return ok
}

// Lookup returns the text for id, if known.
func (in *Interner) Lookup(id StringId) (string, bool) {
	if id == NoString {
		return "", false
	}
	off, ok := in.ids[id]
	if !ok {
		return "", false
	}
	end := off
	for end < in.buf.Len() && in.buf.At(end) != 0 {
		end++
	}
	return string(in.buf.Slice(off, end)), true
}

// NewBytes returns the byte range [sent, size) — the entries added
// since the last MarkShipped call — copied out as one contiguous
// slice for the wire message that carries them.
func (in *Interner) NewBytes() []byte {
	return in.buf.Slice(in.sent, in.buf.Len())
}

// MarkShipped advances the delta cursor to the current size, after
// the caller has durably shipped NewBytes() to a consumer.
func (in *Interner) MarkShipped() {
	in.sent = in.buf.Len()
}

// Clear resets both the hash set and the byte blob, and the delta
// cursor along with them. The underlying blocks are retained for the
// next round of interning rather than returned to the pool.
func (in *Interner) Clear() {
	in.ids = make(map[StringId]int)
	in.buf.Reset()
	in.sent = 0
}

// Size returns the current size of the byte blob, in bytes.
func (in *Interner) Size() int {
	return in.buf.Len()
}

func (in *Interner) insert(id StringId, s string) {
	if _, ok := in.ids[id]; ok {
		return
	}
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], uint64(id))
	in.buf.Append(idBuf[:])

	textStart := in.buf.Len()
	in.buf.Append([]byte(s))
	in.buf.AppendByte(0)
	for in.buf.Len()%8 != 0 {
		in.buf.AppendByte(0)
	}
	in.ids[id] = textStart
}

// ApplyWireBytes appends a STRING_DATA message payload (as produced by
// NewBytes) to this interner's blob and indexes the entries it
// contains. It is used on the consumer side, where entries arrive
// already laid out exactly as the producer's blob stores them.
func (in *Interner) ApplyWireBytes(data []byte) error {
	base := in.buf.Len()
	in.buf.Append(data)
	end := in.buf.Len()

	i := base
	for i < end {
		entryStart := i
		if i+8 > end {
			return fmt.Errorf("strtab: truncated string entry header at offset %d", entryStart)
		}
		id := StringId(binary.LittleEndian.Uint64(in.buf.Slice(i, i+8)))
		i += 8

		textStart := i
		for i < end && in.buf.At(i) != 0 {
			i++
		}
		if i >= end {
			return fmt.Errorf("strtab: unterminated string entry at offset %d", entryStart)
		}
		i++ // skip NUL
		for i%8 != 0 {
			i++
		}

		if id != NoString {
			if _, ok := in.ids[id]; !ok {
				in.ids[id] = textStart
			}
		}
	}
	return nil
}
