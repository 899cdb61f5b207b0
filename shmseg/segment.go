// Package shmseg manages the named shared-memory region a producer
// creates and a consumer attaches to: a small header of atomic state
// bits and configuration fields, followed by the byte area backing a
// ringbuf.RingBuffer.
//
// Every field a consumer process needs to observe — the header's
// version, frequency, and state bits, and (inside RingData) the ring
// buffer's own next/written/end and per-worker seen-offsets — is
// addressed as an atomic word directly inside the mapped bytes, the
// same technique this package's u64Ptr/u32Ptr helpers use for the
// header. A producer's ringbuf.New and a consumer's ringbuf.Open both
// bind to that same memory, so a second, genuinely separate OS process
// attaching to RingData() observes and drives the real coordination
// state rather than a disconnected zeroed copy of its own.
package shmseg

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StateBit is one of the shared header's atomic connection flags.
type StateBit uint32

const (
	ProducerConnected StateBit = 1
	ConsumerConnected StateBit = 2
	ConsumerListening StateBit = 4
)

const (
	namePrefix = "/hop_"
	maxNameLen = 30

	// Header layout, all offsets 8-byte aligned.
	offVersion       = 0  // float32, 4 bytes + 4 padding
	offTSCFrequency  = 8  // uint64
	offMaxThreads    = 16 // uint32
	offRequestedSize = 24 // uint64 (offset 20 padded to 24)
	offLastReset     = 32 // atomic uint64
	offLastHeartbeat = 40 // atomic uint64
	offStateBits     = 48 // atomic uint32
	// 52:56 padding

	// HeaderSize is the byte size reserved for the header before the
	// ring buffer's data area begins.
	HeaderSize = 64
)

// Name derives the segment name for a producer process id, truncated
// to the platform's shared-memory name limit.
func Name(pid int) string {
	n := fmt.Sprintf("%s%d", namePrefix, pid)
	if len(n) > maxNameLen {
		n = n[:maxNameLen]
	}
	return n
}

func pathFor(name string) string {
	return filepath.Join("/dev/shm", name[1:]) // strip leading "/"
}

// Segment is a mapped shared-memory region: a fixed header followed
// by a data area sized for the caller's ring buffer.
type Segment struct {
	name string
	mem  []byte
	file *os.File
	own  bool // true if this process created (vs. opened) the segment
}

// Create creates a new named segment sized header + dataBytes, owned
// by the calling (producer) process, and initialises its header
// fields. The caller is responsible for calling SetStateBit(ProducerConnected)
// once initialisation (e.g. constructing the ring buffer over RingData())
// is complete.
func Create(pid int, version float32, tscFrequencyHz uint64, maxThreads uint32, dataBytes int) (*Segment, error) {
	name := Name(pid)
	path := pathFor(name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("shmseg: create %s: %w", name, err)
	}

	total := HeaderSize + dataBytes
	if err := f.Truncate(int64(total)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shmseg: truncate %s to %d bytes: %w", name, total, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shmseg: mmap %s: %w", name, err)
	}

	s := &Segment{name: name, mem: mem, file: f, own: true}
	s.setVersion(version)
	s.setTSCFrequencyHz(tscFrequencyHz)
	s.setMaxThreads(maxThreads)
	s.setRequestedSize(uint64(dataBytes))
	s.SetLastReset(0)
	s.SetLastHeartbeat(0)
	atomic.StoreUint32(s.stateBitsPtr(), 0)

	return s, nil
}

// Open attaches to an existing segment created by the producer with
// the given pid. It does not modify any header field; callers verify
// the version and set their own state bits.
func Open(pid int) (*Segment, error) {
	name := Name(pid)
	path := pathFor(name)

	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("shmseg: open %s: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmseg: stat %s: %w", name, err)
	}
	if fi.Size() < HeaderSize {
		f.Close()
		return nil, fmt.Errorf("shmseg: %s is smaller than a valid header (%d bytes)", name, fi.Size())
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmseg: mmap %s: %w", name, err)
	}

	return &Segment{name: name, mem: mem, file: f, own: false}, nil
}

// Close unmaps the segment and closes its file descriptor. It does
// not unlink the underlying OS object; call Unlink separately once
// both sides have cleared their connected bits.
func (s *Segment) Close() error {
	err := unix.Munmap(s.mem)
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Unlink removes the named OS shared-memory object. Safe to call
// after both ProducerConnected and ConsumerConnected are clear.
func (s *Segment) Unlink() error {
	return os.Remove(pathFor(s.name))
}

// Name returns this segment's shared-memory name.
func (s *Segment) Name() string { return s.name }

// RingData returns the byte region reserved for a ring buffer's data
// area (everything after the header).
func (s *Segment) RingData() []byte { return s.mem[HeaderSize:] }

func (s *Segment) u64Ptr(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.mem[off]))
}

func (s *Segment) u32Ptr(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[off]))
}

func (s *Segment) stateBitsPtr() *uint32 { return s.u32Ptr(offStateBits) }

func (s *Segment) setVersion(v float32) {
	atomic.StoreUint32(s.u32Ptr(offVersion), math.Float32bits(v))
}

// Version returns the producer's client version.
func (s *Segment) Version() float32 {
	return math.Float32frombits(atomic.LoadUint32(s.u32Ptr(offVersion)))
}

// VersionMatches reports whether this segment's version is within eps
// of want: float equality would be too brittle a compatibility check.
func (s *Segment) VersionMatches(want, eps float32) bool {
	d := s.Version() - want
	if d < 0 {
		d = -d
	}
	return d <= eps
}

func (s *Segment) setTSCFrequencyHz(hz uint64) {
	atomic.StoreUint64(s.u64Ptr(offTSCFrequency), hz)
}

// TSCFrequencyHz returns the producer's calibrated TSC frequency.
func (s *Segment) TSCFrequencyHz() uint64 {
	return atomic.LoadUint64(s.u64Ptr(offTSCFrequency))
}

func (s *Segment) setMaxThreads(n uint32) {
	atomic.StoreUint32(s.u32Ptr(offMaxThreads), n)
}

// MaxThreads returns the configured maximum concurrent producer
// threads for this segment.
func (s *Segment) MaxThreads() uint32 {
	return atomic.LoadUint32(s.u32Ptr(offMaxThreads))
}

func (s *Segment) setRequestedSize(n uint64) {
	atomic.StoreUint64(s.u64Ptr(offRequestedSize), n)
}

// RequestedSize returns the configured ring-buffer data-area size in
// bytes.
func (s *Segment) RequestedSize() uint64 {
	return atomic.LoadUint64(s.u64Ptr(offRequestedSize))
}

// LastReset returns the shared last-reset cycle timestamp.
func (s *Segment) LastReset() uint64 {
	return atomic.LoadUint64(s.u64Ptr(offLastReset))
}

// SetLastReset stores a new last-reset cycle timestamp.
func (s *Segment) SetLastReset(t uint64) {
	atomic.StoreUint64(s.u64Ptr(offLastReset), t)
}

// LastHeartbeat returns the shared last-heartbeat cycle timestamp.
func (s *Segment) LastHeartbeat() uint64 {
	return atomic.LoadUint64(s.u64Ptr(offLastHeartbeat))
}

// SetLastHeartbeat stores a new last-heartbeat cycle timestamp.
func (s *Segment) SetLastHeartbeat(t uint64) {
	atomic.StoreUint64(s.u64Ptr(offLastHeartbeat), t)
}

// StateBits returns the current raw state-bit word.
func (s *Segment) StateBits() uint32 {
	return atomic.LoadUint32(s.stateBitsPtr())
}

// SetStateBit atomically ORs bit into the state word without
// disturbing bits owned by the other side.
func (s *Segment) SetStateBit(bit StateBit) {
	ptr := s.stateBitsPtr()
	for {
		old := atomic.LoadUint32(ptr)
		if old&uint32(bit) != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(ptr, old, old|uint32(bit)) {
			return
		}
	}
}

// ClearStateBit atomically clears bit in the state word.
func (s *Segment) ClearStateBit(bit StateBit) {
	ptr := s.stateBitsPtr()
	for {
		old := atomic.LoadUint32(ptr)
		if old&uint32(bit) == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(ptr, old, old&^uint32(bit)) {
			return
		}
	}
}

// HasStateBit reports whether bit is currently set.
func (s *Segment) HasStateBit(bit StateBit) bool {
	return s.StateBits()&uint32(bit) != 0
}
