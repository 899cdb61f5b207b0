// Package consumer implements the out-of-process viewer side: attach
// to a producer's shared segment, pump its ring buffer, dispatch wire
// messages into a local string table and typed record batches, and
// expose those batches to an external collaborator in one
// mutex-guarded swap per flush cycle.
package consumer

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/tracewire/tracewire/ringbuf"
	"github.com/tracewire/tracewire/shmseg"
	"github.com/tracewire/tracewire/strtab"
	"github.com/tracewire/tracewire/wire"
)

// ConnectionState is the observable attachment state exposed to an
// embedder, mirroring the producer-process lifecycle from the
// consumer's point of view.
type ConnectionState int

const (
	NoTargetProcess ConnectionState = iota
	NotConnected
	Connected
	ConnectedNoClient
	PermissionDenied
	InvalidVersion
	UnknownError
)

func (s ConnectionState) String() string {
	switch s {
	case NoTargetProcess:
		return "no-target-process"
	case NotConnected:
		return "not-connected"
	case Connected:
		return "connected"
	case ConnectedNoClient:
		return "connected-no-client"
	case PermissionDenied:
		return "permission-denied"
	case InvalidVersion:
		return "invalid-version"
	default:
		return "unknown-error"
	}
}

// ProtocolVersion is the wire/header version this consumer checks
// against a producer's segment. Version compatibility is equality,
// not range: any payload change bumps this and invalidates old
// segments outright.
const ProtocolVersion float32 = 1.0

const versionEpsilon float32 = 0.0001

// ProducerDeathCycles is the heartbeat silence threshold, in cycles,
// beyond which a connected producer is presumed gone.
const ProducerDeathCycles = 3_000_000_000

// maxBackoff bounds the attach retry delay.
const maxBackoff = 500 * time.Millisecond

// TraceRecord is one decoded scope trace with its string ids already
// resolved to text via the consumer's own interner.
type TraceRecord struct {
	ThreadIndex          uint32
	ThreadID             uint64
	Start, End           uint64
	File, Fn, Class      string
	Line                 uint32
	Depth, Zone          uint16
	FnNameWasDynamicHash bool
}

// Pending is a batch of typed records accumulated since the last
// TakePending call.
type Pending struct {
	Traces     []TraceRecord
	LockWaits  []wire.LockWaitRecord
	Unlocks    []wire.UnlockRecord
	CoreEvents []wire.CoreEventRecord
	Heartbeats int
}

// Server is a single consumer thread's state: an attached segment and
// ring buffer, its own string table, and the pending-record batch an
// embedder drains via TakePending.
type Server struct {
	pid int
	now func() uint64

	seg  *shmseg.Segment
	ring *ringbuf.RingBuffer
	intr *strtab.Interner

	mu      sync.Mutex
	pending Pending
	state   ConnectionState

	clearRequested bool
	recording      bool

	backoff time.Duration
}

// NewServer creates a consumer for the producer with the given pid.
// now supplies the consumer's own cycle clock (ordinarily
// cycleclock.Now); tests can substitute a fake.
func NewServer(pid int, now func() uint64) *Server {
	return &Server{
		pid:       pid,
		now:       now,
		intr:      strtab.New(),
		state:     NotConnected,
		recording: true,
	}
}

// State returns the current connection state.
func (s *Server) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AttachResult reports the outcome of a successful Attach beyond the
// plain fact of success.
type AttachResult struct {
	// DuplicateConsumer is true if another consumer's ConsumerConnected
	// bit was already set when we attached. We force-clear it and
	// proceed rather than refuse to attach — a crashed prior consumer
	// should not wedge the segment for every consumer after it — but
	// an embedder may want to surface this to an operator.
	DuplicateConsumer bool
}

// Attach tries once to open the producer's segment and bind to its
// already-running ring buffer's control state (ringbuf.Open, not New
// — the producer initialised it, so attaching must not reset it),
// mapping OS-level failures onto a ConnectionState. On success it
// verifies the version, reports itself as a (possibly duplicate)
// connected consumer, and advances the shared last-reset timestamp so
// stale pre-attach data is ignored.
//
// AttachWithBackoff is the usual entry point; Attach is exposed
// directly for tests and for embedders that want to manage their own
// retry policy.
func (s *Server) Attach(maxWorkers int) (AttachResult, error) {
	seg, err := shmseg.Open(s.pid)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			s.setState(NoTargetProcess)
		case errors.Is(err, fs.ErrPermission):
			s.setState(PermissionDenied)
		default:
			s.setState(UnknownError)
		}
		return AttachResult{}, fmt.Errorf("consumer: attach to pid %d: %w", s.pid, err)
	}

	if !seg.VersionMatches(ProtocolVersion, versionEpsilon) {
		seg.Close()
		s.setState(InvalidVersion)
		return AttachResult{}, fmt.Errorf("consumer: pid %d reports version %v, want %v", s.pid, seg.Version(), ProtocolVersion)
	}

	rb, err := ringbuf.Open(seg.RingData(), maxWorkers)
	if err != nil {
		seg.Close()
		s.setState(UnknownError)
		return AttachResult{}, fmt.Errorf("consumer: binding ring buffer over pid %d's segment: %w", s.pid, err)
	}

	result := AttachResult{DuplicateConsumer: seg.HasStateBit(shmseg.ConsumerConnected)}
	if result.DuplicateConsumer || seg.HasStateBit(shmseg.ConsumerListening) {
		// A previous consumer is still marked connected, or never
		// cleanly cleared its listening bit; force-clear both rather
		// than refuse to attach.
		seg.ClearStateBit(shmseg.ConsumerListening)
		seg.ClearStateBit(shmseg.ConsumerConnected)
	}

	seg.SetLastReset(s.now())
	seg.SetStateBit(shmseg.ConsumerConnected)
	if s.recording {
		seg.SetStateBit(shmseg.ConsumerListening)
	}

	s.seg = seg
	s.ring = rb
	s.setState(Connected)
	s.backoff = 0
	return result, nil
}

// AttachWithBackoff retries Attach until it succeeds, sleeping between
// attempts with exponential backoff capped at maxBackoff.
func (s *Server) AttachWithBackoff(maxWorkers int) AttachResult {
	for {
		result, err := s.Attach(maxWorkers)
		if err == nil {
			return result
		}
		if s.backoff == 0 {
			s.backoff = 10 * time.Millisecond
		} else {
			s.backoff *= 2
		}
		if s.backoff > maxBackoff {
			s.backoff = maxBackoff
		}
		time.Sleep(s.backoff)
	}
}

// Detach clears this consumer's state bits and unmaps the segment,
// unlinking it if the producer has also disconnected.
func (s *Server) Detach() error {
	if s.seg == nil {
		return nil
	}
	s.seg.ClearStateBit(shmseg.ConsumerListening)
	s.seg.ClearStateBit(shmseg.ConsumerConnected)

	bits := s.seg.StateBits()
	err := s.seg.Close()
	if bits&uint32(shmseg.ProducerConnected) == 0 {
		if uerr := s.seg.Unlink(); uerr != nil && err == nil {
			err = uerr
		}
	}
	s.seg = nil
	s.ring = nil
	s.setState(NotConnected)
	return err
}

// SetRecording toggles ConsumerListening, which gates whether the
// producer side emits anything beyond heartbeats.
func (s *Server) SetRecording(recording bool) {
	s.recording = recording
	if s.seg == nil {
		return
	}
	if recording {
		s.seg.SetStateBit(shmseg.ConsumerListening)
	} else {
		s.seg.ClearStateBit(shmseg.ConsumerListening)
	}
}

// RequestClear raises the clear flag, observed at the top of the next
// Poll call.
func (s *Server) RequestClear() {
	s.clearRequested = true
}

// Poll performs one iteration of the consumer loop: observe a clear
// request, consume and dispatch one contiguous run of bytes, and
// check the producer-death threshold. It is meant to be called
// repeatedly (e.g. in a loop with a short sleep) by an embedder that
// owns its own scheduling; this package provides no loop of its own.
func (s *Server) Poll() error {
	if s.seg == nil || s.ring == nil {
		return fmt.Errorf("consumer: Poll called while not attached")
	}

	if s.clearRequested {
		s.clearRequested = false
		s.drain()
		s.intr.Clear()
		s.seg.SetLastReset(s.now())
		return nil
	}

	region, ok := s.ring.Consume()
	if ok {
		lastReset := s.seg.LastReset()
		n, err := wire.Dispatch(region, lastReset, s.handlers())
		if err != nil {
			return fmt.Errorf("consumer: dispatch: %w", err)
		}
		s.ring.Release(n)
	}

	if s.now()-s.seg.LastHeartbeat() > ProducerDeathCycles {
		s.setState(ConnectedNoClient)
	} else if s.State() == ConnectedNoClient {
		s.setState(Connected)
	}

	return nil
}

func (s *Server) drain() {
	for {
		region, ok := s.ring.Consume()
		if !ok {
			return
		}
		s.ring.Release(len(region))
	}
}

func (s *Server) handlers() wire.Handlers {
	return wire.Handlers{
		StringData: func(_ wire.Header, m wire.StringDataMessage) {
			_ = s.intr.ApplyWireBytes(m.Data)
		},
		Traces: func(h wire.Header, m wire.TracesMessage) {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i := range m.Ends {
				start, dyn := wire.IsDynamicName(m.Starts[i])
				file, _ := s.intr.Lookup(strtab.StringId(m.FileIDs[i]))
				fn, _ := s.intr.Lookup(strtab.StringId(m.FnIDs[i]))
				var class string
				if i < len(m.ClassIDs) && m.ClassIDs[i] != 0 {
					class, _ = s.intr.Lookup(strtab.StringId(m.ClassIDs[i]))
				}
				s.pending.Traces = append(s.pending.Traces, TraceRecord{
					ThreadIndex:          h.ThreadIndex,
					ThreadID:             h.ThreadID,
					Start:                start,
					End:                  m.Ends[i],
					File:                 file,
					Fn:                   fn,
					Class:                class,
					Line:                 m.LineNumbers[i],
					Depth:                m.Depths[i],
					Zone:                 m.Zones[i],
					FnNameWasDynamicHash: dyn,
				})
			}
		},
		LockWait: func(_ wire.Header, recs []wire.LockWaitRecord) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.pending.LockWaits = append(s.pending.LockWaits, recs...)
		},
		UnlockEvent: func(_ wire.Header, recs []wire.UnlockRecord) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.pending.Unlocks = append(s.pending.Unlocks, recs...)
		},
		CoreEvent: func(_ wire.Header, recs []wire.CoreEventRecord) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.pending.CoreEvents = append(s.pending.CoreEvents, mergeCoreEvents(recs)...)
		},
		Heartbeat: func(wire.Header) {
			s.mu.Lock()
			s.pending.Heartbeats++
			s.mu.Unlock()
		},
	}
}

// mergeCoreEventThreshold is the coalescing gap (in cycles,
// approximating 10 microseconds) below which consecutive same-core
// spans are merged into one.
const mergeCoreEventThreshold = 30_000

func mergeCoreEvents(recs []wire.CoreEventRecord) []wire.CoreEventRecord {
	if len(recs) == 0 {
		return nil
	}
	out := make([]wire.CoreEventRecord, 0, len(recs))
	cur := recs[0]
	for _, r := range recs[1:] {
		if r.Core == cur.Core && r.Start-cur.End < mergeCoreEventThreshold {
			cur.End = r.End
			continue
		}
		out = append(out, cur)
		cur = r
	}
	return append(out, cur)
}

// TakePending atomically swaps out the accumulated batch, resetting
// the server's internal accumulator.
func (s *Server) TakePending() Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = Pending{}
	return p
}

func (s *Server) setState(st ConnectionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// TSCFrequencyHz returns the attached producer's calibrated TSC
// frequency, or 0 if not attached.
func (s *Server) TSCFrequencyHz() uint64 {
	if s.seg == nil {
		return 0
	}
	return s.seg.TSCFrequencyHz()
}

// SegmentSize returns the attached producer's requested ring-buffer
// size in bytes, or 0 if not attached.
func (s *Server) SegmentSize() uint64 {
	if s.seg == nil {
		return 0
	}
	return s.seg.RequestedSize()
}

// ProducerPID returns the pid this server is attached (or attempting
// to attach) to.
func (s *Server) ProducerPID() int {
	return s.pid
}
