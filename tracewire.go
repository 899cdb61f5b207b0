// Package tracewire is the client-facing tracing runtime: a process
// wide shared-memory segment plus one lazily-created recorder.Recorder
// per OS thread, reached through a small set of package-level
// functions for opening/closing scopes and recording mutex waits.
//
// There is exactly one runtime per process: Initialize creates the
// shared segment and calibrates the cycle clock; Shutdown tears both
// down. Every exported function here is safe to call before
// Initialize or after Shutdown — they become no-ops, matching error
// kind 1's "the instrumented program continues without profiling".
package tracewire

import (
	"fmt"
	"os"
	"sync"

	"github.com/tracewire/tracewire/consumer"
	"github.com/tracewire/tracewire/cycleclock"
	"github.com/tracewire/tracewire/internal/oncelog"
	"github.com/tracewire/tracewire/recorder"
	"github.com/tracewire/tracewire/ringbuf"
	"github.com/tracewire/tracewire/shmseg"
	"github.com/tracewire/tracewire/strtab"
)

// Config holds the runtime's compile-time-constants-with-overrides, in
// the same spirit as the original's MAX_THREADS/SHM_BYTES/
// MIN_LOCK_CYCLES/HEARTBEAT_CYCLES macros. A zero value for any field
// means "use the default".
type Config struct {
	MaxThreads      int
	ShmBytes        int
	MinLockCycles   uint64
	HeartbeatCycles uint64
}

const (
	defaultMaxThreads = 64
	defaultShmBytes   = 32_000_000
)

// DefaultConfig returns the documented defaults: 64 threads, a 32 MB
// segment, a 1000-cycle minimum lock wait, and a 10^8-cycle heartbeat
// interval.
func DefaultConfig() Config {
	return applyDefaults(Config{})
}

func applyDefaults(cfg Config) Config {
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = defaultMaxThreads
	}
	if cfg.ShmBytes <= 0 {
		cfg.ShmBytes = defaultShmBytes
	}
	if cfg.MinLockCycles == 0 {
		cfg.MinLockCycles = recorder.MinLockCycles
	}
	if cfg.HeartbeatCycles == 0 {
		cfg.HeartbeatCycles = recorder.HeartbeatIntervalCycles
	}
	return cfg
}

// Runtime is the process-wide state shared by every thread's Recorder:
// the shared segment, its ring buffer, and the connection bookkeeping
// a recorder.Hub needs. It implements recorder.Hub except for
// Interner, which is thread-private and supplied by threadHub.
type Runtime struct {
	seg  *shmseg.Segment
	ring *ringbuf.RingBuffer

	minLockCycles   uint64
	heartbeatCycles uint64

	mu        sync.Mutex
	nextIndex uint32

	log *oncelog.Logger
}

func (rt *Runtime) Now() uint64                { return cycleclock.Now() }
func (rt *Runtime) LastResetTimestamp() uint64 { return rt.seg.LastReset() }
func (rt *Runtime) MarkHeartbeat(now uint64)   { rt.seg.SetLastHeartbeat(now) }

func (rt *Runtime) CurrentCore() uint32     { _, core := cycleclock.NowWithCore(); return core }
func (rt *Runtime) ConsumerConnected() bool { return rt.seg.HasStateBit(shmseg.ConsumerConnected) }
func (rt *Runtime) ConsumerListening() bool { return rt.seg.HasStateBit(shmseg.ConsumerListening) }

func (rt *Runtime) RegisterWorker() (*ringbuf.Worker, error) { return rt.ring.Register() }

func (rt *Runtime) ShouldSendHeartbeat(now uint64) bool {
	return now-rt.seg.LastHeartbeat() >= rt.heartbeatCycles
}

func (rt *Runtime) NextThreadIndex() uint32 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.nextIndex
	rt.nextIndex++
	return idx
}

// TSCFrequencyHz, SegmentSize and ProducerPID mirror the accessors
// consumer.Server exposes on the viewer side, so an embedder that
// links both the producer and a same-process viewer doesn't need to
// re-derive them.
func (rt *Runtime) TSCFrequencyHz() uint64 { return rt.seg.TSCFrequencyHz() }
func (rt *Runtime) SegmentSize() uint64    { return rt.seg.RequestedSize() }
func (rt *Runtime) ProducerPID() int       { return os.Getpid() }

// threadHub gives one OS thread's Recorder a private string interner
// while sharing everything else with the process-wide Runtime.
// Interners are not safe for concurrent use, and strtab's contract
// requires exactly one owner per instance; sharing rt's Interner
// across threads would violate that.
type threadHub struct {
	*Runtime
	interner *strtab.Interner
}

func (h *threadHub) Interner() *strtab.Interner { return h.interner }

var (
	stateMu sync.RWMutex
	rt      *Runtime
	threads map[int32]*recorder.Recorder
)

// Initialize creates the shared segment, calibrates the cycle clock,
// and prepares per-thread recorder dispatch. It is not safe to call
// concurrently with itself or Shutdown, and returns an error (rather
// than panicking) on any failure, per error kind 1: the caller is
// expected to continue running uninstrumented.
func Initialize(cfg Config) error {
	stateMu.Lock()
	defer stateMu.Unlock()

	if rt != nil {
		return fmt.Errorf("tracewire: already initialized")
	}
	if !threadIDSupported {
		return fmt.Errorf("tracewire: no per-OS-thread id available on this platform")
	}
	if !cycleclock.Supported() {
		return fmt.Errorf("tracewire: no serialising cycle counter on this host")
	}

	cfg = applyDefaults(cfg)

	freq := cycleclock.EstimateFrequencyHz()
	seg, err := shmseg.Create(os.Getpid(), consumer.ProtocolVersion, freq, uint32(cfg.MaxThreads), cfg.ShmBytes)
	if err != nil {
		return fmt.Errorf("tracewire: creating shared segment: %w", err)
	}

	ring, err := ringbuf.New(seg.RingData(), cfg.MaxThreads)
	if err != nil {
		seg.Close()
		seg.Unlink()
		return fmt.Errorf("tracewire: binding ring buffer over segment: %w", err)
	}

	r := &Runtime{
		seg:             seg,
		ring:            ring,
		minLockCycles:   cfg.MinLockCycles,
		heartbeatCycles: cfg.HeartbeatCycles,
		log:             oncelog.New(),
	}
	seg.SetStateBit(shmseg.ProducerConnected)

	rt = r
	threads = make(map[int32]*recorder.Recorder)
	return nil
}

// Shutdown clears this producer's connected bit, unmaps the segment
// (unlinking it if no consumer is attached), and discards every
// thread's Recorder. It is a no-op if Initialize was never called or
// already undone.
func Shutdown() {
	stateMu.Lock()
	defer stateMu.Unlock()

	if rt == nil {
		return
	}
	rt.seg.ClearStateBit(shmseg.ProducerConnected)
	bits := rt.seg.StateBits()
	rt.seg.Close()
	if bits&uint32(shmseg.ConsumerConnected) == 0 {
		rt.seg.Unlink()
	}
	rt = nil
	threads = nil
}

// threadRecorder returns (lazily creating, if necessary) the calling
// OS thread's Recorder, or nil if the runtime isn't initialized. The
// common case — an already-registered thread — only takes a read
// lock; creation upgrades to a write lock and re-checks, since another
// goroutine on the same thread could race it.
func threadRecorder() *recorder.Recorder {
	stateMu.RLock()
	if rt == nil {
		stateMu.RUnlock()
		return nil
	}
	tid := currentThreadID()
	if r, ok := threads[tid]; ok {
		stateMu.RUnlock()
		return r
	}
	stateMu.RUnlock()

	stateMu.Lock()
	defer stateMu.Unlock()
	if rt == nil {
		return nil
	}
	if r, ok := threads[tid]; ok {
		return r
	}

	hub := &threadHub{Runtime: rt, interner: strtab.New()}
	r, err := recorder.New(hub, uint64(tid))
	if err != nil {
		rt.log.Report("thread-register-failed", "registering OS thread %d: %v", tid, err)
		return nil
	}
	r.MinLockCycles = rt.minLockCycles
	threads[tid] = r
	return r
}
