// Package recorder implements the per-thread capture state: growing
// arrays of scope traces, lock waits, and unlock events, plus the
// flush logic that turns a thread's pending records into wire
// messages and publishes them through a shared ring buffer.
//
// Depth tracking uses an explicit stack of open-trace indices rather
// than repurposing a finalized record field to hold the previous
// index — stacking two meanings onto one field makes the growing
// array harder to reason about for no real saving in Go, where a
// slice-backed stack is just as cheap.
package recorder

import (
	"fmt"

	"github.com/tracewire/tracewire/internal/oncelog"
	"github.com/tracewire/tracewire/ringbuf"
	"github.com/tracewire/tracewire/strtab"
	"github.com/tracewire/tracewire/wire"
)

// HeartbeatIntervalCycles is the default gap between heartbeats while
// a consumer is connected.
const HeartbeatIntervalCycles = 100_000_000

// MinLockCycles is the default minimum lock-wait duration worth
// emitting; shorter waits are removed from the lock-wait array when
// LockAcquired closes them, so no flush ever emits them.
const MinLockCycles = 1000

// Hub is the process-wide state a thread's Recorder flushes into: the
// shared ring buffer, string interner, and connection bookkeeping.
// tracewire's root package implements Hub over a shmseg.Segment and a
// cycleclock-driven clock; tests can supply a fake.
type Hub interface {
	Now() uint64
	LastResetTimestamp() uint64
	ConsumerConnected() bool
	ConsumerListening() bool
	MarkHeartbeat(now uint64)
	ShouldSendHeartbeat(now uint64) bool
	Interner() *strtab.Interner
	RegisterWorker() (*ringbuf.Worker, error)
	NextThreadIndex() uint32
	CurrentCore() uint32
}

type trace struct {
	start, end   uint64
	fileID, fnID strtab.StringId
	line         uint32
	depth, zone  uint16
	classID      strtab.StringId
}

type lockWait struct {
	mutex      uint64
	start, end uint64
	depth      uint16
}

type unlock struct {
	mutex uint64
	time  uint64
}

type coreSpan struct {
	core       uint32
	start, end uint64
}

// Recorder is the capture state for exactly one thread. It must only
// ever be called from that thread: there is no internal locking.
type Recorder struct {
	hub Hub

	threadID     uint64
	threadIndex  uint32
	threadName   string
	threadNameID strtab.StringId

	traces    []trace
	openTrace []int

	lockWaits []lockWait
	openLock  []int

	unlocks []unlock

	coreSpans   []coreSpan
	curCore     uint32
	curCoreOpen bool
	curCoreFrom uint64

	localLastReset uint64
	level          uint16

	worker *ringbuf.Worker
	log    *oncelog.Logger

	// DebugAssertBalance, when true, panics on a Leave/LockAcquired
	// call with no matching open frame instead of silently clamping at
	// zero. It defaults to false, matching the tolerant release-build
	// behavior of unbalanced instrumentation; the tests enable it only
	// where they check the panic.
	DebugAssertBalance bool

	// MinLockCycles discards lock-waits shorter than this many cycles.
	// Zero means "use the package default".
	MinLockCycles uint64
}

// New creates a Recorder for the calling thread, identified by
// threadID (an OS thread id, or any caller-chosen unique value).
func New(hub Hub, threadID uint64) (*Recorder, error) {
	w, err := hub.RegisterWorker()
	if err != nil {
		return nil, fmt.Errorf("recorder: registering ring worker: %w", err)
	}
	r := &Recorder{
		hub:            hub,
		threadID:       threadID,
		threadIndex:    hub.NextThreadIndex(),
		worker:         w,
		localLastReset: hub.LastResetTimestamp(),
		log:            oncelog.New(),
	}
	return r, nil
}

// SetThreadName records name for this thread. It is idempotent and
// interned lazily on the next flush.
func (r *Recorder) SetThreadName(name string) {
	r.threadName = name
}

// Enter opens a new scope with a static function name. zone is a
// small caller-defined category tag (0..255; 0 is the default zone).
//
// file and fn are interned immediately (rather than deferred to the
// next flush, as the source this is modeled on does it): a Go
// StringId cannot be turned back into its original text without a
// side table, so there is nothing to gain from batching the interning
// step, and interning eagerly does not change the interner's
// delta-shipping behavior.
func (r *Recorder) Enter(file string, line uint32, fn string, zone uint16) {
	now := r.hub.Now()
	r.sampleCore(now)
	in := r.hub.Interner()
	fileID := in.InternStatic(file)
	fnID := in.InternStatic(fn)
	r.push(now, fileID, fnID, line, zone, false)
}

// EnterDynamic opens a new scope whose function name is computed at
// runtime (not a string literal) and must be interned dynamically.
func (r *Recorder) EnterDynamic(file string, line uint32, fn string, zone uint16) {
	now := r.hub.Now()
	r.sampleCore(now)
	in := r.hub.Interner()
	fileID := in.InternStatic(file)
	fnID := in.InternDynamic(fn)
	r.push(now, fileID, fnID, line, zone, true)
}

// EnterClass behaves like Enter, but also tags the scope with the
// name of its enclosing class or module, carried on the wire in the
// trace's optional ClassID column. An empty class means "no class",
// identical to never calling this variant.
func (r *Recorder) EnterClass(file string, line uint32, fn string, zone uint16, class string) {
	now := r.hub.Now()
	r.sampleCore(now)
	in := r.hub.Interner()
	fileID := in.InternStatic(file)
	fnID := in.InternStatic(fn)
	classID := in.InternStatic(class)
	r.pushClass(now, fileID, fnID, line, zone, false, classID)
}

func (r *Recorder) push(now uint64, fileID, fnID strtab.StringId, line uint32, zone uint16, dynamic bool) {
	r.pushClass(now, fileID, fnID, line, zone, dynamic, strtab.NoString)
}

func (r *Recorder) pushClass(now uint64, fileID, fnID strtab.StringId, line uint32, zone uint16, dynamic bool, classID strtab.StringId) {
	start := now
	if dynamic {
		start |= 1
	}
	r.openTrace = append(r.openTrace, len(r.traces))
	r.traces = append(r.traces, trace{
		start:   start,
		fileID:  fileID,
		fnID:    fnID,
		line:    line,
		depth:   r.level,
		zone:    zone,
		classID: classID,
	})
	r.level++
}

// Leave closes the most recently opened scope. If the outermost scope
// just closed (depth returns to zero), this triggers a flush.
func (r *Recorder) Leave() {
	now := r.hub.Now()
	r.sampleCore(now)
	if len(r.openTrace) == 0 {
		if r.DebugAssertBalance {
			panic("recorder: Leave called with no open scope")
		}
		return
	}
	idx := r.openTrace[len(r.openTrace)-1]
	r.openTrace = r.openTrace[:len(r.openTrace)-1]
	r.traces[idx].end = now

	if r.level > 0 {
		r.level--
	}
	if r.level == 0 {
		r.flush()
	}
}

// AcquireLock records the start of a blocking attempt to acquire m.
func (r *Recorder) AcquireLock(mutex uint64) {
	now := r.hub.Now()
	r.openLock = append(r.openLock, len(r.lockWaits))
	r.lockWaits = append(r.lockWaits, lockWait{mutex: mutex, start: now, depth: r.level})
}

// LockAcquired closes the most recently opened lock-wait, recording
// when the mutex was actually acquired. Waits shorter than
// MinLockCycles (or MinLockCycles if unset) are dropped.
func (r *Recorder) LockAcquired() {
	now := r.hub.Now()
	if len(r.openLock) == 0 {
		if r.DebugAssertBalance {
			panic("recorder: LockAcquired called with no open lock-wait")
		}
		return
	}
	idx := r.openLock[len(r.openLock)-1]
	r.openLock = r.openLock[:len(r.openLock)-1]
	r.lockWaits[idx].end = now

	min := r.MinLockCycles
	if min == 0 {
		min = MinLockCycles
	}
	if now-r.lockWaits[idx].start < min {
		r.lockWaits = r.lockWaits[:idx]
	}
}

// ReleaseLock records that m was released at the current time.
func (r *Recorder) ReleaseLock(mutex uint64) {
	now := r.hub.Now()
	r.unlocks = append(r.unlocks, unlock{mutex: mutex, time: now})
}

// sampleCore checks the thread's current core against the span open
// since the last sample, closing and recording it if the thread has
// migrated. A span stays open across flushes until it actually ends;
// there is no periodic timer forcing one closed.
func (r *Recorder) sampleCore(now uint64) {
	core := r.hub.CurrentCore()
	if !r.curCoreOpen {
		r.curCore = core
		r.curCoreFrom = now
		r.curCoreOpen = true
		return
	}
	if core == r.curCore {
		return
	}
	r.coreSpans = append(r.coreSpans, coreSpan{core: r.curCore, start: r.curCoreFrom, end: now})
	r.curCore = core
	r.curCoreFrom = now
}

// flush turns pending records into wire messages and reserves/publishes
// them through the shared ring buffer, in the order: heartbeat (if
// due), string data, traces, lock-waits, unlocks.
func (r *Recorder) flush() {
	now := r.hub.Now()

	if r.hub.ConsumerConnected() && r.hub.ShouldSendHeartbeat(now) {
		r.emitHeartbeat(now)
	}

	if !r.hub.ConsumerListening() {
		r.resetBuffers()
		return
	}

	reset := r.hub.LastResetTimestamp()
	if r.localLastReset < reset {
		r.hub.Interner().Clear()
		r.localLastReset = reset
		r.resetBuffers()
		if r.threadName != "" {
			r.threadNameID = r.hub.Interner().InternDynamic(r.threadName)
		}
		return
	}

	if r.threadName != "" {
		r.threadNameID = r.hub.Interner().InternDynamic(r.threadName)
	}
	r.emitStringData(now)
	r.emitTraces(now)
	r.emitLockWaits(now)
	r.emitUnlocks(now)
	r.emitCoreEvents(now)

	r.resetBuffers()
}

func (r *Recorder) resetBuffers() {
	r.traces = r.traces[:0]
	r.lockWaits = r.lockWaits[:0]
	r.unlocks = r.unlocks[:0]
	r.coreSpans = r.coreSpans[:0]
	r.openTrace = r.openTrace[:0]
	r.openLock = r.openLock[:0]
	r.level = 0
}

func (r *Recorder) emitHeartbeat(now uint64) {
	h := wire.Header{ThreadIndex: r.threadIndex, ThreadID: r.threadID, Timestamp: now, ThreadNameID: uint64(r.threadNameID)}
	buf := wire.EncodeHeartbeat(h)
	r.reserveAndPublish(buf)
	r.hub.MarkHeartbeat(now)
}

func (r *Recorder) emitStringData(now uint64) {
	in := r.hub.Interner()
	data := in.NewBytes()
	if len(data) == 0 {
		return
	}
	h := wire.Header{ThreadIndex: r.threadIndex, ThreadID: r.threadID, Timestamp: now, ThreadNameID: uint64(r.threadNameID)}
	buf := wire.EncodeStringData(h, wire.StringDataMessage{Data: data})
	if r.reserveAndPublish(buf) {
		in.MarkShipped()
	}
}

func (r *Recorder) emitTraces(now uint64) {
	if len(r.traces) == 0 {
		return
	}
	m := wire.TracesMessage{
		Ends:        make([]uint64, len(r.traces)),
		Starts:      make([]uint64, len(r.traces)),
		FileIDs:     make([]uint64, len(r.traces)),
		FnIDs:       make([]uint64, len(r.traces)),
		LineNumbers: make([]uint32, len(r.traces)),
		Depths:      make([]uint16, len(r.traces)),
		Zones:       make([]uint16, len(r.traces)),
		ClassIDs:    make([]uint64, len(r.traces)),
	}
	// r.traces is in enter order; emit in completion order, so every
	// scope follows the scopes nested inside it.
	order := make([]int, 0, len(r.traces))
	var open []int
	for i, t := range r.traces {
		for len(open) > 0 && r.traces[open[len(open)-1]].depth >= t.depth {
			order = append(order, open[len(open)-1])
			open = open[:len(open)-1]
		}
		open = append(open, i)
	}
	for len(open) > 0 {
		order = append(order, open[len(open)-1])
		open = open[:len(open)-1]
	}
	for i, idx := range order {
		t := r.traces[idx]
		m.Ends[i] = t.end
		m.Starts[i] = t.start
		m.FileIDs[i] = uint64(t.fileID)
		m.FnIDs[i] = uint64(t.fnID)
		m.LineNumbers[i] = t.line
		m.Depths[i] = t.depth
		m.Zones[i] = t.zone
		m.ClassIDs[i] = uint64(t.classID)
	}
	h := wire.Header{ThreadIndex: r.threadIndex, ThreadID: r.threadID, Timestamp: now, ThreadNameID: uint64(r.threadNameID)}
	buf := wire.EncodeTraces(h, m)
	r.reserveAndPublish(buf)
}

func (r *Recorder) emitLockWaits(now uint64) {
	if len(r.lockWaits) == 0 {
		return
	}
	recs := make([]wire.LockWaitRecord, len(r.lockWaits))
	for i, lw := range r.lockWaits {
		recs[i] = wire.LockWaitRecord{Mutex: lw.mutex, Start: lw.start, End: lw.end, Depth: lw.depth}
	}
	h := wire.Header{ThreadIndex: r.threadIndex, ThreadID: r.threadID, Timestamp: now, ThreadNameID: uint64(r.threadNameID)}
	buf := wire.EncodeLockWait(h, recs)
	r.reserveAndPublish(buf)
}

func (r *Recorder) emitUnlocks(now uint64) {
	if len(r.unlocks) == 0 {
		return
	}
	recs := make([]wire.UnlockRecord, len(r.unlocks))
	for i, u := range r.unlocks {
		recs[i] = wire.UnlockRecord{Mutex: u.mutex, Time: u.time}
	}
	h := wire.Header{ThreadIndex: r.threadIndex, ThreadID: r.threadID, Timestamp: now, ThreadNameID: uint64(r.threadNameID)}
	buf := wire.EncodeUnlockEvent(h, recs)
	r.reserveAndPublish(buf)
}

func (r *Recorder) emitCoreEvents(now uint64) {
	if len(r.coreSpans) == 0 {
		return
	}
	recs := make([]wire.CoreEventRecord, len(r.coreSpans))
	for i, c := range r.coreSpans {
		recs[i] = wire.CoreEventRecord{Start: c.start, End: c.end, Core: c.core}
	}
	h := wire.Header{ThreadIndex: r.threadIndex, ThreadID: r.threadID, Timestamp: now, ThreadNameID: uint64(r.threadNameID)}
	buf := wire.EncodeCoreEvent(h, recs)
	r.reserveAndPublish(buf)
}

// reserveAndPublish reserves len(msg) bytes in the shared ring buffer,
// copies msg into the reservation, and publishes it. It reports
// whether the reservation succeeded; a false result means the message
// was dropped for this flush (buffer full or the message itself
// exceeds capacity), matching the documented drop-on-saturation
// policy.
func (r *Recorder) reserveAndPublish(msg []byte) bool {
	buf, ok, err := r.worker.Acquire(len(msg))
	if err != nil {
		r.log.Report("oversize-record", "dropping a %d-byte batch that can never fit the ring buffer: %v", len(msg), err)
		return false
	}
	if !ok {
		// Buffer full: an expected, transient condition under load.
		// Not logged — it resolves itself once the consumer releases
		// bytes, and logging it would spam exactly when the profiler
		// is busiest.
		return false
	}
	copy(buf, msg)
	r.worker.Produce()
	return true
}
