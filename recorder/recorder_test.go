package recorder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracewire/tracewire/ringbuf"
	"github.com/tracewire/tracewire/strtab"
	"github.com/tracewire/tracewire/wire"
)

// fakeHub is a minimal in-process Hub for exercising Recorder without
// a real shared-memory segment.
type fakeHub struct {
	now       uint64
	lastReset uint64
	connected bool
	listening bool
	lastBeat  uint64
	beatDue   bool
	interner  *strtab.Interner
	rb        *ringbuf.RingBuffer
	nextIndex uint32
	core      uint32
}

func newFakeHub(t *testing.T) *fakeHub {
	rb, err := ringbuf.New(make([]byte, 65536), 8)
	require.NoError(t, err)
	return &fakeHub{
		connected: true,
		listening: true,
		interner:  strtab.New(),
		rb:        rb,
	}
}

// Now advances by 2 per call: like cycleclock.Now, it never sets the
// low bit, which the recorder reserves for the dynamic-name flag.
func (h *fakeHub) Now() uint64 {
	h.now += 2
	return h.now
}
func (h *fakeHub) LastResetTimestamp() uint64          { return h.lastReset }
func (h *fakeHub) ConsumerConnected() bool             { return h.connected }
func (h *fakeHub) ConsumerListening() bool             { return h.listening }
func (h *fakeHub) MarkHeartbeat(now uint64)            { h.lastBeat = now }
func (h *fakeHub) ShouldSendHeartbeat(now uint64) bool { return h.beatDue }
func (h *fakeHub) Interner() *strtab.Interner          { return h.interner }
func (h *fakeHub) NextThreadIndex() uint32 {
	idx := h.nextIndex
	h.nextIndex++
	return idx
}
func (h *fakeHub) RegisterWorker() (*ringbuf.Worker, error) {
	return h.rb.Register()
}
func (h *fakeHub) CurrentCore() uint32 { return h.core }

func drainOneTraces(t *testing.T, hub *fakeHub) wire.TracesMessage {
	t.Helper()
	region, ok := hub.rb.Consume()
	require.True(t, ok, "expected a published message")
	var got wire.TracesMessage
	n, err := wire.Dispatch(region, 0, wire.Handlers{
		Traces: func(_ wire.Header, tm wire.TracesMessage) { got = tm },
	})
	require.NoError(t, err)
	hub.rb.Release(n)
	return got
}

func TestSingleScopeStaticName(t *testing.T) {
	hub := newFakeHub(t)
	r, err := New(hub, 1)
	require.NoError(t, err)

	r.Enter("f.cpp", 10, "work", 0)
	r.Leave()

	var sawStrings, sawTraces bool
	var traces wire.TracesMessage
	for {
		region, ok := hub.rb.Consume()
		if !ok {
			break
		}
		n, err := wire.Dispatch(region, 0, wire.Handlers{
			StringData: func(wire.Header, wire.StringDataMessage) { sawStrings = true },
			Traces: func(_ wire.Header, tm wire.TracesMessage) {
				sawTraces = true
				traces = tm
			},
		})
		require.NoError(t, err)
		hub.rb.Release(n)
	}

	require.True(t, sawStrings)
	require.True(t, sawTraces)
	require.Equal(t, 1, len(traces.Ends))
	require.Equal(t, uint16(0), traces.Depths[0])
	require.Equal(t, uint32(10), traces.LineNumbers[0])
	require.Equal(t, uint16(0), traces.Zones[0])
	_, dyn := wire.IsDynamicName(traces.Starts[0])
	require.False(t, dyn)
}

func TestNestedScopeZoneSwitch(t *testing.T) {
	hub := newFakeHub(t)
	r, err := New(hub, 1)
	require.NoError(t, err)

	r.Enter("a", 1, "outer", 0)
	r.Enter("a", 2, "inner", 5)
	r.Leave()
	r.Leave()

	traces := drainOneTraces(t, hub)
	require.Equal(t, 2, len(traces.Ends))
	require.Equal(t, []uint16{1, 0}, traces.Depths)
	require.Equal(t, []uint16{5, 0}, traces.Zones)
	require.GreaterOrEqual(t, traces.Ends[1], traces.Ends[0])
}

func TestDynamicName(t *testing.T) {
	hub := newFakeHub(t)
	r, err := New(hub, 1)
	require.NoError(t, err)

	r.EnterDynamic("a", 3, "job-42", 0)
	r.Leave()

	traces := drainOneTraces(t, hub)
	require.Equal(t, 1, len(traces.Ends))
	_, dyn := wire.IsDynamicName(traces.Starts[0])
	require.True(t, dyn)
	require.Equal(t, uint64(hub.Interner().InternDynamic("job-42")), traces.FnIDs[0])
}

func TestLockWaitAndUnlock(t *testing.T) {
	hub := newFakeHub(t)
	r, err := New(hub, 1)
	require.NoError(t, err)
	r.MinLockCycles = 1 // hub.Now() advances by 2 per call; keep the 2-cycle wait

	const mutex = uint64(0xDEAD)
	r.AcquireLock(mutex)
	r.LockAcquired()
	r.Enter("a", 1, "f", 0)
	r.Leave()
	r.ReleaseLock(mutex)
	r.Enter("a", 1, "f", 0)
	r.Leave()

	var lockWaits []wire.LockWaitRecord
	var unlocks []wire.UnlockRecord
	for {
		region, ok := hub.rb.Consume()
		if !ok {
			break
		}
		n, err := wire.Dispatch(region, 0, wire.Handlers{
			StringData:  func(wire.Header, wire.StringDataMessage) {},
			Traces:      func(wire.Header, wire.TracesMessage) {},
			LockWait:    func(_ wire.Header, lw []wire.LockWaitRecord) { lockWaits = append(lockWaits, lw...) },
			UnlockEvent: func(_ wire.Header, ue []wire.UnlockRecord) { unlocks = append(unlocks, ue...) },
		})
		require.NoError(t, err)
		hub.rb.Release(n)
	}

	require.Len(t, lockWaits, 1)
	require.Equal(t, mutex, lockWaits[0].Mutex)
	require.GreaterOrEqual(t, lockWaits[0].End, lockWaits[0].Start)

	require.Len(t, unlocks, 1)
	require.Equal(t, mutex, unlocks[0].Mutex)
}

func TestShortLockWaitDiscarded(t *testing.T) {
	hub := newFakeHub(t)
	r, err := New(hub, 1)
	require.NoError(t, err)
	r.MinLockCycles = 1_000_000 // hub.Now() increments by 2 each call, never reaches this

	r.AcquireLock(1)
	r.LockAcquired()
	r.Enter("a", 1, "f", 0)
	r.Leave()

	var lockWaits []wire.LockWaitRecord
	for {
		region, ok := hub.rb.Consume()
		if !ok {
			break
		}
		n, err := wire.Dispatch(region, 0, wire.Handlers{
			StringData: func(wire.Header, wire.StringDataMessage) {},
			Traces:     func(wire.Header, wire.TracesMessage) {},
			LockWait:   func(_ wire.Header, lw []wire.LockWaitRecord) { lockWaits = append(lockWaits, lw...) },
		})
		require.NoError(t, err)
		hub.rb.Release(n)
	}
	require.Empty(t, lockWaits)
}

func TestLeaveImbalanceToleratedByDefault(t *testing.T) {
	hub := newFakeHub(t)
	r, err := New(hub, 1)
	require.NoError(t, err)

	require.NotPanics(t, func() { r.Leave() })
}

func TestLeaveImbalancePanicsWithDebugAssert(t *testing.T) {
	hub := newFakeHub(t)
	r, err := New(hub, 1)
	require.NoError(t, err)
	r.DebugAssertBalance = true

	require.Panics(t, func() { r.Leave() })
}

func TestResetDropsInFlightTraces(t *testing.T) {
	hub := newFakeHub(t)
	r, err := New(hub, 1)
	require.NoError(t, err)

	r.Enter("a", 1, "f", 0)
	hub.lastReset = 1_000_000_000 // consumer requested a clear mid-scope
	r.Leave()

	_, ok := hub.rb.Consume()
	require.False(t, ok, "no frames should be published across a reset")
}

func TestNoListenerDiscardsBuffers(t *testing.T) {
	hub := newFakeHub(t)
	hub.listening = false
	r, err := New(hub, 1)
	require.NoError(t, err)

	r.Enter("a", 1, "f", 0)
	r.Leave()

	_, ok := hub.rb.Consume()
	require.False(t, ok)
}

func TestCoreMigrationEmitsCoreEvent(t *testing.T) {
	hub := newFakeHub(t)
	r, err := New(hub, 1)
	require.NoError(t, err)

	r.Enter("a", 1, "f", 0)
	hub.core = 3
	r.Leave()

	var events []wire.CoreEventRecord
	for {
		region, ok := hub.rb.Consume()
		if !ok {
			break
		}
		n, err := wire.Dispatch(region, 0, wire.Handlers{
			StringData: func(wire.Header, wire.StringDataMessage) {},
			Traces:     func(wire.Header, wire.TracesMessage) {},
			CoreEvent:  func(_ wire.Header, ce []wire.CoreEventRecord) { events = append(events, ce...) },
		})
		require.NoError(t, err)
		hub.rb.Release(n)
	}

	require.Len(t, events, 1)
	require.Equal(t, uint32(0), events[0].Core)
	require.Less(t, events[0].Start, events[0].End)
}

func TestOversizeRecordDroppedAndLoggedOnce(t *testing.T) {
	hub := newFakeHub(t)
	rb, err := ringbuf.New(make([]byte, 64), 1) // leaves a tiny ring area, too small for a TRACES + STRING_DATA flush
	require.NoError(t, err)
	hub.rb = rb

	r, err := New(hub, 1)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		r.Enter("a-fairly-long-file-name.go", uint32(i), "aFairlyLongFunctionName", 0)
		r.Leave()
	}

	require.True(t, r.log.HasReported("oversize-record"))
}
