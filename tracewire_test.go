package tracewire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracewire/tracewire/shmseg"
	"github.com/tracewire/tracewire/wire"
)

func TestInitializeRejectsDoubleInit(t *testing.T) {
	require.NoError(t, Initialize(Config{MaxThreads: 4, ShmBytes: 65536}))
	defer Shutdown()

	err := Initialize(DefaultConfig())
	require.Error(t, err)
}

func TestCallsBeforeInitializeAreNoops(t *testing.T) {
	require.Nil(t, rt)

	require.NotPanics(t, func() {
		SetThreadName("main")
		Enter("a.go", 1, "f", 0)
		Leave()
		unlock := LockGuard(0xABC)
		unlock()
	})
}

func TestScopeAndLockGuardPublishRecords(t *testing.T) {
	require.NoError(t, Initialize(Config{MaxThreads: 4, ShmBytes: 65536, MinLockCycles: 1}))
	defer Shutdown()
	// Stand in for an attached consumer: with no listener a flush
	// discards its records instead of publishing them.
	rt.seg.SetStateBit(shmseg.ConsumerListening)

	func() {
		defer Scope("svc.go", 42, "HandleRequest", 2)()
		unlock := LockGuard(0xDEAD)
		defer unlock()
	}()

	var sawTraces, sawLockWait, sawUnlock bool
	for {
		region, ok := rt.ring.Consume()
		if !ok {
			break
		}
		n, err := wire.Dispatch(region, 0, wire.Handlers{
			StringData:  func(wire.Header, wire.StringDataMessage) {},
			Traces:      func(_ wire.Header, m wire.TracesMessage) { sawTraces = len(m.Ends) == 1 },
			LockWait:    func(_ wire.Header, lw []wire.LockWaitRecord) { sawLockWait = len(lw) == 1 },
			UnlockEvent: func(_ wire.Header, ue []wire.UnlockRecord) { sawUnlock = len(ue) == 1 },
		})
		require.NoError(t, err)
		rt.ring.Release(n)
	}

	require.True(t, sawTraces)
	require.True(t, sawLockWait)
	require.True(t, sawUnlock)
}

func TestShutdownThenReinitialize(t *testing.T) {
	require.NoError(t, Initialize(Config{MaxThreads: 4, ShmBytes: 65536}))
	Shutdown()
	require.Nil(t, rt)

	require.NoError(t, Initialize(Config{MaxThreads: 4, ShmBytes: 65536}))
	Shutdown()
}

func TestSameThreadReusesOneRecorder(t *testing.T) {
	require.NoError(t, Initialize(Config{MaxThreads: 4, ShmBytes: 65536}))
	defer Shutdown()

	r1 := threadRecorder()
	r2 := threadRecorder()
	require.Same(t, r1, r2)
}
