package shmseg

import (
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var testSegmentCounter atomic.Int32

func TestNameTruncation(t *testing.T) {
	require.Equal(t, "/hop_1234", Name(1234))
	long := Name(123456789012345678)
	require.LessOrEqual(t, len(long), maxNameLen)
}

func newTestSegment(t *testing.T) (*Segment, func()) {
	t.Helper()
	pid := os.Getpid()*1000 + int(testSegmentCounter.Add(1))
	seg, err := Create(pid, 1.0, 3_000_000_000, 64, 4096)
	require.NoError(t, err)
	return seg, func() {
		seg.Close()
		seg.Unlink()
	}
}

func TestCreateInitialisesHeader(t *testing.T) {
	seg, cleanup := newTestSegment(t)
	defer cleanup()

	require.Equal(t, HeaderSize+4096, len(seg.mem))
	require.Len(t, seg.RingData(), 4096)
	require.Equal(t, uint64(3_000_000_000), seg.TSCFrequencyHz())
	require.Equal(t, uint32(64), seg.MaxThreads())
	require.Equal(t, uint64(4096), seg.RequestedSize())
	require.InDelta(t, 1.0, seg.Version(), 0.0001)
}

func TestStateBitsSetClear(t *testing.T) {
	seg, cleanup := newTestSegment(t)
	defer cleanup()

	require.False(t, seg.HasStateBit(ProducerConnected))
	seg.SetStateBit(ProducerConnected)
	require.True(t, seg.HasStateBit(ProducerConnected))
	require.False(t, seg.HasStateBit(ConsumerConnected))

	seg.SetStateBit(ConsumerConnected)
	require.True(t, seg.HasStateBit(ProducerConnected))
	require.True(t, seg.HasStateBit(ConsumerConnected))

	seg.ClearStateBit(ProducerConnected)
	require.False(t, seg.HasStateBit(ProducerConnected))
	require.True(t, seg.HasStateBit(ConsumerConnected))
}

func TestVersionMatches(t *testing.T) {
	seg, cleanup := newTestSegment(t)
	defer cleanup()

	require.True(t, seg.VersionMatches(1.0, 0.01))
	require.False(t, seg.VersionMatches(2.0, 0.01))
}

func TestLastResetAndHeartbeat(t *testing.T) {
	seg, cleanup := newTestSegment(t)
	defer cleanup()

	seg.SetLastReset(100)
	require.Equal(t, uint64(100), seg.LastReset())

	seg.SetLastHeartbeat(200)
	require.Equal(t, uint64(200), seg.LastHeartbeat())
}
