package strtab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternStaticIdempotent(t *testing.T) {
	in := New()
	const lit = "hello-static"
	id1 := in.InternStatic(lit)
	id2 := in.InternStatic(lit)
	require.Equal(t, id1, id2)
	require.Equal(t, 1, countEntries(t, in))
}

func TestInternDynamicIdempotent(t *testing.T) {
	in := New()
	id1 := in.InternDynamic("job-42")
	id2 := in.InternDynamic("job-42")
	require.Equal(t, id1, id2)
	require.Equal(t, 1, countEntries(t, in))

	text, ok := in.Lookup(id1)
	require.True(t, ok)
	require.Equal(t, "job-42", text)
}

func TestZeroIsReservedAndNeverStored(t *testing.T) {
	in := New()
	require.Equal(t, NoString, in.InternStatic(""))
	require.Equal(t, NoString, in.InternDynamic(""))
	require.Equal(t, 0, in.Size())
}

func TestEntriesAre8ByteAligned(t *testing.T) {
	in := New()
	in.InternDynamic("a")
	in.InternDynamic("loooooooooong-string")
	require.Zero(t, in.Size()%8)
}

func TestNewBytesDeltaShipping(t *testing.T) {
	in := New()
	in.InternDynamic("one")
	first := make([]byte, len(in.NewBytes()))
	copy(first, in.NewBytes())
	in.MarkShipped()
	require.Empty(t, in.NewBytes())

	in.InternDynamic("two")
	require.NotEmpty(t, in.NewBytes())
	require.NotEqual(t, first, in.NewBytes())
}

func TestClearResetsEverything(t *testing.T) {
	in := New()
	id := in.InternDynamic("transient")
	in.MarkShipped()
	in.Clear()

	require.Equal(t, 0, in.Size())
	require.Empty(t, in.NewBytes())
	_, ok := in.Lookup(id)
	require.False(t, ok)
}

func TestApplyWireBytesRoundTrip(t *testing.T) {
	producer := New()
	producer.InternDynamic("alpha")
	producer.InternDynamic("beta")
	payload := append([]byte(nil), producer.NewBytes()...)

	consumer := New()
	require.NoError(t, consumer.ApplyWireBytes(payload))

	aID := producer.InternDynamic("alpha")
	bID := producer.InternDynamic("beta")
	text, ok := consumer.Lookup(aID)
	require.True(t, ok)
	require.Equal(t, "alpha", text)
	text, ok = consumer.Lookup(bID)
	require.True(t, ok)
	require.Equal(t, "beta", text)
}

func TestApplyWireBytesRejectsTruncatedHeader(t *testing.T) {
	consumer := New()
	err := consumer.ApplyWireBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func countEntries(t *testing.T, in *Interner) int {
	t.Helper()
	count := 0
	bytes := in.buf.Bytes()
	i := 0
	for i < len(bytes) {
		i += 8
		start := i
		for i < len(bytes) && bytes[i] != 0 {
			i++
		}
		_ = start
		i++
		for i%8 != 0 {
			i++
		}
		count++
	}
	return count
}
