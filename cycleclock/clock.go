// Package cycleclock provides a monotonic per-core cycle counter and
// a TSC-frequency estimator.
package cycleclock

import "time"

// readCounter is set by the architecture-specific init() in the
// tsc_*.go files. It
// must be serialising with respect to surrounding instructions so the
// sample point cannot be reordered across it by the CPU.
var readCounter func() uint64

// nativeFrequencyHz, when non-nil, lets the platform report its exact
// counter frequency instead of estimating it with a busy loop (arm64's
// CNTFRQ_EL0 register does this).
var nativeFrequencyHz func() (uint64, bool)

// nativeTSC is true when readCounter reads a real hardware counter
// rather than the portable time.Now fallback.
var nativeTSC bool

// dynamicNameBit is the low bit of a Timestamp, reserved by the
// recorder package to flag a dynamically-interned function name.
const dynamicNameBit = 1

// Now returns the current cycle count with its low bit forced to
// zero: that bit is a semantic flag owned by callers (see the
// recorder package), not part of the timestamp's value.
func Now() uint64 {
	return readCounter() &^ dynamicNameBit
}

// NowWithCore returns Now() along with the id of the CPU core the
// calling goroutine's underlying thread is currently running on. The
// core id is best-effort: it can go stale immediately after return if
// the OS migrates the thread.
func NowWithCore() (uint64, uint32) {
	return Now(), currentCore()
}

// Supported reports whether a real serialising cycle counter backs
// this clock. When false, durations computed from Now() are still
// monotonic (they fall back to wall-clock nanoseconds) but are not
// true CPU cycles; callers should disable profiling rather than
// silently degrade precision.
func Supported() bool {
	return nativeTSC
}

// EstimateFrequencyHz estimates the counter's frequency in Hz.
//
// If the platform can report its exact frequency (e.g. arm64's
// CNTFRQ_EL0), that value is used directly. Otherwise this warms the
// CPU with a short read loop, then takes the median of three
// independent busy-loop measurements to reject one-off scheduler
// preemption outliers.
func EstimateFrequencyHz() uint64 {
	if nativeFrequencyHz != nil {
		if hz, ok := nativeFrequencyHz(); ok {
			return hz
		}
	}

	var dummy uint64
	for i := 0; i < 1000; i++ {
		dummy++
		_ = readCounter()
	}

	samples := make([]uint64, 3)
	for i := range samples {
		samples[i] = measureOnce(&dummy)
	}
	return median3(samples)
}

const calibrationIterations = 2_000_000

func measureOnce(dummy *uint64) uint64 {
	startTime := time.Now()
	startCycles := readCounter()

	for i := 0; i < calibrationIterations; i++ {
		*dummy += uint64(i)
	}

	endCycles := readCounter()
	elapsed := time.Since(startTime)

	deltaCycles := endCycles - startCycles
	if elapsed <= 0 {
		return 0
	}
	return uint64(float64(deltaCycles) * (float64(time.Second) / float64(elapsed)))
}

func median3(v []uint64) uint64 {
	a, b, c := v[0], v[1], v[2]
	if a > b {
		a, b = b, a
	}
	if b > c {
		b, c = c, b
	}
	if a > b {
		a, b = b, a
	}
	return b
}
