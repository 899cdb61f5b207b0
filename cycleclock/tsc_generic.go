//go:build !amd64 && !arm64

package cycleclock

import "time"

// On architectures without a wired-up serialising counter, fall back
// to wall-clock nanoseconds. A real embedder should treat this as
// "profiling disabled" (Supported() reports false); the fallback only
// exists so the rest of this module stays portable and testable off
// x86/arm64.
func init() {
	readCounter = func() uint64 {
		return uint64(time.Now().UnixNano())
	}
	nativeTSC = false
}
