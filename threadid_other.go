//go:build !linux

package tracewire

// threadIDSupported is false outside Linux: there is no portable
// gettid equivalent, and the shared-memory transport (shmseg) already
// assumes a Linux-style /dev/shm object, so this platform gap is never
// the limiting one. Initialize reports failure rather than aliasing
// unrelated OS threads onto a single Recorder, which would race.
const threadIDSupported = false

func currentThreadID() int32 {
	return 0
}
