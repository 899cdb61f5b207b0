//go:build linux

package tracewire

import "golang.org/x/sys/unix"

// threadIDSupported is true when currentThreadID returns a real,
// stable per-OS-thread id rather than a placeholder.
const threadIDSupported = true

// currentThreadID returns the calling OS thread's id, used as the
// dispatch key into the per-thread recorder map. Go's goroutines are
// not OS threads: a goroutine that yields across a Gosched point can
// resume on a different one, in which case it transparently picks up
// that thread's own (lazily created) Recorder, exactly as the
// original's thread-local context does when the OS reschedules a
// native thread.
func currentThreadID() int32 {
	return int32(unix.Gettid())
}
