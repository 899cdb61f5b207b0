// Package oncelog implements the profiler's user-visible error
// reporting policy: a single stderr line per distinct failure kind,
// so an instrumented program never gets spammed by a misbehaving
// ring buffer or a vanished consumer.
package oncelog

import (
	"fmt"
	"os"
	"sync"
)

// Logger reports each distinct key at most once.
type Logger struct {
	mu   sync.Mutex
	seen map[string]bool
}

// New returns a Logger with nothing yet reported.
func New() *Logger {
	return &Logger{seen: make(map[string]bool)}
}

// Report writes "tracewire: " + format to stderr the first time it is
// called with a given key; later calls with the same key are no-ops.
// key identifies the failure kind (e.g. "ring-full", "ring-oversize"),
// not the individual occurrence.
func (l *Logger) Report(key, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[key] {
		return
	}
	l.seen[key] = true
	fmt.Fprintf(os.Stderr, "tracewire: "+format+"\n", args...)
}

// Reset clears every key's seen state, so the next Report for each
// fires again. Used after a consumer reset, when the prior failures'
// context no longer applies.
func (l *Logger) Reset() {
	l.mu.Lock()
	l.seen = make(map[string]bool)
	l.mu.Unlock()
}

// HasReported reports whether key has already been reported.
func (l *Logger) HasReported(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[key]
}
