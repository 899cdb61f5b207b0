package tracewire

// SetThreadName attaches a display name to the calling OS thread, sent
// to the consumer the next time this thread flushes.
func SetThreadName(name string) {
	if r := threadRecorder(); r != nil {
		r.SetThreadName(name)
	}
}

// Enter opens a scope with a static (string-literal) function name.
// zone is a caller-defined category tag in 0..255; 0 is the default
// zone.
func Enter(file string, line uint32, fn string, zone uint16) {
	if r := threadRecorder(); r != nil {
		r.Enter(file, line, fn, zone)
	}
}

// EnterDynamic opens a scope whose function name is computed at call
// time rather than a string literal.
func EnterDynamic(file string, line uint32, fn string, zone uint16) {
	if r := threadRecorder(); r != nil {
		r.EnterDynamic(file, line, fn, zone)
	}
}

// EnterClass behaves like Enter but also tags the scope with an
// enclosing class or module name, carried on the wire as the trace's
// ClassID column.
func EnterClass(file string, line uint32, fn string, zone uint16, class string) {
	if r := threadRecorder(); r != nil {
		r.EnterClass(file, line, fn, zone, class)
	}
}

// Leave closes the most recently opened scope on the calling thread.
func Leave() {
	if r := threadRecorder(); r != nil {
		r.Leave()
	}
}

// Scope opens a traced scope and returns a closure that closes it,
// meant for `defer Scope(...)()` at the top of an instrumented
// function — the scoped-acquisition counterpart to a bare
// Enter/Leave pair.
func Scope(file string, line uint32, fn string, zone uint16) func() {
	Enter(file, line, fn, zone)
	return Leave
}

// AcquireLock records the start of a blocking attempt to acquire mutex.
func AcquireLock(mutex uint64) {
	if r := threadRecorder(); r != nil {
		r.AcquireLock(mutex)
	}
}

// LockAcquired closes the most recently opened lock-wait on the
// calling thread, recording when mutex was actually acquired.
func LockAcquired() {
	if r := threadRecorder(); r != nil {
		r.LockAcquired()
	}
}

// ReleaseLock records that mutex was released at the current time.
func ReleaseLock(mutex uint64) {
	if r := threadRecorder(); r != nil {
		r.ReleaseLock(mutex)
	}
}

// LockGuard records a blocking acquisition of mutex, then its
// successful acquisition, and returns a closure that records the
// eventual release — the scoped-acquisition counterpart to a bare
// AcquireLock/LockAcquired/ReleaseLock triple:
//
//	unlock := tracewire.LockGuard(mutexAddr)
//	defer unlock()
func LockGuard(mutex uint64) func() {
	AcquireLock(mutex)
	LockAcquired()
	return func() { ReleaseLock(mutex) }
}
