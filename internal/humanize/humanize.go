// Package humanize formats durations and byte counts for display in
// cmd/hopdump, the way a profiler's own UI would: a fixed unit per
// magnitude band rather than Go's multi-unit time.Duration.String().
package humanize

import "fmt"

// Duration formats a cycle-clock delta, already converted to
// nanoseconds, as a single best-fit unit: ns below 1us, us below 1ms,
// ms below 1s, s otherwise.
func Duration(ns uint64) string {
	switch {
	case ns < 1_000:
		return fmt.Sprintf("%d ns", ns)
	case ns < 1_000_000:
		return fmt.Sprintf("%.3f us", float64(ns)*0.001)
	case ns < 1_000_000_000:
		return fmt.Sprintf("%.3f ms", float64(ns)*0.000001)
	default:
		return fmt.Sprintf("%.3f s", float64(ns)*0.000000001)
	}
}

// Bytes formats a byte count as a single best-fit decimal unit: B
// below 1000, kB below 1e6, MB below 1e9, GB otherwise.
func Bytes(n uint64) string {
	switch {
	case n < 1_000:
		return fmt.Sprintf("%d B", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.3f kB", float64(n)/1_000)
	case n < 1_000_000_000:
		return fmt.Sprintf("%.3f MB", float64(n)/1_000_000)
	default:
		return fmt.Sprintf("%.3f GB", float64(n)/1_000_000_000)
	}
}
