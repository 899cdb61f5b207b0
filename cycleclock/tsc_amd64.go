//go:build amd64

package cycleclock

// rdtscp is implemented in tsc_amd64.s. RDTSCP is a serialising
// instruction with respect to preceding instructions (unlike plain
// RDTSC, it does not need an explicit fence before it).
func rdtscp() (cycles uint64, aux uint32)

func init() {
	readCounter = func() uint64 {
		c, _ := rdtscp()
		return c
	}
	nativeTSC = true
}
