//go:build linux

package cycleclock

import "golang.org/x/sys/unix"

func currentCore() uint32 {
	cpu, err := unix.SchedGetcpu()
	if err != nil || cpu < 0 {
		return 0
	}
	return uint32(cpu)
}
