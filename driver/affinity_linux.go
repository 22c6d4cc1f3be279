//go:build linux

package driver

import "golang.org/x/sys/unix"

// pinThread binds the calling OS thread to cpu. The caller must hold
// runtime.LockOSThread.
func pinThread(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
