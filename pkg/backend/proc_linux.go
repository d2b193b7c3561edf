//go:build linux

package backend

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Workers are placed in their own process group and killed by the kernel
// if the coordinator dies, so no orphans survive a coordinator crash.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}
}
