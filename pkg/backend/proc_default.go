//go:build !linux

package backend

import (
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
