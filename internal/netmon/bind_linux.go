//go:build linux

package netmon

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func bindControl(h *Handle) func(network, address string, c syscall.RawConn) error {
	name := h.Interface
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, name)
		}); err != nil {
			return err
		}
		return serr
	}
}

func bindAddress(*Handle) string {
	return ":0"
}
