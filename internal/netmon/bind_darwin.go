//go:build darwin

package netmon

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func bindControl(h *Handle) func(network, address string, c syscall.RawConn) error {
	index := h.Index
	return func(network, _ string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			if network == "udp6" {
				serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_BOUND_IF, index)
				return
			}
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BOUND_IF, index)
		}); err != nil {
			return err
		}
		return serr
	}
}

func bindAddress(*Handle) string {
	return ":0"
}
