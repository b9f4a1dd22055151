//go:build !linux && !darwin

package netmon

import (
	"net"
	"syscall"
)

// Without a device-binding socket option the socket is bound to the
// interface's first IPv4 address instead.
func bindControl(*Handle) func(network, address string, c syscall.RawConn) error {
	return nil
}

func bindAddress(h *Handle) string {
	for _, ip := range h.Addrs {
		if ip.To4() != nil {
			return net.JoinHostPort(ip.String(), "0")
		}
	}
	if len(h.Addrs) > 0 {
		return net.JoinHostPort(h.Addrs[0].String(), "0")
	}
	return ":0"
}
