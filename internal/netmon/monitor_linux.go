//go:build linux

package netmon

import (
	"bytes"
	"context"
	"errors"
	"net"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linuxMonitor listens on a NETLINK_ROUTE socket for link and address
// notifications.
type linuxMonitor struct {
	cfg    Config
	fd     int
	events chan Event
}

func newPlatformMonitor(cfg Config) (Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, err
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	// Bounded receive so the read loop notices cancellation.
	tv := unix.Timeval{Sec: 1}
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)

	return &linuxMonitor{
		cfg:    cfg,
		fd:     fd,
		events: make(chan Event, 16),
	}, nil
}

func (m *linuxMonitor) Start(ctx context.Context) (<-chan Event, error) {
	go m.readLoop(ctx)
	return NewDebouncer(m.events, m.cfg.DebounceInterval).Run(ctx), nil
}

func (m *linuxMonitor) readLoop(ctx context.Context) {
	defer close(m.events)

	buf := make([]byte, 8192)
	for ctx.Err() == nil {
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return
		}

		msgs, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			continue
		}
		for i := range msgs {
			event, ok := parseNetlinkMessage(&msgs[i], interfaceName)
			if !ok || ignored(m.cfg.IgnoreInterfaces, event.Interface) {
				continue
			}
			// A full buffer already guarantees a rescan.
			select {
			case m.events <- event:
			default:
			}
		}
	}
}

func interfaceName(index int) string {
	iface, err := net.InterfaceByIndex(index)
	if err != nil {
		return ""
	}
	return iface.Name
}

// parseNetlinkMessage converts a link or address notification. Links
// report up or down from IFF_UP; addresses are named through nameOf since
// IPv6 notifications carry no IFA_LABEL.
func parseNetlinkMessage(msg *syscall.NetlinkMessage, nameOf func(int) string) (Event, bool) {
	event := Event{Timestamp: time.Now()}

	switch msg.Header.Type {
	case syscall.RTM_NEWLINK, syscall.RTM_DELLINK:
		if len(msg.Data) < syscall.SizeofIfInfomsg {
			return Event{}, false
		}
		info := (*syscall.IfInfomsg)(unsafe.Pointer(&msg.Data[0]))
		event.Type = ChangeInterfaceDown
		if msg.Header.Type == syscall.RTM_NEWLINK && info.Flags&syscall.IFF_UP != 0 {
			event.Type = ChangeInterfaceUp
		}
		event.Interface = nameOf(int(info.Index))
	case syscall.RTM_NEWADDR, syscall.RTM_DELADDR:
		if len(msg.Data) < syscall.SizeofIfAddrmsg {
			return Event{}, false
		}
		info := (*syscall.IfAddrmsg)(unsafe.Pointer(&msg.Data[0]))
		event.Type = ChangeAddressAdded
		if msg.Header.Type == syscall.RTM_DELADDR {
			event.Type = ChangeAddressRemoved
		}
		event.Interface = nameOf(int(info.Index))
	default:
		return Event{}, false
	}

	attrs, err := syscall.ParseNetlinkRouteAttr(msg)
	if err != nil {
		return event, true
	}
	link := event.Type == ChangeInterfaceUp || event.Type == ChangeInterfaceDown
	for _, attr := range attrs {
		switch {
		case link && attr.Attr.Type == syscall.IFLA_IFNAME:
			event.Interface = cString(attr.Value)
		case !link && attr.Attr.Type == syscall.IFA_LABEL:
			event.Interface = cString(attr.Value)
		case !link && attr.Attr.Type == syscall.IFA_ADDRESS:
			event.Address = append(net.IP(nil), attr.Value...)
		}
	}
	return event, true
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func (m *linuxMonitor) Close() error {
	return unix.Close(m.fd)
}
