package netmon

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// Class identifies which role an interface plays for the relay.
type Class int

const (
	// ClassLocal is the interface the streamer's traffic arrives on.
	ClassLocal Class = iota
	// ClassUplink is the interface that provides extra bandwidth.
	ClassUplink
)

func (c Class) String() string {
	switch c {
	case ClassLocal:
		return "local"
	case ClassUplink:
		return "uplink"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classes lists every interface class.
var Classes = []Class{ClassLocal, ClassUplink}

// Handle is a reference to one usable network interface. A handle with
// an empty Interface is unbound: sockets follow the default route.
type Handle struct {
	Class     Class
	Interface string
	Index     int
	Addrs     []net.IP
}

// Unbound returns a handle that does not pin sockets to an interface.
func Unbound(class Class) *Handle {
	return &Handle{Class: class}
}

func (h *Handle) String() string {
	if h == nil {
		return "<none>"
	}
	if h.Interface == "" {
		return h.Class.String() + "(default route)"
	}
	addrs := make([]string, 0, len(h.Addrs))
	for _, a := range h.Addrs {
		addrs = append(addrs, a.String())
	}
	return fmt.Sprintf("%s(%s#%d %s)", h.Class, h.Interface, h.Index, strings.Join(addrs, ","))
}

// Equal reports whether two handles refer to the same interface.
func (h *Handle) Equal(other *Handle) bool {
	if h == nil || other == nil {
		return h == other
	}
	return h.Class == other.Class && h.Interface == other.Interface && h.Index == other.Index
}

// ListenUDP opens a UDP socket on an ephemeral port, bound to the
// handle's interface.
func (h *Handle) ListenUDP(ctx context.Context) (*net.UDPConn, error) {
	var lc net.ListenConfig
	address := ":0"
	if h.Interface != "" {
		lc.Control = bindControl(h)
		address = bindAddress(h)
	}

	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("listen udp on %s: %w", h, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listen udp on %s: unexpected %T", h, pc)
	}
	return conn, nil
}

func matchName(pattern, name string) bool {
	if pattern == name {
		return true
	}
	matched, _ := filepath.Match(pattern, name)
	return matched
}

// Dialer returns a net.Dialer whose connections leave through the
// handle's interface. A nil or unbound handle yields a plain dialer.
func (h *Handle) Dialer() *net.Dialer {
	d := &net.Dialer{}
	if h == nil || h.Interface == "" {
		return d
	}
	d.Control = bindControl(h)
	if d.Control == nil {
		if host, _, err := net.SplitHostPort(bindAddress(h)); err == nil && host != "" {
			d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(host)}
		}
	}
	return d
}
