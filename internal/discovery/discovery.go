// Package discovery finds streamers and announces server-mode relays over
// multicast DNS (DNS-SD service type _moblink._tcp).
package discovery

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// DNS-SD names both sides browse and register.
const (
	ServiceName = "_moblink._tcp"
	Domain      = "local."
	ServiceType = ServiceName + "." + Domain
)

// Service is a resolved DNS-SD instance.
type Service struct {
	Instance string
	Host     string
	Port     uint16
	Addrs    []net.IP
	Text     []string
}

// URL returns the WebSocket URL for the first address of the service.
func (s Service) URL() string {
	if len(s.Addrs) == 0 || s.Port == 0 {
		return ""
	}
	return WebSocketURL(s.Addrs[0], int(s.Port))
}

// WebSocketURL formats ip and port as a ws:// URL, bracketing IPv6.
func WebSocketURL(ip net.IP, port int) string {
	return "ws://" + net.JoinHostPort(ip.String(), strconv.Itoa(port))
}

// InstanceName returns the fully qualified name of an instance label.
func InstanceName(label string) string {
	return escapeLabel(label) + "." + ServiceType
}

// instanceLabel extracts the human readable instance label from a fully
// qualified instance name. ok is false for names outside ServiceType.
func instanceLabel(name string) (string, bool) {
	name = dns.Fqdn(name)
	suffix := "." + ServiceType
	if len(name) <= len(suffix) || !strings.EqualFold(name[len(name)-len(suffix):], suffix) {
		return "", false
	}
	return unescapeLabel(name[:len(name)-len(suffix)]), true
}

func escapeLabel(label string) string {
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c == '.' || c == '\\' || c == ' ' || c == '"' || c == '(' || c == ')' || c == ';':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < ' ' || c > '~':
			fmt.Fprintf(&b, "\\%03d", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapeLabel(label string) string {
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c != '\\' || i+1 >= len(label) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(label) && isDigits(label[i+1:i+4]) {
			n, _ := strconv.Atoi(label[i+1 : i+4])
			b.WriteByte(byte(n))
			i += 3
			continue
		}
		b.WriteByte(label[i+1])
		i++
	}
	return b.String()
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// LogWriter adapts the standard library logger used by the mDNS package
// to logger. Error lines are logged as warnings, the rest at debug.
func LogWriter(logger zerolog.Logger) io.Writer {
	return logWriter{log: logger.With().Str("component", "mdns").Logger()}
}

type logWriter struct {
	log zerolog.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	level := zerolog.DebugLevel
	if rest, ok := strings.CutPrefix(line, "[ERR] "); ok {
		level, line = zerolog.WarnLevel, rest
	} else {
		line = strings.TrimPrefix(line, "[INFO] ")
	}
	w.log.WithLevel(level).Msg(strings.TrimPrefix(line, "mdns: "))
	return len(p), nil
}
