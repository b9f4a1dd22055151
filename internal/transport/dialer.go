package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moblink/moblink-relay/internal/netmon"
)

// Dialer connects to a streamer's WebSocket server.
type Dialer struct {
	URL string

	// Network, if set, returns the interface to dial through. A nil
	// handle fails the attempt.
	Network func() *netmon.Handle

	HandshakeTimeout time.Duration
	Options          Options
}

// Connect dials the streamer and returns the established channel.
func (d *Dialer) Connect(ctx context.Context) (Channel, error) {
	if _, err := url.Parse(d.URL); err != nil || d.URL == "" {
		return nil, fmt.Errorf("invalid streamer URL %q", d.URL)
	}

	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}
	if d.Network != nil {
		handle := d.Network()
		if handle == nil {
			return nil, fmt.Errorf("dial %s: %s %w", d.URL, netmon.ClassLocal, ErrNoNetwork)
		}
		dialer.NetDialContext = handle.Dialer().DialContext
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		if resp != nil {
			body := make([]byte, 256)
			n, _ := io.ReadFull(resp.Body, body)
			_ = resp.Body.Close()
			return nil, fmt.Errorf("dial %s: %s - %s", d.URL, resp.Status, string(body[:n]))
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	d.Options.Logger.Debug().Str("url", d.URL).Msg("control channel connected")
	return NewConn(ws, d.Options), nil
}
