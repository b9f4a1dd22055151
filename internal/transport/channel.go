// Package transport carries control messages over WebSocket connections.
//
// A Channel is obtained either by dialing a streamer (Dialer) or by
// accepting one (Listener). Both yield the same Channel, so the session
// logic above does not depend on who opened the connection.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/moblink/moblink-relay/pkg/proto"
)

// DefaultPingInterval is how often a keepalive ping is sent. A channel
// that receives nothing for two intervals is considered dead.
const DefaultPingInterval = 5 * time.Second

// closeTimeout bounds flushing queued messages and the close frame once a
// channel is closed.
const closeTimeout = 250 * time.Millisecond

// ErrClosed is returned by operations on a closed channel or listener.
var ErrClosed = errors.New("channel closed")

// ErrNoNetwork is returned by Dialer.Connect when the interface to dial
// through is not available.
var ErrNoNetwork = errors.New("network not available")

// Channel is an ordered, message-framed, full-duplex control channel.
type Channel interface {
	// Send queues a message for writing. It does not wait for the peer.
	Send(msg *proto.Message) error
	// Receive blocks until the next message arrives. Malformed messages
	// are returned as *proto.DecodeError.
	Receive() (*proto.Message, error)
	// Close shuts the channel down. It is safe to call more than once.
	Close() error
	RemoteAddr() net.Addr
}

// Options tune a Conn.
type Options struct {
	PingInterval time.Duration
	Logger       zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	return o
}

// Conn is a Channel over a WebSocket connection. Writes are serialized by
// a single write loop so Send never blocks on the network.
type Conn struct {
	ws   *websocket.Conn
	opts Options
	log  zerolog.Logger

	writeChan chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writeDone chan struct{}
}

// NewConn wraps an established WebSocket connection and starts its
// write loop.
func NewConn(ws *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		ws:        ws,
		opts:      opts,
		log:       opts.Logger.With().Str("remote", ws.RemoteAddr().String()).Logger(),
		writeChan: make(chan []byte, 64),
		closed:    make(chan struct{}),
		writeDone: make(chan struct{}),
	}

	deadline := 2 * opts.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	})

	go c.writeLoop()
	return c
}

// Send implements Channel.
func (c *Conn) Send(msg *proto.Message) error {
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.writeChan <- data:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// Receive implements Channel. Only one goroutine may call Receive.
func (c *Conn) Receive() (*proto.Message, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrClosed
			default:
			}
			return nil, fmt.Errorf("receive: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))

		if messageType != websocket.TextMessage {
			c.log.Debug().Int("type", messageType).Msg("ignoring non-text frame")
			continue
		}
		return proto.Decode(data)
	}
}

// writeLoop processes queued writes and keepalive pings.
func (c *Conn) writeLoop() {
	defer close(c.writeDone)

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			c.drain()
			return

		case data := <-c.writeChan:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.PingInterval))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("control channel write failed")
				c.shutdown()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.opts.PingInterval)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug().Err(err).Msg("control channel ping failed")
				c.shutdown()
				return
			}
		}
	}
}

// shutdown closes the socket so a blocked Receive returns.
func (c *Conn) shutdown() {
	_ = c.ws.Close()
}

// Close implements Channel. It does not wait for the peer: the write loop
// flushes queued messages and the close frame within closeTimeout, then
// closes the socket, which unblocks Receive.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		// Abort a write stuck on a peer that stopped reading.
		_ = c.ws.NetConn().SetWriteDeadline(time.Now().Add(closeTimeout))
	})
	return nil
}

// drain runs on the write loop after Close.
func (c *Conn) drain() {
	deadline := time.Now().Add(closeTimeout)
	_ = c.ws.SetWriteDeadline(deadline)
	defer c.shutdown()

	for {
		select {
		case data := <-c.writeChan:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// RemoteAddr implements Channel.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}
