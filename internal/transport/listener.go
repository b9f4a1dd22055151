package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Address to listen on, e.g. ":7777".
	Address string
	// Backlog is the number of accepted connections that may wait for a
	// session. Further connections are rejected.
	Backlog int
	Options Options
}

// Listener is a WebSocket server that hands accepted connections to
// sessions. Each session calls Connect, which waits for the next one.
type Listener struct {
	cfg ListenerConfig
	log zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	conns     chan *websocket.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// NewListener creates a listener. Call Start to begin serving.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Backlog <= 0 {
		cfg.Backlog = 1
	}
	return &Listener{
		cfg:    cfg,
		log:    cfg.Options.Logger,
		conns:  make(chan *websocket.Conn, cfg.Backlog),
		closed: make(chan struct{}),
	}
}

// Start begins listening and serving upgrades in the background.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.cfg.Address, err)
	}

	server := &http.Server{
		Handler:           http.HandlerFunc(l.handleWS),
		ReadHeaderTimeout: 10 * time.Second,
	}

	l.mu.Lock()
	l.listener = ln
	l.server = server
	l.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error().Err(err).Msg("control server stopped")
		}
	}()

	l.log.Info().Str("address", ln.Addr().String()).Msg("control server listening")
	return nil
}

// Addr returns the listening address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) handleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closed:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	select {
	case l.conns <- ws:
		l.log.Debug().Str("remote", r.RemoteAddr).Msg("streamer connected")
	default:
		l.log.Warn().Str("remote", r.RemoteAddr).Msg("rejecting streamer, no free session")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "no free session"),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
}

// Accept waits for the next connection.
func (l *Listener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ws := <-l.conns:
		return NewConn(ws, l.cfg.Options), nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connect is Accept, so a Listener can stand in for a Dialer.
func (l *Listener) Connect(ctx context.Context) (Channel, error) {
	return l.Accept(ctx)
}

// Close stops the server and drops connections that no session took.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)

		l.mu.Lock()
		server := l.server
		l.mu.Unlock()
		if server != nil {
			err = server.Close()
		}

		for {
			select {
			case ws := <-l.conns:
				_ = ws.Close()
			default:
				return
			}
		}
	})
	return err
}
