// Package control is the local command surface of the relay daemon: a
// status board fed by the sessions and a unix socket the CLI talks to.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/moblink/moblink-relay/internal/relay"
)

// Commands understood by the server.
const (
	CmdStatus = "status"
	CmdStart  = "start"
	CmdStop   = "stop"
	CmdReload = "reload"
)

// ioTimeout bounds one request/response exchange on either side.
const ioTimeout = 5 * time.Second

// Request is one command from the CLI. Each connection carries exactly
// one request and one response.
type Request struct {
	Command string `json:"command"`
}

// Response answers a Request. Data is set for status only.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SessionStatus is one row of a status reply.
type SessionStatus struct {
	Key    string    `json:"key"`
	URL    string    `json:"url,omitempty"`
	State  string    `json:"state"`
	Status string    `json:"status"`
	Since  time.Time `json:"since,omitzero"`
}

// StatusResponse is the payload of a status reply.
type StatusResponse struct {
	Status   string          `json:"status"`
	Sessions []SessionStatus `json:"sessions"`
}

// Relay is what the server drives. *relay.Supervisor implements it.
type Relay interface {
	Start() error
	Stop() error
	Status() (string, error)
	Sessions() ([]relay.SessionInfo, error)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	SocketPath string
	Relay      Relay
	Board      *Board       // optional; adds "since" to status rows
	Reload     func() error // optional; nil rejects the reload command
	Logger     zerolog.Logger
}

// Server serves control commands on a unix socket readable only by its
// owner.
type Server struct {
	cfg      ServerConfig
	log      zerolog.Logger
	handlers map[string]func() Response

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, log: cfg.Logger}
	s.handlers = map[string]func() Response{
		CmdStatus: s.status,
		CmdStart: func() Response {
			s.log.Info().Msg("start requested")
			return result(s.cfg.Relay.Start())
		},
		CmdStop: func() Response {
			s.log.Info().Msg("stop requested")
			return result(s.cfg.Relay.Stop())
		},
		CmdReload: func() Response {
			if s.cfg.Reload == nil {
				return failure(errors.New("reload not supported"))
			}
			s.log.Info().Msg("reload requested")
			return result(s.cfg.Reload())
		},
	}
	return s
}

// Start listens on the socket, replacing a stale socket file left by a
// previous run.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info().Str("path", s.cfg.SocketPath).Msg("control socket listening")
	go s.serve(ln)
	return nil
}

// Stop closes the socket, waits for in-flight requests and removes the
// socket file. It is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	_ = ln.Close()
	s.conns.Wait()
	_ = os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("control accept")
			continue
		}
		s.mu.Lock()
		if s.listener == nil {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.conns.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	var req Request
	resp := failure(errors.New("relay not initialized"))
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp = failure(fmt.Errorf("decode request: %w", err))
	} else if s.cfg.Relay != nil {
		resp = s.dispatch(req.Command)
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Debug().Err(err).Str("command", req.Command).Msg("write control response")
	}
}

func (s *Server) dispatch(command string) Response {
	h, ok := s.handlers[command]
	if !ok {
		return failure(fmt.Errorf("unknown command: %s", command))
	}
	return h()
}

func (s *Server) status() Response {
	status, err := s.cfg.Relay.Status()
	if err != nil {
		return failure(err)
	}
	infos, err := s.cfg.Relay.Sessions()
	if err != nil {
		return failure(err)
	}

	reply := StatusResponse{Status: status, Sessions: make([]SessionStatus, 0, len(infos))}
	for _, info := range infos {
		row := SessionStatus{
			Key:    info.Key,
			URL:    info.URL,
			State:  info.State.String(),
			Status: info.Status.String(),
		}
		// The board's timestamp belongs to the status it recorded.
		if s.cfg.Board != nil {
			if e, ok := s.cfg.Board.Get(info.Key); ok && e.Status == info.Status {
				row.Since = e.Since
			}
		}
		reply.Sessions = append(reply.Sessions, row)
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return failure(err)
	}
	return Response{Success: true, Data: data}
}

func result(err error) Response {
	if err != nil {
		return failure(err)
	}
	return Response{Success: true}
}

func failure(err error) Response {
	return Response{Error: err.Error()}
}
