package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
)

// Server hosts subscription transport listeners over a shared engine.
type Server struct {
	Spec Spec

	// auth is compiled once from the config rule and shared by every
	// connection.
	auth AuthHook

	// TCP listener for the line-framed transport
	tcpListener *TCPListener
}

// New creates a new Server instance.
func New(spec *Spec) (*Server, error) {
	if spec.Log == nil {
		spec.Log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slogLevel(),
		}))
	}
	if spec.Config == nil {
		spec.Config = DefaultConfig()
	}
	if spec.Engine == nil {
		return nil, fmt.Errorf("server requires an engine")
	}

	s := &Server{
		Spec: *spec,
	}

	if spec.Config.AuthRule != "" {
		auth, err := RuleAuth(spec.Config.AuthRule)
		if err != nil {
			return nil, err
		}
		s.auth = auth
	}

	return s, nil
}

func slogLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// outgoingBuffer returns the configured per-connection write queue
// size.
func (s *Server) outgoingBuffer() int {
	if s.Spec.Config != nil && s.Spec.Config.OutgoingBuffer > 0 {
		return s.Spec.Config.OutgoingBuffer
	}
	return 100
}

// newConn creates a protocol connection over a messenger, wired to the
// server's engine and auth rule. The exit hook tears the whole channel
// down: the protocol serves one operation per connection and has no
// per-id cancellation.
func (s *Server) newConn(id string, m Messenger) *Conn {
	var conn *Conn
	conn = NewConn(id, m, &ConnConfig{
		Engine: s.Spec.Engine,
		Log:    s.Spec.Log,
		Auth:   s.auth,
		OnExit: func() { conn.Close() },
	})
	return conn
}

// StartTCP starts the TCP listener on the given address.
// The listener runs in a separate goroutine.
func (s *Server) StartTCP(addr string) error {
	if s.tcpListener != nil {
		return fmt.Errorf("TCP listener already running")
	}

	listener, err := NewTCPListener(addr, s)
	if err != nil {
		return err
	}

	s.tcpListener = listener

	go func() {
		if err := listener.Serve(); err != nil {
			s.Spec.Log.Error("TCP listener error", "error", err)
		}
	}()

	return nil
}

// StopTCP stops the TCP listener.
func (s *Server) StopTCP() error {
	if s.tcpListener == nil {
		return nil
	}

	err := s.tcpListener.Close()
	s.tcpListener = nil
	return err
}

// TCPAddr returns the TCP listener's address, or "" if not running.
func (s *Server) TCPAddr() string {
	if s.tcpListener == nil {
		return ""
	}
	return s.tcpListener.Addr().String()
}

// Handler returns an http.Handler that upgrades requests to WebSocket
// messengers speaking the same protocol.
func (s *Server) Handler() http.Handler {
	return newWSHandler(s)
}
