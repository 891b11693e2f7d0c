package server

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 4 << 20

// TCPListener accepts connections speaking newline-delimited frames.
type TCPListener struct {
	listener net.Listener
	server   *Server

	// Connection management
	conns   map[string]*Conn
	connsMu sync.RWMutex
	connSeq atomic.Int64

	// Shutdown
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewTCPListener creates a new TCP listener.
func NewTCPListener(addr string, server *Server) (*TCPListener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &TCPListener{
		listener: listener,
		server:   server,
		conns:    make(map[string]*Conn),
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the listener's network address.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve accepts connections and runs protocol sessions over them.
// Blocks until Close is called or an error occurs.
func (l *TCPListener) Serve() error {
	l.server.Spec.Log.Info("TCP listener started", "addr", l.listener.Addr().String())

	for {
		netConn, err := l.listener.Accept()
		if err != nil {
			if l.closed.Load() {
				return nil // Normal shutdown
			}
			l.server.Spec.Log.Error("accept error", "error", err)
			continue
		}

		l.wg.Add(1)
		go l.handleConnection(netConn)
	}
}

// handleConnection creates and runs a protocol connection over the TCP
// connection. It blocks in the frame reader until the channel closes.
func (l *TCPListener) handleConnection(netConn net.Conn) {
	defer l.wg.Done()

	seq := l.connSeq.Add(1)
	connID := fmt.Sprintf("tcp-%d", seq)
	log := l.server.Spec.Log

	log.Debug("new TCP connection", "conn", connID, "remote", netConn.RemoteAddr().String())

	m := newLineMessenger(netConn, l.server.outgoingBuffer(), log.With("conn", connID))
	conn := l.server.newConn(connID, m)

	// Track connection
	l.connsMu.Lock()
	l.conns[connID] = conn
	l.connsMu.Unlock()

	// Read frames until the channel closes
	err := m.run(conn.HandleMessage)
	if err != nil {
		log.Error("connection error", "conn", connID, "error", err)
	}

	conn.Teardown()
	m.Close()
	m.writerWG.Wait()

	// Remove connection
	l.connsMu.Lock()
	delete(l.conns, connID)
	l.connsMu.Unlock()

	log.Debug("connection ended", "conn", connID)
}

// Close shuts down the listener and all connections.
func (l *TCPListener) Close() error {
	if l.closed.Swap(true) {
		return nil // Already closed
	}

	close(l.done)

	// Close listener to stop accepting new connections
	if err := l.listener.Close(); err != nil {
		l.server.Spec.Log.Error("error closing listener", "error", err)
	}

	// Close all active connections
	l.connsMu.RLock()
	for _, conn := range l.conns {
		conn.Close()
	}
	l.connsMu.RUnlock()

	// Wait for all connections to complete
	l.wg.Wait()

	l.server.Spec.Log.Info("TCP listener stopped")
	return nil
}

// ConnCount returns the number of active connections.
func (l *TCPListener) ConnCount() int {
	l.connsMu.RLock()
	defer l.connsMu.RUnlock()
	return len(l.conns)
}

// lineMessenger is a Messenger over a net.Conn with newline-delimited
// text frames. Outbound frames go through a buffered queue drained by a
// writer goroutine, so Send and Error are safe from any callback
// context; Close drains frames queued before it before closing the
// socket, preserving terminal response ordering.
type lineMessenger struct {
	conn net.Conn
	log  *slog.Logger

	outgoing  chan string
	done      chan struct{}
	closeOnce sync.Once
	writerWG  sync.WaitGroup
}

func newLineMessenger(conn net.Conn, bufSize int, log *slog.Logger) *lineMessenger {
	if bufSize <= 0 {
		bufSize = 100
	}
	m := &lineMessenger{
		conn:     conn,
		log:      log,
		outgoing: make(chan string, bufSize),
		done:     make(chan struct{}),
	}
	m.writerWG.Add(1)
	go m.writer()
	return m
}

// Send queues one outbound frame. Dropped if the channel is closing.
func (m *lineMessenger) Send(text string) {
	select {
	case m.outgoing <- text:
	case <-m.done:
	}
}

// Error sends a protocol error frame in "<code>: <message>" form.
func (m *lineMessenger) Error(message string, code int) {
	m.Send(fmt.Sprintf("%d: %s", code, message))
}

// Close signals shutdown. The writer drains already-queued frames and
// then closes the socket, which also unblocks the reader.
func (m *lineMessenger) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

// run reads frames and hands each to the dispatch callback. It returns
// when the connection closes on either side.
func (m *lineMessenger) run(handle func(raw string)) error {
	scanner := bufio.NewScanner(m.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		handle(line)
	}
	err := scanner.Err()
	select {
	case <-m.done:
		return nil // Clean shutdown
	default:
	}
	if err != nil {
		return fmt.Errorf("read error: %w", err)
	}
	return nil
}

// writer flushes the outgoing queue. On shutdown it drains whatever was
// queued before Close, then closes the socket.
func (m *lineMessenger) writer() {
	defer m.writerWG.Done()
	defer m.conn.Close()
	for {
		select {
		case text := <-m.outgoing:
			if !m.write(text) {
				return
			}
		case <-m.done:
			for {
				select {
				case text := <-m.outgoing:
					if !m.write(text) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (m *lineMessenger) write(text string) bool {
	if _, err := m.conn.Write(append([]byte(text), '\n')); err != nil {
		m.log.Error("failed to write frame", "error", err)
		return false
	}
	return true
}
