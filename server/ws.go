package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// wsHandler upgrades HTTP requests to WebSocket channels speaking the
// subscription transport protocol, one connection per socket.
type wsHandler struct {
	server   *Server
	upgrader websocket.Upgrader
	connSeq  atomic.Int64
}

func newWSHandler(s *Server) *wsHandler {
	return &wsHandler{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The protocol has its own handshake and authorization;
			// origin policy belongs to the embedding server.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.server.Spec.Log.Error("websocket upgrade failed", "error", err)
		return
	}

	seq := h.connSeq.Add(1)
	connID := fmt.Sprintf("ws-%d", seq)
	log := h.server.Spec.Log

	log.Debug("new websocket connection", "conn", connID, "remote", ws.RemoteAddr().String())

	m := newWSMessenger(ws, h.server.outgoingBuffer(), log.With("conn", connID))
	conn := h.server.newConn(connID, m)

	if err := m.run(conn.HandleMessage); err != nil {
		log.Error("connection error", "conn", connID, "error", err)
	}

	conn.Teardown()
	m.Close()
	m.writerWG.Wait()

	log.Debug("connection ended", "conn", connID)
}

// wsMessenger is a Messenger over a WebSocket, one text message per
// frame. Writes are serialized by the writer goroutine since gorilla
// connections permit only one concurrent writer.
type wsMessenger struct {
	ws  *websocket.Conn
	log *slog.Logger

	outgoing  chan string
	done      chan struct{}
	closeOnce sync.Once
	writerWG  sync.WaitGroup
}

func newWSMessenger(ws *websocket.Conn, bufSize int, log *slog.Logger) *wsMessenger {
	if bufSize <= 0 {
		bufSize = 100
	}
	m := &wsMessenger{
		ws:       ws,
		log:      log,
		outgoing: make(chan string, bufSize),
		done:     make(chan struct{}),
	}
	m.writerWG.Add(1)
	go m.writer()
	return m
}

// Send queues one outbound text message. Dropped if the channel is
// closing.
func (m *wsMessenger) Send(text string) {
	select {
	case m.outgoing <- text:
	case <-m.done:
	}
}

// Error sends a protocol error frame in "<code>: <message>" form.
func (m *wsMessenger) Error(message string, code int) {
	m.Send(fmt.Sprintf("%d: %s", code, message))
}

// Close signals shutdown. The writer drains already-queued frames,
// sends a close message, and closes the socket.
func (m *wsMessenger) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

// run reads text messages and hands each to the dispatch callback.
func (m *wsMessenger) run(handle func(raw string)) error {
	for {
		msgType, data, err := m.ws.ReadMessage()
		if err != nil {
			select {
			case <-m.done:
				return nil // Clean shutdown
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(string(data))
	}
}

func (m *wsMessenger) writer() {
	defer m.writerWG.Done()
	defer m.ws.Close()
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
					m.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (m *wsMessenger) write(text string) bool {
	if err := m.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		m.log.Error("failed to write frame", "error", err)
		return false
	}
	return true
}
