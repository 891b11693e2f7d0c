// Package client is a minimal client for the subscription transport
// protocol over its TCP line framing. It is used by the command line
// tooling and by end-to-end tests; it speaks the same wire shapes the
// server emits and surfaces channel-level protocol errors alongside
// response frames.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/subwire/subwire/api"
)

// Frame is one inbound server frame: either a decoded response or a
// channel-level protocol error.
type Frame struct {
	Response *api.Response
	Err      *api.ProtocolError
}

// Client is one protocol connection to a server.
type Client struct {
	conn   net.Conn
	frames chan *Frame

	mu     sync.Mutex
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a server's TCP listener.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c := &Client{
		conn:   conn,
		frames: make(chan *Frame, 100),
		done:   make(chan struct{}),
	}
	go c.reader()
	return c, nil
}

// Frames returns the inbound frame channel. It is closed when the
// connection ends.
func (c *Client) Frames() <-chan *Frame { return c.frames }

// Close tears down the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.conn.Close()
}

// Init performs the connection_init handshake and waits for the
// connection_ack, a protocol error, or context cancellation.
func (c *Client) Init(ctx context.Context, payload json.RawMessage) error {
	if err := c.sendEnvelope(api.TypeConnectionInit, "", payload); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-c.frames:
			if !ok {
				return fmt.Errorf("connection closed during handshake")
			}
			if frame.Err != nil {
				return frame.Err
			}
			if frame.Response.Type == api.TypeConnectionAck {
				return nil
			}
			// Anything else before the ack is out of order; keep
			// waiting, the server owns this error path.
		}
	}
}

// Subscribe sends a subscribe request for the operation payload.
// Responses arrive on Frames correlated by id.
func (c *Client) Subscribe(id string, payload json.RawMessage) error {
	return c.sendEnvelope(api.TypeSubscribe, id, payload)
}

// Complete sends a complete request for the operation id.
func (c *Client) Complete(id string) error {
	return c.sendEnvelope(api.TypeComplete, id, nil)
}

func (c *Client) sendEnvelope(typ, id string, payload json.RawMessage) error {
	data, err := json.Marshal(&api.Response{Type: typ, ID: id, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", typ, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to send %s: %w", typ, err)
	}
	return nil
}

// reader decodes inbound lines into frames until the connection ends.
func (c *Client) reader() {
	defer close(c.frames)
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		frame := decodeFrame(line)
		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

// decodeFrame parses one inbound line: text with the reserved code
// prefix is a protocol error frame, everything else a response.
func decodeFrame(line string) *Frame {
	if strings.HasPrefix(line, api.ReservedPrefix) {
		if code, message, ok := splitErrorFrame(line); ok {
			return &Frame{Err: &api.ProtocolError{Code: code, Message: message}}
		}
	}
	resp := &api.Response{}
	if err := json.Unmarshal([]byte(line), resp); err != nil {
		return &Frame{Err: &api.ProtocolError{
			Code:    api.CodeInvalidEncoding,
			Message: fmt.Sprintf("undecodable frame: %v", err),
		}}
	}
	return &Frame{Response: resp}
}

// splitErrorFrame parses "<code>: <message>".
func splitErrorFrame(line string) (int, string, bool) {
	sep := strings.Index(line, ": ")
	if sep < 0 {
		return 0, "", false
	}
	code, err := strconv.Atoi(line[:sep])
	if err != nil {
		return 0, "", false
	}
	return code, line[sep+2:], true
}
