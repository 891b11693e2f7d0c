package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/subwire/subwire/api"
	"github.com/subwire/subwire/engine"
)

// AuthHook authorizes a connection from its connection_init payload.
// A non-nil error rejects the handshake.
type AuthHook func(payload json.RawMessage) error

// ConnConfig contains configuration for creating a connection. Hooks
// are set once, before the first message arrives; mutating them after
// traffic starts is undefined.
type ConnConfig struct {
	Engine engine.Engine
	Log    *slog.Logger

	// Auth authorizes the handshake. Nil allows every connection.
	Auth AuthHook

	// OnExit is invoked when an initialized client sends complete.
	OnExit func()

	// OnMessage observes every inbound frame before dispatch. It is a
	// side channel and takes no part in control flow.
	OnMessage func(raw string)
}

// Conn drives the subscription transport protocol for one channel: it
// decodes and dispatches inbound messages, enforces handshake ordering,
// and runs at most one operation against the engine.
//
// The messenger reference is non-owning: the messenger holds the Conn
// via its receive callback, and the Conn drops the reference on
// teardown so every later channel access is a no-op.
type Conn struct {
	id  string
	eng engine.Engine
	log *slog.Logger

	auth      AuthHook
	onExit    func()
	onMessage func(raw string)

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	messenger   Messenger // nil once the channel is gone
	initialized bool
	stream      engine.Stream

	releaseOnce sync.Once
}

// NewConn creates a connection bound to the given messenger. The caller
// registers the returned connection's HandleMessage as the messenger's
// receive callback and calls Teardown when the channel goes away.
func NewConn(id string, m Messenger, cfg *ConnConfig) *Conn {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:        id,
		eng:       cfg.Engine,
		log:       log.With("conn", id),
		auth:      cfg.Auth,
		onExit:    cfg.OnExit,
		onMessage: cfg.OnMessage,
		ctx:       ctx,
		cancel:    cancel,
		messenger: m,
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// HandleMessage processes one inbound text frame. It is the receive
// callback registered with the messenger and returns after dispatch;
// operation execution continues on its own goroutine.
func (c *Conn) HandleMessage(raw string) {
	if c.onMessage != nil {
		c.onMessage(raw)
	}

	// Text carrying the reserved error-code prefix is an echoed
	// protocol error frame, never a request.
	if strings.HasPrefix(raw, api.ReservedPrefix) {
		c.log.Debug("ignoring echoed error frame")
		return
	}

	req, perr := api.Decode([]byte(raw))
	if perr != nil {
		c.sendError(perr)
		return
	}

	switch {
	case req.ConnectionInit != nil:
		c.handleConnectionInit(req.ConnectionInit)
	case req.Subscribe != nil:
		c.handleSubscribe(req.Subscribe)
	case req.Complete != nil:
		c.handleComplete(req.Complete)
	default:
		c.sendError(api.ErrInvalidType(req.Type))
	}
}

// handleConnectionInit runs the handshake: authorize, mark the
// connection initialized exactly once, acknowledge.
func (c *Conn) handleConnectionInit(req *api.ConnectionInit) {
	c.mu.Lock()
	already := c.initialized
	c.mu.Unlock()
	if already {
		c.sendError(api.ErrTooManyInitializations())
		return
	}

	if c.auth != nil {
		if err := c.auth(req.Payload); err != nil {
			c.log.Debug("authorization failed", "error", err)
			c.sendError(api.ErrUnauthorized())
			return
		}
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.log.Debug("connection initialized")
	c.send(api.NewConnectionAck(nil))
}

func (c *Conn) handleSubscribe(req *api.Subscribe) {
	if !c.isInitialized() {
		c.sendError(api.ErrNotInitialized())
		return
	}
	c.execute(req)
}

// handleComplete invokes the exit hook. The connection serves one
// operation for its lifetime, so there is no per-id cancellation here;
// ending an active stream is delegated to channel teardown.
func (c *Conn) handleComplete(req *api.Complete) {
	if !c.isInitialized() {
		c.sendError(api.ErrNotInitialized())
		return
	}
	c.log.Debug("complete received", "id", req.ID)
	if c.onExit != nil {
		c.onExit()
	}
}

func (c *Conn) isInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// setStream records the connection's single active stream handle.
// Returns false if the connection was already torn down, in which case
// the stream is released immediately.
func (c *Conn) setStream(s engine.Stream) bool {
	c.mu.Lock()
	if c.messenger == nil {
		c.mu.Unlock()
		s.Close()
		return false
	}
	c.stream = s
	c.mu.Unlock()
	return true
}

// closeChannel closes the channel after a terminal response sequence
// and tears the connection down.
func (c *Conn) closeChannel() {
	c.mu.Lock()
	m := c.messenger
	c.mu.Unlock()
	if m != nil {
		m.Close()
	}
	c.Teardown()
}

// Close tears down the channel and the connection. It is what the exit
// hook and external owners call; terminal operation paths go through it
// implicitly.
func (c *Conn) Close() {
	c.closeChannel()
}

// Teardown releases the connection's resources: it drops the messenger
// reference, cancels in-flight engine calls, and releases the active
// stream. Safe to call more than once; the stream is released exactly
// once.
func (c *Conn) Teardown() {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		stream := c.stream
		c.stream = nil
		c.messenger = nil
		c.mu.Unlock()

		c.cancel()
		if stream != nil {
			stream.Close()
		}
		c.log.Debug("connection torn down")
	})
}

// send emits a response frame. Safe from any goroutine; a no-op once
// the channel is gone.
func (c *Conn) send(resp *api.Response) {
	c.mu.Lock()
	m := c.messenger
	c.mu.Unlock()
	if m == nil {
		return
	}
	data, err := resp.Encode()
	if err != nil {
		c.log.Error("failed to encode response", "type", resp.Type, "error", err)
		return
	}
	m.Send(string(data))
}

// sendError reports a protocol-level error through the channel's error
// primitive. A no-op once the channel is gone.
func (c *Conn) sendError(perr *api.ProtocolError) {
	c.mu.Lock()
	m := c.messenger
	c.mu.Unlock()
	if m == nil {
		return
	}
	c.log.Debug("protocol error", "code", perr.Code, "message", perr.Message)
	m.Error(perr.Message, perr.Code)
}
