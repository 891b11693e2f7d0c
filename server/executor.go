package server

import (
	"github.com/subwire/subwire/api"
	"github.com/subwire/subwire/engine"
)

// execute classifies the operation and drives it against the engine.
// Classification is synchronous; the engine call itself runs on its own
// goroutine so the inbound handler never blocks on it.
func (c *Conn) execute(req *api.Subscribe) {
	kind, err := c.eng.Kind(req.Payload)
	if err != nil {
		c.log.Debug("operation classification failed", "id", req.ID, "error", err)
		c.send(api.NewError(req.ID, []*api.ResultError{api.NewResultError(err.Error())}))
		return
	}

	switch kind {
	case engine.Streaming:
		go c.runStreaming(req)
	default:
		go c.runOneShot(req)
	}
}

// runOneShot emits exactly [next, complete] or [error, complete] for
// the operation id, then closes the channel: the protocol serves one
// operation per connection.
func (c *Conn) runOneShot(req *api.Subscribe) {
	res, err := c.eng.Execute(c.ctx, req.Payload)
	switch {
	case err != nil:
		c.send(api.NewError(req.ID, []*api.ResultError{api.NewResultError(err.Error())}))
	case res.Failed():
		c.send(api.NewError(req.ID, res.Errors))
	default:
		c.send(api.NewNext(req.ID, res.Data))
	}
	c.send(api.NewComplete(req.ID))
	c.closeChannel()
}

// runStreaming subscribes and forwards each item of the live sequence
// in order: next on success, error on per-item failure. When the
// sequence ends naturally it emits complete and closes the channel.
// Engine-level failures are terminal without a complete frame.
func (c *Conn) runStreaming(req *api.Subscribe) {
	sr, err := c.eng.Subscribe(c.ctx, req.Payload)
	if err != nil {
		c.send(api.NewError(req.ID, []*api.ResultError{api.NewResultError(err.Error())}))
		return
	}
	if len(sr.Errors) > 0 {
		c.send(api.NewError(req.ID, sr.Errors))
		return
	}
	if sr.Stream == nil {
		// Capability check: the engine produced a non-streaming result
		// where a stream was required.
		c.sendError(api.ErrInternalStreamIssue())
		return
	}

	if !c.setStream(sr.Stream) {
		return
	}

	for res := range sr.Stream.Events() {
		if res.Failed() {
			c.send(api.NewError(req.ID, res.Errors))
			continue
		}
		c.send(api.NewNext(req.ID, res.Data))
	}

	c.send(api.NewComplete(req.ID))
	c.closeChannel()
}
