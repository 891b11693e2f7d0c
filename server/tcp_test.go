package server_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/subwire/subwire/api"
	"github.com/subwire/subwire/client"
	"github.com/subwire/subwire/engine/docengine"
	"github.com/subwire/subwire/server"
)

func startServer(t *testing.T, cfg *server.Config) (*server.Server, *docengine.Store) {
	t.Helper()
	store := docengine.New(nil)
	srv, err := server.New(&server.Spec{
		Config: cfg,
		Engine: store,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	if err := srv.StartTCP("127.0.0.1:0"); err != nil {
		t.Fatalf("failed to start TCP listener: %v", err)
	}
	t.Cleanup(func() { srv.StopTCP() })
	return srv, store
}

func dialAndInit(t *testing.T, srv *server.Server, payload string) *client.Client {
	t.Helper()
	c, err := client.Dial(srv.TCPAddr())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	if err := c.Init(ctx, raw); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	return c
}

// collect reads frames until the connection closes or the timeout
// elapses.
func collect(t *testing.T, c *client.Client, timeout time.Duration) []*client.Frame {
	t.Helper()
	var out []*client.Frame
	deadline := time.After(timeout)
	for {
		select {
		case frame, ok := <-c.Frames():
			if !ok {
				return out
			}
			out = append(out, frame)
		case <-deadline:
			return out
		}
	}
}

func TestTCP_OneShot(t *testing.T) {
	srv, store := startServer(t, nil)
	if _, err := store.Put("greeting", json.RawMessage(`{"text":"hello"}`)); err != nil {
		t.Fatalf("failed to put document: %v", err)
	}

	c := dialAndInit(t, srv, "")
	if err := c.Subscribe("1", json.RawMessage(`{"op":"get","doc":"greeting"}`)); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	frames := collect(t, c, 2*time.Second)
	var types []string
	for _, f := range frames {
		if f.Response != nil {
			types = append(types, f.Response.Type)
		}
	}
	want := []string{api.TypeNext, api.TypeComplete}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("frame sequence mismatch (-want +got):\n%s\nframes: %+v", diff, frames)
	}

	var result struct {
		Doc  string          `json:"doc"`
		Rev  int64           `json:"rev"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frames[0].Response.Payload, &result); err != nil {
		t.Fatalf("undecodable next payload: %v", err)
	}
	if result.Doc != "greeting" || string(result.Data) != `{"text":"hello"}` {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestTCP_Streaming(t *testing.T) {
	srv, store := startServer(t, nil)
	if _, err := store.Put("counter", json.RawMessage(`{"n":0}`)); err != nil {
		t.Fatalf("failed to put document: %v", err)
	}

	c := dialAndInit(t, srv, "")
	if err := c.Subscribe("s1", json.RawMessage(`{"op":"watch","doc":"counter"}`)); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Initial state frame first.
	frame := waitFrame(t, c)
	if frame.Response == nil || frame.Response.Type != api.TypeNext {
		t.Fatalf("first frame = %+v, want next", frame)
	}

	// Two revisions, then deletion ends the sequence naturally.
	if _, err := store.Apply("counter", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := store.Apply("counter", json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := store.Delete("counter"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	frames := collect(t, c, 2*time.Second)
	var types []string
	for _, f := range frames {
		if f.Response != nil {
			types = append(types, f.Response.Type)
		}
	}
	want := []string{api.TypeNext, api.TypeNext, api.TypeComplete}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("frame sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestTCP_SubscribeBeforeInit(t *testing.T) {
	srv, _ := startServer(t, nil)

	c, err := client.Dial(srv.TCPAddr())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer c.Close()

	if err := c.Subscribe("2", json.RawMessage(`{"op":"get","doc":"a"}`)); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	frame := waitFrame(t, c)
	if frame.Err == nil || frame.Err.Code != api.CodeNotInitialized {
		t.Fatalf("frame = %+v, want protocol error %d", frame, api.CodeNotInitialized)
	}
}

func TestTCP_AuthRule(t *testing.T) {
	srv, _ := startServer(t, &server.Config{
		AuthRule: `payload.token == "secret"`,
	})

	// Authorized handshake succeeds.
	dialAndInit(t, srv, `{"token":"secret"}`)

	// Unauthorized handshake yields the unauthorized code.
	c, err := client.Dial(srv.TCPAddr())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = c.Init(ctx, json.RawMessage(`{"token":"wrong"}`))
	perr, ok := err.(*api.ProtocolError)
	if !ok || perr.Code != api.CodeUnauthorized {
		t.Fatalf("Init error = %v, want protocol error %d", err, api.CodeUnauthorized)
	}
}

func TestTCP_MalformedFrame(t *testing.T) {
	srv, _ := startServer(t, nil)

	c, err := client.Dial(srv.TCPAddr())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer c.Close()

	// An id-less subscribe encodes fine; the server rejects the shape.
	if err := c.Subscribe("", nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	frame := waitFrame(t, c)
	if frame.Err == nil || frame.Err.Code != api.CodeInvalidRequestFormat {
		t.Fatalf("frame = %+v, want protocol error %d", frame, api.CodeInvalidRequestFormat)
	}
}

func waitFrame(t *testing.T, c *client.Client) *client.Frame {
	t.Helper()
	select {
	case frame, ok := <-c.Frames():
		if !ok {
			t.Fatal("connection closed while waiting for frame")
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}
