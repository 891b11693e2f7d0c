package docengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/subwire/subwire/engine"
)

func TestStore_Kind(t *testing.T) {
	s := New(nil)

	tests := []struct {
		name    string
		payload string
		want    engine.Kind
		wantErr bool
	}{
		{"get", `{"op":"get","doc":"a"}`, engine.OneShot, false},
		{"watch", `{"op":"watch","doc":"a"}`, engine.Streaming, false},
		{"unknown op", `{"op":"mutate","doc":"a"}`, 0, true},
		{"no op", `{"doc":"a"}`, 0, true},
		{"malformed", `[1,2]`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := s.Kind(json.RawMessage(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Kind(%s) = %v, want error", tt.payload, kind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Kind(%s) error: %v", tt.payload, err)
			}
			if kind != tt.want {
				t.Errorf("Kind(%s) = %v, want %v", tt.payload, kind, tt.want)
			}
		})
	}
}

func TestStore_Execute(t *testing.T) {
	s := New(nil)
	if _, err := s.Put("a", json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	res, err := s.Execute(context.Background(), json.RawMessage(`{"op":"get","doc":"a"}`))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Failed() {
		t.Fatalf("Execute failed: %+v", res.Errors)
	}

	var got struct {
		Doc  string          `json:"doc"`
		Rev  int64           `json:"rev"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(res.Data, &got); err != nil {
		t.Fatalf("undecodable result: %v", err)
	}
	if got.Doc != "a" || got.Rev != 1 || string(got.Data) != `{"x":1}` {
		t.Errorf("result = %+v", got)
	}
}

func TestStore_Execute_UnknownDoc(t *testing.T) {
	s := New(nil)
	res, err := s.Execute(context.Background(), json.RawMessage(`{"op":"get","doc":"none"}`))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	// Missing document is an operation error, not an engine failure.
	if !res.Failed() {
		t.Fatalf("Execute succeeded for a missing document: %+v", res)
	}
}

func TestStore_Apply(t *testing.T) {
	s := New(nil)
	if _, err := s.Put("a", json.RawMessage(`{"x":1,"y":2}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Merge patch
	rev, err := s.Apply("a", json.RawMessage(`{"y":3}`))
	if err != nil {
		t.Fatalf("Apply merge patch failed: %v", err)
	}
	if rev != 2 {
		t.Errorf("rev = %d, want 2", rev)
	}

	// RFC 6902 patch
	if _, err := s.Apply("a", json.RawMessage(`[{"op":"replace","path":"/x","value":9}]`)); err != nil {
		t.Fatalf("Apply json patch failed: %v", err)
	}

	doc, ok := s.get("a")
	if !ok {
		t.Fatal("document vanished")
	}
	var got map[string]float64
	if err := json.Unmarshal(doc.data, &got); err != nil {
		t.Fatalf("undecodable document: %v", err)
	}
	want := map[string]float64{"x": 9, "y": 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_Apply_UnknownDoc(t *testing.T) {
	s := New(nil)
	if _, err := s.Apply("none", json.RawMessage(`{}`)); err == nil {
		t.Error("Apply accepted a missing document")
	}
}

func TestStore_Subscribe(t *testing.T) {
	s := New(nil)
	if _, err := s.Put("a", json.RawMessage(`{"n":0}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	sr, err := s.Subscribe(context.Background(), json.RawMessage(`{"op":"watch","doc":"a"}`))
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if len(sr.Errors) > 0 || sr.Stream == nil {
		t.Fatalf("Subscribe result = %+v", sr)
	}
	defer sr.Stream.Close()

	// Initial state
	res := readResult(t, sr.Stream)
	assertRev(t, res, 1)

	// Revisions arrive in order
	if _, err := s.Apply("a", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := s.Apply("a", json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	assertRev(t, readResult(t, sr.Stream), 2)
	assertRev(t, readResult(t, sr.Stream), 3)

	// Deletion ends the sequence naturally
	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	select {
	case res, ok := <-sr.Stream.Events():
		if ok {
			t.Fatalf("unexpected result after delete: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after delete")
	}
}

func TestStore_Subscribe_MissingDoc(t *testing.T) {
	s := New(nil)
	sr, err := s.Subscribe(context.Background(), json.RawMessage(`{"op":"watch","doc":"later"}`))
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sr.Stream.Close()

	// Initial state of a missing document is null.
	res := readResult(t, sr.Stream)
	var got struct {
		Rev  int64           `json:"rev"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(res.Data, &got); err != nil {
		t.Fatalf("undecodable result: %v", err)
	}
	if got.Rev != 0 || string(got.Data) != "null" {
		t.Errorf("initial state = %+v", got)
	}

	// The first Put becomes the first live event.
	if _, err := s.Put("later", json.RawMessage(`{"here":true}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	assertRev(t, readResult(t, sr.Stream), 1)
}

func TestStore_Subscribe_CloseReleasesWatcher(t *testing.T) {
	s := New(nil)
	sr, err := s.Subscribe(context.Background(), json.RawMessage(`{"op":"watch","doc":"a"}`))
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if s.Hub().WatcherCount() != 1 {
		t.Fatalf("WatcherCount = %d, want 1", s.Hub().WatcherCount())
	}

	sr.Stream.Close()
	sr.Stream.Close() // idempotent

	if s.Hub().WatcherCount() != 0 {
		t.Errorf("WatcherCount = %d after close, want 0", s.Hub().WatcherCount())
	}
}

func readResult(t *testing.T, st engine.Stream) *engine.Result {
	t.Helper()
	select {
	case res, ok := <-st.Events():
		if !ok {
			t.Fatal("stream ended unexpectedly")
		}
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream result")
	}
	return nil
}

func assertRev(t *testing.T, res *engine.Result, want int64) {
	t.Helper()
	if res.Failed() {
		t.Fatalf("result failed: %+v", res.Errors)
	}
	var got struct {
		Rev int64 `json:"rev"`
	}
	if err := json.Unmarshal(res.Data, &got); err != nil {
		t.Fatalf("undecodable result: %v", err)
	}
	if got.Rev != want {
		t.Errorf("rev = %d, want %d", got.Rev, want)
	}
}
