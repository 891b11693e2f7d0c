// Package docengine is an in-memory JSON document engine implementing
// the execution-engine boundary. One-shot operations read a document;
// streaming operations watch a document across revisions until it is
// deleted. Revisions are produced by applying JSON patches (RFC 6902)
// or merge patches (RFC 7386) to the stored documents.
package docengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/subwire/subwire/api"
	"github.com/subwire/subwire/engine"
)

// Operation payload shape:
//
//	{"op": "get", "doc": "name"}    one-shot read
//	{"op": "watch", "doc": "name"}  streaming watch
type opSpec struct {
	Op  string `json:"op"`
	Doc string `json:"doc"`
}

const (
	opGet   = "get"
	opWatch = "watch"
)

// watchBuffer is the per-watcher event buffer before a slow consumer is
// failed.
const watchBuffer = 100

type document struct {
	data json.RawMessage
	rev  int64
}

// Store is an in-memory document store exposing the engine interface.
type Store struct {
	log *slog.Logger
	hub *Hub

	mu   sync.RWMutex
	docs map[string]*document
	rev  int64
}

// New creates an empty Store.
func New(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:  log.With("engine", "doc"),
		hub:  NewHub(),
		docs: make(map[string]*document),
	}
}

// Hub exposes the store's watch hub, mainly for tests and monitoring.
func (s *Store) Hub() *Hub { return s.hub }

// Put stores a full document value, replacing any previous value, and
// broadcasts the new revision.
func (s *Store) Put(name string, data json.RawMessage) (int64, error) {
	if !json.Valid(data) {
		return 0, fmt.Errorf("document %q: invalid JSON", name)
	}
	s.mu.Lock()
	s.rev++
	rev := s.rev
	s.docs[name] = &document{data: data, rev: rev}
	s.mu.Unlock()

	s.hub.Broadcast(&Event{Doc: name, Rev: rev, Data: data})
	return rev, nil
}

// Apply patches an existing document and broadcasts the new revision.
// An RFC 6902 patch (a JSON array) is applied operation by operation;
// anything else is treated as an RFC 7386 merge patch.
func (s *Store) Apply(name string, patch json.RawMessage) (int64, error) {
	s.mu.Lock()
	doc, ok := s.docs[name]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("unknown document %q", name)
	}

	patched, err := applyPatch(doc.data, patch)
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("document %q: %w", name, err)
	}

	s.rev++
	rev := s.rev
	s.docs[name] = &document{data: patched, rev: rev}
	s.mu.Unlock()

	s.hub.Broadcast(&Event{Doc: name, Rev: rev, Data: patched})
	return rev, nil
}

func applyPatch(data, patch json.RawMessage) (json.RawMessage, error) {
	if isArray(patch) {
		ops, err := jsonpatch.DecodePatch(patch)
		if err != nil {
			return nil, fmt.Errorf("failed to decode patch: %w", err)
		}
		patched, err := ops.Apply(data)
		if err != nil {
			return nil, fmt.Errorf("failed to apply patch: %w", err)
		}
		return patched, nil
	}
	patched, err := jsonpatch.MergePatch(data, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to apply merge patch: %w", err)
	}
	return patched, nil
}

func isArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

// Delete removes a document. Active watches on it end naturally.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	if _, ok := s.docs[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown document %q", name)
	}
	delete(s.docs, name)
	s.rev++
	rev := s.rev
	s.mu.Unlock()

	s.hub.Broadcast(&Event{Doc: name, Rev: rev, Deleted: true})
	return nil
}

// get returns a copy of the current document state.
func (s *Store) get(name string) (*document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[name]
	return doc, ok
}

// --- engine.Engine ---

// Kind classifies the operation payload: get is one-shot, watch is
// streaming. Anything else cannot be classified.
func (s *Store) Kind(payload json.RawMessage) (engine.Kind, error) {
	spec, err := parseOp(payload)
	if err != nil {
		return 0, err
	}
	switch spec.Op {
	case opGet:
		return engine.OneShot, nil
	case opWatch:
		return engine.Streaming, nil
	default:
		return 0, fmt.Errorf("cannot classify operation %q", spec.Op)
	}
}

// Execute reads a document. A missing document is an operation error,
// not an engine failure.
func (s *Store) Execute(ctx context.Context, payload json.RawMessage) (*engine.Result, error) {
	spec, err := parseOp(payload)
	if err != nil {
		return nil, err
	}
	if spec.Op != opGet {
		return nil, fmt.Errorf("operation %q is not one-shot", spec.Op)
	}

	doc, ok := s.get(spec.Doc)
	if !ok {
		return &engine.Result{
			Errors: []*api.ResultError{api.NewResultError(fmt.Sprintf("unknown document %q", spec.Doc))},
		}, nil
	}
	return &engine.Result{Data: resultData(spec.Doc, doc.rev, doc.data)}, nil
}

// Subscribe starts a document watch. The stream emits the current state
// first, then each revision in order, and ends naturally when the
// document is deleted.
func (s *Store) Subscribe(ctx context.Context, payload json.RawMessage) (*engine.StreamResult, error) {
	spec, err := parseOp(payload)
	if err != nil {
		return nil, err
	}
	if spec.Op != opWatch {
		return nil, fmt.Errorf("operation %q is not streaming", spec.Op)
	}
	if spec.Doc == "" {
		return &engine.StreamResult{
			Errors: []*api.ResultError{api.NewResultError("watch requires a document name")},
		}, nil
	}

	// Register with the hub before snapshotting current state, so
	// revisions landing in between are queued; the forwarder skips the
	// ones at or below the snapshot revision.
	watcher := NewWatcher(spec.Doc, watchBuffer)
	s.hub.Watch(watcher)

	var initial *Event
	if doc, ok := s.get(spec.Doc); ok {
		initial = &Event{Doc: spec.Doc, Rev: doc.rev, Data: doc.data}
	} else {
		initial = &Event{Doc: spec.Doc, Rev: 0, Data: json.RawMessage("null")}
	}

	st := &docStream{
		store:   s,
		watcher: watcher,
		out:     make(chan *engine.Result, watchBuffer),
		quit:    make(chan struct{}),
	}
	go st.forward(ctx, initial)

	return &engine.StreamResult{Stream: st}, nil
}

func parseOp(payload json.RawMessage) (*opSpec, error) {
	spec := &opSpec{}
	if err := json.Unmarshal(payload, spec); err != nil {
		return nil, fmt.Errorf("malformed operation: %w", err)
	}
	if spec.Op == "" {
		return nil, fmt.Errorf("operation has no op field")
	}
	return spec, nil
}

// resultData wraps a document state into the engine result payload.
func resultData(doc string, rev int64, data json.RawMessage) json.RawMessage {
	out, _ := json.Marshal(struct {
		Doc  string          `json:"doc"`
		Rev  int64           `json:"rev"`
		Data json.RawMessage `json:"data"`
	}{Doc: doc, Rev: rev, Data: data})
	return out
}

// docStream is the live sequence of results for one watch.
type docStream struct {
	store   *Store
	watcher *Watcher
	out     chan *engine.Result
	quit    chan struct{}

	closeOnce sync.Once
}

func (st *docStream) Events() <-chan *engine.Result { return st.out }

// Close releases the watch. Idempotent; the forwarder closes the out
// channel when it exits.
func (st *docStream) Close() {
	st.closeOnce.Do(func() {
		st.store.hub.Unwatch(st.watcher)
		close(st.quit)
	})
}

// forward emits the initial state, then live revisions in order,
// deduplicating any queued events the snapshot already covered. It ends
// the sequence on document deletion (natural completion) or when the
// stream is released.
func (st *docStream) forward(ctx context.Context, initial *Event) {
	defer close(st.out)

	last := initial.Rev
	if !st.emit(ctx, initial) {
		return
	}

	for {
		select {
		case <-st.quit:
			return
		case <-ctx.Done():
			st.Close()
			return
		case <-st.watcher.Failed:
			st.store.log.Warn("watch failed (slow consumer)", "doc", st.watcher.Doc)
			res := &engine.Result{
				Errors: []*api.ResultError{api.NewResultError(fmt.Sprintf("watch on %q failed: slow consumer", st.watcher.Doc))},
			}
			select {
			case st.out <- res:
			default:
			}
			st.Close()
			return
		case e, ok := <-st.watcher.Events:
			if !ok {
				return
			}
			if e.Rev <= last {
				continue
			}
			last = e.Rev
			if e.Deleted {
				st.Close()
				return
			}
			if !st.emit(ctx, e) {
				return
			}
		}
	}
}

// emit sends one event as a result. Returns false when the stream is
// released or the context canceled.
func (st *docStream) emit(ctx context.Context, e *Event) bool {
	res := &engine.Result{Data: resultData(e.Doc, e.Rev, e.Data)}
	select {
	case st.out <- res:
		return true
	case <-st.quit:
		return false
	case <-ctx.Done():
		return false
	}
}
