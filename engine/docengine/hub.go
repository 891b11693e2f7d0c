package docengine

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultBroadcastTimeout is the default timeout for sending events to
// watchers. If a watcher doesn't read within this time, the watch is
// failed.
const DefaultBroadcastTimeout = 5 * time.Second

// Event is a document revision notification.
type Event struct {
	Doc     string
	Rev     int64
	Data    json.RawMessage
	Deleted bool
}

// Hub manages document watchers and broadcasts revision events to them.
// It is thread-safe and designed for concurrent access from multiple
// streams.
type Hub struct {
	mu               sync.RWMutex
	watchers         map[string]map[*Watcher]struct{} // doc -> set of watchers
	broadcastTimeout time.Duration
}

// Watcher represents a watch on a document. The Events channel receives
// revision events for the watched document. If the watcher can't keep
// up (Events channel blocks), the watch is failed and the Failed
// channel is closed.
type Watcher struct {
	Doc    string
	Events chan *Event
	Failed chan struct{}

	failOnce sync.Once // ensures Failed is closed only once
}

// NewHub creates a new Hub instance with default timeout.
func NewHub() *Hub {
	return NewHubWithTimeout(DefaultBroadcastTimeout)
}

// NewHubWithTimeout creates a new Hub with a custom broadcast timeout.
func NewHubWithTimeout(timeout time.Duration) *Hub {
	return &Hub{
		watchers:         make(map[string]map[*Watcher]struct{}),
		broadcastTimeout: timeout,
	}
}

// Watch adds a watcher for the given document.
//
// The caller is responsible for:
// 1. Creating the Watcher with a buffered Events channel
// 2. Reading from the Events channel to avoid blocking
// 3. Calling Unwatch when done
func (h *Hub) Watch(watcher *Watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.watchers[watcher.Doc] == nil {
		h.watchers[watcher.Doc] = make(map[*Watcher]struct{})
	}
	h.watchers[watcher.Doc][watcher] = struct{}{}
}

// Unwatch removes a watcher. After unwatching, no more events will be
// sent to the watcher's channel.
func (h *Hub) Unwatch(watcher *Watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if watchers, ok := h.watchers[watcher.Doc]; ok {
		delete(watchers, watcher)
		if len(watchers) == 0 {
			delete(h.watchers, watcher.Doc)
		}
	}
}

// Broadcast sends a revision event to all watchers of the document.
//
// If a watcher's channel blocks for longer than the broadcast timeout,
// the watch is failed (Failed channel is closed) and the watcher is
// removed. Slow consumers are notified of failure instead of silently
// missing events.
func (h *Hub) Broadcast(e *Event) {
	h.mu.RLock()
	var targets []*Watcher
	for watcher := range h.watchers[e.Doc] {
		targets = append(targets, watcher)
	}
	h.mu.RUnlock()

	var failedWatchers []*Watcher
	for _, watcher := range targets {
		// Check if already failed
		select {
		case <-watcher.Failed:
			continue
		default:
		}

		select {
		case watcher.Events <- e:
			// Sent successfully
		case <-time.After(h.broadcastTimeout):
			// Timeout - watcher is too slow, fail it
			watcher.failOnce.Do(func() {
				close(watcher.Failed)
			})
			failedWatchers = append(failedWatchers, watcher)
		case <-watcher.Failed:
			// Failed while waiting, skip
		}
	}

	if len(failedWatchers) > 0 {
		h.mu.Lock()
		for _, watcher := range failedWatchers {
			if watchers, ok := h.watchers[watcher.Doc]; ok {
				delete(watchers, watcher)
				if len(watchers) == 0 {
					delete(h.watchers, watcher.Doc)
				}
			}
		}
		h.mu.Unlock()
	}
}

// WatcherCount returns the total number of active watchers.
// Useful for monitoring and tests.
func (h *Hub) WatcherCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, watchers := range h.watchers {
		count += len(watchers)
	}
	return count
}

// NewWatcher creates a new Watcher with a buffered events channel.
// bufferSize controls how many events can be buffered before the watch
// is failed due to slow consumption.
func NewWatcher(doc string, bufferSize int) *Watcher {
	return &Watcher{
		Doc:    doc,
		Events: make(chan *Event, bufferSize),
		Failed: make(chan struct{}),
	}
}

// IsFailed returns true if the watch has failed (slow consumer).
func (w *Watcher) IsFailed() bool {
	select {
	case <-w.Failed:
		return true
	default:
		return false
	}
}
