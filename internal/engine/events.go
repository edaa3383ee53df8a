package engine

import (
	"sync"

	"github.com/tarebo/maestro/model"
)

// watchBuffer is the per-subscriber channel depth. Sends never block; a
// subscriber that falls behind loses intermediate events and resynchronizes
// from the request document.
const watchBuffer = 16

// watchHub fans request progress events out to Watch subscribers. After a
// terminal event is delivered the hub closes that request's channels, which
// is how consumers learn the stream is over.
type watchHub struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan model.RequestEvent
	nextID int
	closed bool
}

func newWatchHub() *watchHub {
	return &watchHub{subs: make(map[string]map[int]chan model.RequestEvent)}
}

// subscribe registers a watcher for one request. The cancel function is safe
// to call multiple times and after the hub closed the channel itself.
func (h *watchHub) subscribe(requestID string) (<-chan model.RequestEvent, func()) {
	ch := make(chan model.RequestEvent, watchBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	if h.subs[requestID] == nil {
		h.subs[requestID] = make(map[int]chan model.RequestEvent)
	}
	h.subs[requestID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if watchers, ok := h.subs[requestID]; ok {
			if c, ok := watchers[id]; ok {
				delete(watchers, id)
				if len(watchers) == 0 {
					delete(h.subs, requestID)
				}
				close(c)
			}
		}
	}
	return ch, cancel
}

// publish delivers an event to every watcher of its request without
// blocking. A terminal event ends the stream.
func (h *watchHub) publish(event model.RequestEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	watchers := h.subs[event.RequestID]
	for _, ch := range watchers {
		select {
		case ch <- event:
		default:
		}
	}

	if event.Status.Terminal() && len(watchers) > 0 {
		for _, ch := range watchers {
			close(ch)
		}
		delete(h.subs, event.RequestID)
	}
}

// close ends every stream. Subsequent subscriptions get a closed channel.
func (h *watchHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for requestID, watchers := range h.subs {
		for _, ch := range watchers {
			close(ch)
		}
		delete(h.subs, requestID)
	}
}
