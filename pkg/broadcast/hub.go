// Package broadcast fans progress messages out from the lock and broadcast
// fabric to connected listeners. The hub carries no history: a listener that
// connects after a message was published simply never sees it and is expected
// to reconcile against the task store.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sctennis77/zazzle-agent-sub001/pkg/metrics"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/tasks"
)

// Listener receives progress messages. Send returning an error marks the
// listener dead and the hub drops it.
type Listener interface {
	ID() string
	Send(msg tasks.ProgressMessage) error
}

// Subscriber is the fabric surface the hub consumes messages from.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func([]byte)) error
}

// Hub routes task-scoped messages to their subscribers and general messages
// to everyone.
type Hub struct {
	mu sync.Mutex

	// listeners holds every connected listener by id.
	listeners map[string]Listener

	// byTask maps task id to the set of listener ids subscribed to it.
	byTask map[string]map[string]struct{}

	// byListener is the reverse index, used to clean up on disconnect.
	byListener map[string]map[string]struct{}

	log zerolog.Logger
}

// NewHub builds an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		listeners:  make(map[string]Listener),
		byTask:     make(map[string]map[string]struct{}),
		byListener: make(map[string]map[string]struct{}),
		log:        log.With().Str("component", "broadcast").Logger(),
	}
}

// Run consumes the task update channel until the context is cancelled.
func (h *Hub) Run(ctx context.Context, sub Subscriber) error {
	return sub.Subscribe(ctx, tasks.ChannelTaskUpdates, h.HandleRaw)
}

// Register adds a listener. It receives general updates immediately and
// task updates once subscribed.
func (h *Hub) Register(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[l.ID()]; ok {
		return
	}
	h.listeners[l.ID()] = l
	metrics.BroadcastConnections.Inc()
	h.log.Debug().Str("listener", l.ID()).Msg("listener connected")
}

// Unregister removes a listener and all its subscriptions.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(id)
}

// Subscribe attaches a registered listener to one task's updates.
func (h *Hub) Subscribe(listenerID, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[listenerID]; !ok {
		return
	}
	if h.byTask[taskID] == nil {
		h.byTask[taskID] = make(map[string]struct{})
	}
	if _, dup := h.byTask[taskID][listenerID]; dup {
		return
	}
	h.byTask[taskID][listenerID] = struct{}{}
	if h.byListener[listenerID] == nil {
		h.byListener[listenerID] = make(map[string]struct{})
	}
	h.byListener[listenerID][taskID] = struct{}{}
	metrics.BroadcastSubscriptions.Inc()
}

// Unsubscribe detaches a listener from one task.
func (h *Hub) Unsubscribe(listenerID, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(listenerID, taskID)
}

// HandleRaw decodes a fabric payload and routes it. Malformed payloads are
// logged and dropped so one bad publisher cannot take the stream down.
func (h *Hub) HandleRaw(payload []byte) {
	var msg tasks.ProgressMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.log.Warn().Err(err).Msg("dropping malformed progress payload")
		return
	}
	h.HandleMessage(msg)
}

// HandleMessage routes one progress message: task updates reach that task's
// subscribers, general updates reach every listener. Targets are snapshotted
// under the lock but sent to outside it, so one slow or dead connection
// cannot stall the other listeners or block Register/Subscribe for the
// duration of a write timeout.
func (h *Hub) HandleMessage(msg tasks.ProgressMessage) {
	h.mu.Lock()
	var targets []Listener
	switch {
	case msg.Type == tasks.MessageTaskUpdate && msg.TaskID != "":
		for id := range h.byTask[msg.TaskID] {
			if l, ok := h.listeners[id]; ok {
				targets = append(targets, l)
			}
		}
	default:
		for _, l := range h.listeners {
			targets = append(targets, l)
		}
	}
	h.mu.Unlock()

	var dead []string
	for _, l := range targets {
		if err := l.Send(msg); err != nil {
			h.log.Debug().Err(err).Str("listener", l.ID()).Msg("evicting dead listener")
			dead = append(dead, l.ID())
		}
	}
	if len(dead) == 0 {
		return
	}

	h.mu.Lock()
	for _, id := range dead {
		h.dropLocked(id)
	}
	h.mu.Unlock()
}

// Counts reports connected listeners and active subscriptions.
func (h *Hub) Counts() (listeners, subscriptions int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.byTask {
		subscriptions += len(set)
	}
	return len(h.listeners), subscriptions
}

func (h *Hub) dropLocked(id string) {
	if _, ok := h.listeners[id]; !ok {
		return
	}
	for taskID := range h.byListener[id] {
		h.unsubscribeLocked(id, taskID)
	}
	delete(h.byListener, id)
	delete(h.listeners, id)
	metrics.BroadcastConnections.Dec()
}

func (h *Hub) unsubscribeLocked(listenerID, taskID string) {
	set, ok := h.byTask[taskID]
	if !ok {
		return
	}
	if _, subscribed := set[listenerID]; !subscribed {
		return
	}
	delete(set, listenerID)
	if len(set) == 0 {
		delete(h.byTask, taskID)
	}
	if ls := h.byListener[listenerID]; ls != nil {
		delete(ls, taskID)
	}
	metrics.BroadcastSubscriptions.Dec()
}
