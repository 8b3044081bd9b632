// Package hub multiplexes a live feed of trace events to independently
// filtered websocket subscribers. Delivery is bounded-staleness: a
// subscriber that cannot keep up loses events instead of stalling the
// publisher, and reconciles by re-querying history.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/history"
)

// DefaultBacklogSize bounds the snapshot sent to a new subscriber.
const DefaultBacklogSize = 200

// Event is the wire shape delivered to subscribers.
type Event struct {
	ID                string          `json:"id"`
	ExecutionID       string          `json:"execution_id"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	ConversationID    string          `json:"conversation_id,omitempty"`
	WorkflowID        string          `json:"workflow_id,omitempty"`
	Kind              string          `json:"kind"`
	Name              string          `json:"name"`
	Status            string          `json:"status,omitempty"`
	Level             history.Level   `json:"level"`
	Timestamp         time.Time       `json:"timestamp"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

// FromTimeline converts a persisted timeline event and its owning run
// into the live wire shape.
func FromTimeline(run *history.Run, ev *history.Event) Event {
	ts := ev.StartTime
	if ev.EndTime != nil {
		ts = *ev.EndTime
	}
	out := Event{
		ID:          ev.ID,
		ExecutionID: run.ID,
		Kind:        string(ev.Kind),
		Name:        ev.Name,
		Status:      ev.Status,
		Level:       ev.Level,
		Timestamp:   ts,
		Payload:     ev.Output,
	}
	out.ConversationID = run.ConversationID
	out.WorkflowID = run.WorkflowID
	if out.Payload == nil {
		out.Payload = ev.Input
	}
	return out
}

// Hub owns the subscriber set and the bounded backlog. It is explicitly
// constructed and passed to publishers; there is no package-level state.
type Hub struct {
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	backlog     []Event
	backlogMax  int
}

// New creates a hub with the default backlog bound.
func New(logger *zap.SugaredLogger) *Hub {
	return NewWithBacklog(logger, DefaultBacklogSize)
}

// NewWithBacklog creates a hub keeping at most max recent events for
// snapshot delivery.
func NewWithBacklog(logger *zap.SugaredLogger, max int) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if max < 1 {
		max = 1
	}
	return &Hub{
		logger:      logger,
		subscribers: make(map[*Subscriber]struct{}),
		backlog:     make([]Event, 0, max),
		backlogMax:  max,
	}
}

// SetBacklogSize rebounds the snapshot backlog, trimming to the newest
// events when it shrinks. Config reloads call this at runtime.
func (h *Hub) SetBacklogSize(max int) {
	if max < 1 {
		max = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backlogMax = max
	if len(h.backlog) > max {
		h.backlog = append([]Event(nil), h.backlog[len(h.backlog)-max:]...)
	}
}

// Publish records ev in the backlog and delivers it to every subscriber
// whose filter matches. Publish never blocks: subscribers with a full
// send queue drop the event.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	h.backlog = append(h.backlog, ev)
	if len(h.backlog) > h.backlogMax {
		h.backlog = h.backlog[len(h.backlog)-h.backlogMax:]
	}
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.offer(ev)
	}
}

// Snapshot returns the backlog events matching filter, oldest first.
func (h *Hub) Snapshot(filter Filter) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	matched := make([]Event, 0, len(h.backlog))
	for _, ev := range h.backlog {
		if filter.Matches(ev) {
			matched = append(matched, ev)
		}
	}
	return matched
}

// Subscribe registers conn with an initial filter, queues the backlog
// snapshot, and starts the connection's read and write pumps.
//
// The snapshot, the initial enqueue, and the registration happen under
// one lock: a Publish racing with Subscribe either misses the subscriber
// entirely or queues its update behind the initial envelope, so the
// first message a client reads is always the snapshot and no backlog
// event arrives twice.
func (h *Hub) Subscribe(conn *websocket.Conn, filter Filter) *Subscriber {
	sub := newSubscriber(h, conn, filter)

	h.mu.Lock()
	matched := make([]Event, 0, len(h.backlog))
	for _, ev := range h.backlog {
		if filter.Matches(ev) {
			matched = append(matched, ev)
		}
	}
	sub.sendInitial(matched)
	h.subscribers[sub] = struct{}{}
	count := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Debugw("Subscriber connected",
		"remote", conn.RemoteAddr().String(),
		"subscribers", count,
	)

	go sub.writePump()
	go sub.readPump()
	return sub
}

// remove unregisters sub. Removal is idempotent; only the first call
// closes the send queue.
func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	_, present := h.subscribers[sub]
	if present {
		delete(h.subscribers, sub)
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	if !present {
		return
	}
	sub.close()
	h.logger.Debugw("Subscriber removed", "subscribers", count)
}

// SubscriberCount returns the current number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
