package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Buffered outbound events per subscriber. A slow reader overflows
	// this and loses events rather than blocking publishers.
	sendQueueSize = 64
)

// envelope is the outbound message shape. Type is "initial" for the
// one-time backlog snapshot and "update" for each incremental delivery.
type envelope struct {
	Type      string    `json:"type"`
	Events    []Event   `json:"events"`
	Timestamp time.Time `json:"timestamp"`
}

// controlMessage is the inbound message shape. The only supported type
// is "filter", which replaces the subscriber's filter going forward.
type controlMessage struct {
	Type   string `json:"type"`
	Filter Filter `json:"filter"`
}

// Subscriber is one live connection with its own filter and send queue.
type Subscriber struct {
	hub  *Hub
	conn *websocket.Conn

	filterMu sync.RWMutex
	filter   Filter

	sendMu sync.Mutex
	send   chan envelope
	closed bool
}

func newSubscriber(h *Hub, conn *websocket.Conn, filter Filter) *Subscriber {
	return &Subscriber{
		hub:    h,
		conn:   conn,
		filter: filter,
		send:   make(chan envelope, sendQueueSize),
	}
}

// UpdateFilter replaces the subscriber's filter. It affects subsequent
// events only; already-delivered and already-dropped events are not
// reconciled.
func (s *Subscriber) UpdateFilter(f Filter) {
	s.filterMu.Lock()
	s.filter = f
	s.filterMu.Unlock()
}

// Filter returns the current filter.
func (s *Subscriber) Filter() Filter {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	return s.filter
}

// offer queues ev for delivery if it matches the filter. The queue is
// never blocked on: a full queue drops the event.
func (s *Subscriber) offer(ev Event) {
	s.filterMu.RLock()
	match := s.filter.Matches(ev)
	s.filterMu.RUnlock()
	if !match {
		return
	}
	s.enqueue(envelope{
		Type:      "update",
		Events:    []Event{ev},
		Timestamp: time.Now().UTC(),
	})
}

// sendInitial queues the one-time snapshot envelope.
func (s *Subscriber) sendInitial(events []Event) {
	if events == nil {
		events = []Event{}
	}
	s.enqueue(envelope{
		Type:      "initial",
		Events:    events,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Subscriber) enqueue(env envelope) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- env:
	default:
		s.hub.logger.Debugw("Subscriber queue full, dropping event",
			"type", env.Type,
		)
	}
}

// close shuts the send queue exactly once; the write pump observes the
// closed channel and tears down the connection.
func (s *Subscriber) close() {
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	s.sendMu.Unlock()
}

// readPump consumes inbound messages until the connection drops. Filter
// updates are applied in place; everything else is ignored.
func (s *Subscriber) readPump() {
	defer func() {
		s.hub.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debugw("Subscriber read error", "error", err)
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.hub.logger.Debugw("Ignoring malformed subscriber message", "error", err)
			continue
		}
		if msg.Type == "filter" {
			s.UpdateFilter(msg.Filter)
		}
	}
}

// writePump drains the send queue to the connection and keeps the peer
// alive with periodic pings.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.hub.remove(s)
		s.conn.Close()
	}()

	for {
		select {
		case env, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
