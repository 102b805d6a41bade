package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Subscriber is a local UI connection listening for view updates.
type Subscriber struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte
}

func NewSubscriber(hub *Hub, conn *websocket.Conn) *Subscriber {
	return &Subscriber{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
}

// Hub maintains the set of active subscribers and broadcasts update events
// to them.
type Hub struct {
	// Registered subscribers.
	subscribers map[*Subscriber]struct{}

	// Inbound events to all subscribers.
	broadcast chan OutgoingEvent

	// Register requests from the subscribers.
	Register chan *Subscriber

	// Unregister requests from subscribers.
	unregister chan *Subscriber

	// Closed when Run returns.
	done chan struct{}

	log *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[*Subscriber]struct{}),
		broadcast:   make(chan OutgoingEvent, 64),
		Register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		done:        make(chan struct{}),
		log:         log,
	}
}

// Publish queues an event for every subscriber. It never blocks the caller;
// events are dropped when the hub is saturated.
func (h *Hub) Publish(event OutgoingEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.log.Debug("hub saturated, dropping event", zap.String("kind", event.Kind))
	}
}

// Join registers a subscriber. It returns false once the hub has stopped.
func (h *Hub) Join(subscriber *Subscriber) bool {
	select {
	case h.Register <- subscriber:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for subscriber := range h.subscribers {
				delete(h.subscribers, subscriber)
				close(subscriber.send)
			}
			return
		case subscriber := <-h.Register:
			h.subscribers[subscriber] = struct{}{}
		case subscriber := <-h.unregister:
			if _, ok := h.subscribers[subscriber]; ok {
				delete(h.subscribers, subscriber)
				close(subscriber.send)
			}
		case event := <-h.broadcast:
			message, err := json.Marshal(event)
			if err != nil {
				h.log.Warn("could not encode outgoing event", zap.Error(err))
				continue
			}
			for subscriber := range h.subscribers {
				select {
				case subscriber.send <- message:
				default:
					// Slow subscriber: drop it rather than stall every other one.
					delete(h.subscribers, subscriber)
					close(subscriber.send)
				}
			}
		}
	}
}

// ReadPump drains the connection so control frames are processed, and
// unregisters the subscriber when the peer goes away.
func (s *Subscriber) ReadPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.log.Debug("subscriber read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump pumps events from the hub to the websocket connection. It is the
// only writer on the connection.
func (s *Subscriber) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued events to the current websocket message.
			n := len(s.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write(newline)
				_, _ = w.Write(<-s.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
