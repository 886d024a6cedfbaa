// Package hub fans telemetry out to WebSocket subscribers. Delivery is
// best-effort push, strictly ordered per subscriber; one slow or dead
// subscriber is dropped without affecting the rest.
package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/browsertap/relay/internal/event"
)

const controlWriteWait = 5 * time.Second

// Subscriber is one downstream connection. Owned exclusively by the Hub:
// created on register, destroyed on disconnect, send failure, or heartbeat
// eviction. It never outlives its socket.
type Subscriber struct {
	id          uint64
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	connectedAt time.Time
	alive       bool // heartbeat flag, guarded by the hub mutex
}

// writePump drains the send channel onto the socket. A write error removes
// the subscriber: a failed send is never retried and never blocks anyone
// else.
func (s *Subscriber) writePump() {
	defer s.conn.Close()
	for msg := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.hub.Unregister(s)
			return
		}
	}
}

type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]bool
	nextID      uint64

	heartbeat  time.Duration
	sendBuffer int
}

func New(heartbeat time.Duration, sendBuffer int) *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
		heartbeat:   heartbeat,
		sendBuffer:  sendBuffer,
	}
}

// Register adds a new subscriber for conn and starts its write pump. The
// subscriber starts alive; the transport pong handler keeps it that way.
func (h *Hub) Register(conn *websocket.Conn) *Subscriber {
	s := &Subscriber{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, h.sendBuffer),
		connectedAt: time.Now(),
		alive:       true,
	}

	conn.SetPongHandler(func(string) error {
		h.markAlive(s)
		return nil
	})

	h.mu.Lock()
	h.nextID++
	s.id = h.nextID
	h.subscribers[s] = true
	n := len(h.subscribers)
	h.mu.Unlock()

	go s.writePump()
	log.Printf("hub: subscriber %d connected (%d total)", s.id, n)
	return s
}

// Unregister removes a subscriber and closes its socket. Idempotent: the
// disconnect path, the send-failure path, and the heartbeat sweep may all
// call it for the same subscriber.
func (h *Hub) Unregister(s *Subscriber) {
	h.mu.Lock()
	if !h.subscribers[s] {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, s)
	close(s.send)
	n := len(h.subscribers)
	h.mu.Unlock()

	s.conn.Close()
	log.Printf("hub: subscriber %d removed (%d total)", s.id, n)
}

// Publish serializes the event once and delivers it to every subscriber.
// A subscriber whose buffer is full is dropped on the spot and never
// retried. Sends happen under the read lock: Unregister takes the write
// lock before closing a send channel, so no send can hit a closed channel.
func (h *Hub) Publish(e event.Event) {
	data, err := event.Marshal(e)
	if err != nil {
		log.Printf("hub: marshal error: %v", err)
		return
	}

	var dead []*Subscriber
	h.mu.RLock()
	for s := range h.subscribers {
		select {
		case s.send <- data:
		default:
			dead = append(dead, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range dead {
		log.Printf("hub: subscriber %d can't keep up, disconnecting", s.id)
		h.Unregister(s)
	}
}

// Run drives the heartbeat sweep until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep implements the two-tick liveness protocol: evict whoever has not
// answered since the previous sweep, then clear the flag on everyone else
// and probe them. A subscriber survives by answering at least once every
// two intervals, via either a transport pong or an application-level ping.
func (h *Hub) sweep() {
	var stale, probe []*Subscriber
	h.mu.Lock()
	for s := range h.subscribers {
		if !s.alive {
			stale = append(stale, s)
		} else {
			s.alive = false
			probe = append(probe, s)
		}
	}
	h.mu.Unlock()

	for _, s := range stale {
		log.Printf("hub: subscriber %d unresponsive, terminating", s.id)
		h.Unregister(s)
	}
	for _, s := range probe {
		// WriteControl is documented safe concurrently with the write pump.
		if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
			h.Unregister(s)
		}
	}
}

func (h *Hub) markAlive(s *Subscriber) {
	h.mu.Lock()
	if h.subscribers[s] {
		s.alive = true
	}
	h.mu.Unlock()
}

// enqueue queues a non-telemetry frame (pong replies) on the subscriber's
// send channel, dropping it if the buffer is full.
func (h *Hub) enqueue(s *Subscriber, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.subscribers[s] {
		return
	}
	select {
	case s.send <- data:
	default:
	}
}

// Count returns the live subscriber count. Diagnostics only.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// CloseAll disconnects every subscriber with the given close code.
func (h *Hub) CloseAll(code int) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	msg := websocket.FormatCloseMessage(code, "")
	for _, s := range subs {
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
		h.Unregister(s)
	}
}
