// Package realtime is the Realtime Delivery component: a multi-room
// websocket hub. Every contest gets two rooms — "contest:<id>:participant"
// for contestant-facing broadcasts (question releases, own submission
// results, leaderboard deltas) and "contest:<id>:admin" for operator
// dashboards — plus a single "public" room for the contest list. It
// generalizes ws_hub.go's single-tenant MetricsHub broadcaster pattern
// (one goroutine owns the client map, avoiding N duplicate tickers) to
// multiple named rooms instead of one tenant-keyed fan-out.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/arenaforge/control_plane/observability"
)

const (
	maxConnections  = 2000
	sendQueueDepth  = 64
	pingInterval    = 20 * time.Second
	idleTimeout     = 60 * time.Second
	writeDeadline   = 5 * time.Second
)

// criticalTopics are never dropped from a session's send queue even
// under backpressure — losing a submission_result or contest_end leaves
// a contestant stuck looking at a stale screen with no recourse.
var criticalTopics = map[string]bool{
	"submission_result": true,
	"contest_end":       true,
	"contest_start":     true,
}

// Session is one connected websocket client, registered to exactly one room.
type Session struct {
	conn   *websocket.Conn
	room   string
	userID string
	send   chan outboundMessage
	hub    *Hub
}

type outboundMessage struct {
	topic string
	body  []byte
}

// Event is the envelope every message is wrapped in before going out
// over the wire, so the client can dispatch on Topic without parsing
// the payload first.
type Event struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

type registration struct {
	session *Session
}

// Hub owns every room's membership and is the single writer to each
// connection's outbound state — handlers never write to a conn directly.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]bool

	register   chan registration
	unregister chan *Session
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Session]bool),
		register:   make(chan registration),
		unregister: make(chan *Session),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case reg := <-h.register:
			h.mu.Lock()
			if h.totalSessions() >= maxConnections {
				h.mu.Unlock()
				reg.session.conn.Close()
				log.Printf("realtime: connection rejected, max connections (%d) reached", maxConnections)
				continue
			}
			if h.rooms[reg.session.room] == nil {
				h.rooms[reg.session.room] = make(map[*Session]bool)
			}
			h.rooms[reg.session.room][reg.session] = true
			h.mu.Unlock()
			observability.ConnectedRealtimeSessions.WithLabelValues(reg.session.room).Inc()

		case sess := <-h.unregister:
			h.mu.Lock()
			if members, ok := h.rooms[sess.room]; ok {
				if _, present := members[sess]; present {
					delete(members, sess)
					close(sess.send)
					sess.conn.Close()
					observability.ConnectedRealtimeSessions.WithLabelValues(sess.room).Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) totalSessions() int {
	n := 0
	for _, members := range h.rooms {
		n += len(members)
	}
	return n
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		for sess := range members {
			sess.conn.Close()
		}
		delete(h.rooms, room)
	}
}

// Register admits a connection to a room and starts its read/write pumps.
func (h *Hub) Register(conn *websocket.Conn, room, userID string) *Session {
	sess := &Session{
		conn:   conn,
		room:   room,
		userID: userID,
		send:   make(chan outboundMessage, sendQueueDepth),
		hub:    h,
	}
	h.register <- registration{session: sess}
	go sess.writePump()
	go sess.readPump()
	return sess
}

// BroadcastToRoom pushes one event to every session in a room, applying
// per-session backpressure: if a session's queue is full, a critical
// event evicts the oldest queued message to make room; a non-critical
// event is dropped and counted rather than blocking the broadcaster.
func (h *Hub) BroadcastToRoom(room, topic string, payload interface{}) {
	body, err := json.Marshal(Event{Topic: topic, Payload: payload, Timestamp: time.Now()})
	if err != nil {
		log.Printf("realtime: failed to marshal event for room %s: %v", room, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sess := range h.rooms[room] {
		msg := outboundMessage{topic: topic, body: body}
		select {
		case sess.send <- msg:
		default:
			if criticalTopics[topic] {
				select {
				case <-sess.send:
				default:
				}
				select {
				case sess.send <- msg:
				default:
				}
			} else {
				observability.EventPublishFailures.WithLabelValues(topic, "session_queue_full").Inc()
			}
		}
	}
}

// Publish implements streaming.Publisher so the submission pipeline and
// contest orchestrator can push events through the same interface
// whether or not a realtime audience is currently connected. Payloads
// carrying a contest_id fan out to both of that contest's rooms;
// everything else goes to "public".
func (h *Hub) Publish(ctx context.Context, topic string, payload interface{}) error {
	room := roomFor(topic, payload)
	h.BroadcastToRoom(room, topic, payload)
	if room != "public" {
		h.BroadcastToRoom(adminRoom(room), topic, payload)
	}
	return nil
}

func (h *Hub) Close() error {
	h.shutdown()
	return nil
}

func roomFor(topic string, payload interface{}) string {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return "public"
	}
	contestID, ok := m["contest_id"].(string)
	if !ok || contestID == "" {
		return "public"
	}
	return "contest:" + contestID + ":participant"
}

func adminRoom(participantRoom string) string {
	if len(participantRoom) > len(":participant") {
		return participantRoom[:len(participantRoom)-len(":participant")] + ":admin"
	}
	return participantRoom
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg.body); err != nil {
				log.Printf("realtime: write error for session in room %s: %v", s.room, err)
				s.hub.unregister <- s
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.unregister <- s
				return
			}
		}
	}
}

// readPump exists to detect client disconnects and honor resync
// requests; it does not otherwise expect client-initiated traffic.
func (s *Session) readPump() {
	defer func() { s.hub.unregister <- s }()

	s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &req) == nil && req.Type == "resync" {
			// The handler that created this session is responsible for
			// pushing a fresh snapshot; we just log the request here so
			// the resync round trip is visible in traces.
			log.Printf("realtime: resync requested by session in room %s", s.room)
		}
	}
}
