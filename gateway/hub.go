package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/driftchat/server/cache"
	"github.com/driftchat/server/presence"
	"go.uber.org/zap"
)

// PresenceChannel is the pub/sub channel carrying presence
// transitions for out-of-process listeners (SSE, other nodes).
const PresenceChannel = "presence"

// PresenceEvent is the payload published on PresenceChannel.
type PresenceEvent struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
	At       int64  `json:"at"`
}

// Hub is the connection registry. It owns every live Session, keeps
// the presence Registry in step with registrations, and fans
// userOnline / userOffline transitions out to connected clients and
// the presence pub/sub channel.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session          // connection ID → session
	byUser   map[int64]map[string]*Session // userID → its sessions

	registry *presence.Registry
	pubsub   cache.PubSub
	logger   *zap.Logger
}

// NewHub creates a Hub around the given presence registry. pubsub may
// be nil when no out-of-process listeners exist (tests).
func NewHub(registry *presence.Registry, pubsub cache.PubSub, logger *zap.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		byUser:   make(map[int64]map[string]*Session),
		registry: registry,
		pubsub:   pubsub,
		logger:   logger,
	}
}

// Registry exposes the presence registry for read-side callers.
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// Register adds a session. When it is the user's first live
// connection, every other client is told the user came online. The
// new session itself receives the current online snapshot.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	conns, ok := h.byUser[s.UserID]
	if !ok {
		conns = make(map[string]*Session)
		h.byUser[s.UserID] = conns
	}
	conns[s.ID] = s
	h.mu.Unlock()

	first := h.registry.Add(s.UserID)
	h.logger.Info("session registered",
		zap.String("conn_id", s.ID),
		zap.Int64("user_id", s.UserID),
		zap.Bool("first", first))

	h.sendOnlineSnapshot(s)
	if first {
		h.announce(s, true)
	}
}

// Unregister removes a session. When it was the user's last live
// connection, every other client is told the user went offline.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	if conns, ok := h.byUser[s.UserID]; ok {
		delete(conns, s.ID)
		if len(conns) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
	h.mu.Unlock()

	last := h.registry.Remove(s.UserID)
	h.logger.Info("session unregistered",
		zap.String("conn_id", s.ID),
		zap.Int64("user_id", s.UserID),
		zap.Bool("last", last))

	if last {
		h.announce(s, false)
	}
}

// sendOnlineSnapshot delivers the list of online user IDs to one
// session, so a freshly connected client can paint its indicators.
// The session's own user is filtered out: the registry already counts
// it, and a client has no indicator for itself.
func (h *Hub) sendOnlineSnapshot(s *Session) {
	ids := make([]int64, 0)
	for _, id := range h.registry.OnlineUserIDs() {
		if id != s.UserID {
			ids = append(ids, id)
		}
	}
	payload, err := json.Marshal(map[string]interface{}{"userIds": ids})
	if err != nil {
		return
	}
	s.Send(&Packet{Type: "onlineUsers", Payload: payload})
}

// announce broadcasts a presence transition to all other sessions and
// publishes it on the presence channel.
func (h *Hub) announce(s *Session, online bool) {
	evType := "userOffline"
	if online {
		evType = "userOnline"
	}
	payload, err := json.Marshal(map[string]interface{}{
		"userId":   s.UserID,
		"username": s.Username,
	})
	if err != nil {
		return
	}
	h.BroadcastExcept(&Packet{Type: evType, Payload: payload}, s.ID)

	if h.pubsub == nil {
		return
	}
	ev, err := json.Marshal(PresenceEvent{
		UserID:   s.UserID,
		Username: s.Username,
		Online:   online,
		At:       time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.pubsub.Publish(ctx, PresenceChannel, string(ev)); err != nil {
		h.logger.Warn("presence publish failed", zap.Error(err))
	}
}

// Get returns the session for a connection ID, or nil.
func (h *Hub) Get(connID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[connID]
}

// UserSessions returns a snapshot of all sessions for a user.
func (h *Hub) UserSessions(userID int64) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.byUser[userID]
	out := make([]*Session, 0, len(conns))
	for _, s := range conns {
		out = append(out, s)
	}
	return out
}

// SendToUser delivers a packet to every live connection of userID.
// Returns the number of connections reached.
func (h *Hub) SendToUser(userID int64, pkt *Packet) int {
	sessions := h.UserSessions(userID)
	data, err := json.Marshal(pkt)
	if err != nil {
		h.logger.Error("failed to marshal packet", zap.Error(err))
		return 0
	}
	for _, s := range sessions {
		s.SendRaw(data)
	}
	return len(sessions)
}

// SendToUserExcept delivers a packet to every connection of userID
// except the one with exceptConnID. Used to echo a message to the
// sender's other devices without bouncing it back to the origin.
func (h *Hub) SendToUserExcept(userID int64, pkt *Packet, exceptConnID string) int {
	sessions := h.UserSessions(userID)
	data, err := json.Marshal(pkt)
	if err != nil {
		return 0
	}
	n := 0
	for _, s := range sessions {
		if s.ID == exceptConnID {
			continue
		}
		s.SendRaw(data)
		n++
	}
	return n
}

// Broadcast sends a packet to every connected session.
func (h *Hub) Broadcast(pkt *Packet) {
	h.BroadcastExcept(pkt, "")
}

// BroadcastExcept sends a packet to every session except exceptConnID.
// Uses non-blocking sends so a slow client cannot stall the broadcast.
func (h *Hub) BroadcastExcept(pkt *Packet, exceptConnID string) {
	data, err := json.Marshal(pkt)
	if err != nil {
		h.logger.Error("failed to marshal broadcast packet", zap.Error(err))
		return
	}
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.ID == exceptConnID {
			continue
		}
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.SendRaw(data)
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseUser closes every connection of userID. Used by admin kick/ban.
func (h *Hub) CloseUser(userID int64) int {
	sessions := h.UserSessions(userID)
	for _, s := range sessions {
		s.Close()
	}
	return len(sessions)
}

// CloseAll gracefully closes every session and waits briefly for the
// registry to drain.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	h.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	maxWait := 10 * time.Second
	start := time.Now()
	for time.Since(start) < maxWait {
		if h.Count() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
}
