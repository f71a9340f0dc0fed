package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/driftchat/server/gateway"
	"go.uber.org/zap"
)

// SessionHandlers holds the connection-level WS handlers.
type SessionHandlers struct {
	hub    *gateway.Hub
	logger *zap.Logger
}

// NewSessionHandlers creates SessionHandlers.
func NewSessionHandlers(hub *gateway.Hub, logger *zap.Logger) *SessionHandlers {
	return &SessionHandlers{hub: hub, logger: logger}
}

// Register binds the session message types onto the router.
func (h *SessionHandlers) Register(r *Router) {
	r.On("authenticate", h.HandleAuthenticate)
	r.On("ping", h.HandlePing)
}

type authenticateReq struct {
	UserID int64 `json:"userId"`
}

// HandleAuthenticate accepts the legacy post-connect identity event.
// Identity was already fixed from the token at upgrade; the claimed ID
// is only checked against it. A mismatch means a confused or hostile
// client, and the connection is dropped.
func (h *SessionHandlers) HandleAuthenticate(_ context.Context, s *gateway.Session, raw json.RawMessage) error {
	var req authenticateReq
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	if req.UserID != 0 && req.UserID != s.UserID {
		h.logger.Warn("authenticate identity mismatch, closing connection",
			zap.Int64("token_user_id", s.UserID),
			zap.Int64("claimed_user_id", req.UserID))
		s.Close()
		return nil
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"userId":   s.UserID,
		"username": s.Username,
	})
	s.Send(&gateway.Packet{Type: "authenticated", Payload: payload})
	return nil
}

type pingReq struct {
	ClientTS int64 `json:"client_ts"`
}

// HandlePing answers an application-level heartbeat with a pong
// carrying both clocks.
func (h *SessionHandlers) HandlePing(_ context.Context, s *gateway.Session, raw json.RawMessage) error {
	var req pingReq
	_ = json.Unmarshal(raw, &req)
	payload, _ := json.Marshal(map[string]int64{
		"client_ts": req.ClientTS,
		"server_ts": time.Now().UnixMilli(),
	})
	s.Send(&gateway.Packet{Type: "pong", Payload: payload})
	return nil
}
