package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/driftchat/server/chat"
	"github.com/driftchat/server/gateway"
	"go.uber.org/zap"
)

// ChatHandlers holds the WS handlers for direct messaging.
type ChatHandlers struct {
	chatSvc *chat.Service
	logger  *zap.Logger
}

// NewChatHandlers creates ChatHandlers.
func NewChatHandlers(chatSvc *chat.Service, logger *zap.Logger) *ChatHandlers {
	return &ChatHandlers{chatSvc: chatSvc, logger: logger}
}

// Register binds the chat message types onto the router.
func (h *ChatHandlers) Register(r *Router) {
	r.On("sendMessage", h.HandleSend)
}

type sendMessageReq struct {
	Seq         uint64 `json:"seq"`
	RecipientID int64  `json:"recipientId"`
	Content     string `json:"content"`
}

type sendAck struct {
	Seq       uint64 `json:"seq"`
	ID        int64  `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HandleSend processes a sendMessage WS packet. The origin connection
// always gets a sendAck: with the stored ID and timestamp on success,
// or with an error string the client can surface. Validation failures
// are part of the protocol, not handler errors.
func (h *ChatHandlers) HandleSend(ctx context.Context, s *gateway.Session, raw json.RawMessage) error {
	var req sendMessageReq
	if err := json.Unmarshal(raw, &req); err != nil {
		h.ack(s, sendAck{Seq: req.Seq, Error: "malformed payload"})
		return nil
	}
	if req.RecipientID == 0 {
		h.ack(s, sendAck{Seq: req.Seq, Error: "missing recipient"})
		return nil
	}

	msg, err := h.chatSvc.Send(ctx, s.UserID, s.Username, req.RecipientID, req.Content, s.ID)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			h.ack(s, sendAck{Seq: req.Seq, Error: "empty message"})
		case errors.Is(err, chat.ErrMessageTooLong):
			h.ack(s, sendAck{Seq: req.Seq, Error: "message too long"})
		case errors.Is(err, chat.ErrNotFriends):
			h.ack(s, sendAck{Seq: req.Seq, Error: "not friends"})
		default:
			h.ack(s, sendAck{Seq: req.Seq, Error: "internal error"})
			return err
		}
		return nil
	}

	h.ack(s, sendAck{Seq: req.Seq, ID: msg.ID, Timestamp: msg.CreatedAt.UnixMilli()})
	return nil
}

func (h *ChatHandlers) ack(s *gateway.Session, a sendAck) {
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	s.Send(&gateway.Packet{Type: "sendAck", Payload: payload})
}
