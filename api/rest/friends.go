package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/driftchat/server/audit"
	"github.com/driftchat/server/friends"
	"github.com/driftchat/server/gateway"
	mw "github.com/driftchat/server/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// FriendsHandler handles the friend-relationship REST endpoints and
// pushes the resulting notifications onto live connections.
type FriendsHandler struct {
	svc    *friends.Service
	hub    *gateway.Hub
	audit  *audit.Service
	logger *zap.Logger
}

// NewFriendsHandler creates a FriendsHandler.
func NewFriendsHandler(svc *friends.Service, hub *gateway.Hub, auditSvc *audit.Service, logger *zap.Logger) *FriendsHandler {
	return &FriendsHandler{svc: svc, hub: hub, audit: auditSvc, logger: logger}
}

type sendRequestBody struct {
	Username string `json:"username" binding:"required,min=2,max=32"`
}

// SendRequest handles POST /api/friends/add.
func (h *FriendsHandler) SendRequest(c *gin.Context) {
	userID := mw.GetUserID(c)
	var body sendRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, recipientID, err := h.svc.SendRequest(userID, body.Username)
	if err != nil {
		h.logAudit(c, "friend_request_send", userID, 0, gin.H{"username": body.Username}, err)
		switch {
		case errors.Is(err, friends.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		case errors.Is(err, friends.ErrSelfRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot friend yourself"})
		case errors.Is(err, friends.ErrAlreadyFriends):
			c.JSON(http.StatusBadRequest, gin.H{"error": "already friends"})
		case errors.Is(err, friends.ErrDuplicateRequest):
			c.JSON(http.StatusConflict, gin.H{"error": "request already pending"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	h.logAudit(c, "friend_request_send", userID, recipientID, gin.H{"request_id": summary.ID}, nil)

	// Push the request to the recipient's live connections.
	if payload, err := json.Marshal(summary); err == nil {
		h.hub.SendToUser(recipientID, &gateway.Packet{Type: "friendRequest", Payload: payload})
	}

	c.JSON(http.StatusOK, summary)
}

// ListRequests handles GET /api/friends/requests. Responds with a
// bare array so an empty inbox is [] rather than an envelope.
func (h *FriendsHandler) ListRequests(c *gin.Context) {
	userID := mw.GetUserID(c)
	requests, err := h.svc.PendingRequests(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if requests == nil {
		requests = []friends.RequestSummary{}
	}
	c.JSON(http.StatusOK, requests)
}

// Accept handles PUT /api/friends/accept/:id.
func (h *FriendsHandler) Accept(c *gin.Context) {
	userID := mw.GetUserID(c)
	requestID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	result, err := h.svc.Accept(requestID, userID)
	if err != nil {
		h.logAudit(c, "friend_request_accept", userID, 0, gin.H{"request_id": requestID}, err)
		switch {
		case errors.Is(err, friends.ErrRequestNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		case errors.Is(err, friends.ErrAlreadyFriends):
			c.JSON(http.StatusBadRequest, gin.H{"error": "already friends"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	h.logAudit(c, "friend_request_accept", userID, result.SenderID, gin.H{"request_id": requestID}, nil)

	// Tell the original sender their request was accepted, with the
	// new friend attached so their list updates without a refetch.
	h.notifyResponse(result.SenderID, requestID, true, &friends.FriendInfo{
		ID:       result.Recipient.ID,
		Username: result.Recipient.Username,
	})

	c.JSON(http.StatusOK, gin.H{
		"requestId": requestID,
		"accepted":  true,
		"friend": friends.FriendInfo{
			ID:       result.Sender.ID,
			Username: result.Sender.Username,
		},
	})
}

// Reject handles PUT /api/friends/reject/:id.
func (h *FriendsHandler) Reject(c *gin.Context) {
	userID := mw.GetUserID(c)
	requestID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	senderID, err := h.svc.Reject(requestID, userID)
	if err != nil {
		h.logAudit(c, "friend_request_reject", userID, 0, gin.H{"request_id": requestID}, err)
		if errors.Is(err, friends.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	h.logAudit(c, "friend_request_reject", userID, senderID, gin.H{"request_id": requestID}, nil)

	h.notifyResponse(senderID, requestID, false, nil)

	c.JSON(http.StatusOK, gin.H{
		"requestId": requestID,
		"accepted":  false,
	})
}

// ListFriends handles GET /api/friends. Responds with a bare array of
// friends annotated with their online state.
func (h *FriendsHandler) ListFriends(c *gin.Context) {
	userID := mw.GetUserID(c)
	list, err := h.svc.Friends(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	type friendWithPresence struct {
		friends.FriendInfo
		Online bool `json:"online"`
	}
	result := make([]friendWithPresence, len(list))
	for i, f := range list {
		result[i] = friendWithPresence{
			FriendInfo: f,
			Online:     h.hub.Registry().IsOnline(f.ID),
		}
	}
	c.JSON(http.StatusOK, result)
}

// RemoveFriend handles DELETE /api/friends/:id.
func (h *FriendsHandler) RemoveFriend(c *gin.Context) {
	userID := mw.GetUserID(c)
	friendID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	if err := h.svc.RemoveFriend(userID, friendID); err != nil {
		h.logAudit(c, "friend_remove", userID, friendID, nil, err)
		if errors.Is(err, friends.ErrFriendNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not friends"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	h.logAudit(c, "friend_remove", userID, friendID, nil, nil)

	// The removed side sees the friend disappear on next refetch; push
	// a hint so connected clients do it immediately.
	if payload, err := json.Marshal(gin.H{"userId": userID}); err == nil {
		h.hub.SendToUser(friendID, &gateway.Packet{Type: "friendRemoved", Payload: payload})
	}

	c.JSON(http.StatusOK, gin.H{"message": "removed"})
}

// notifyResponse pushes a friendRequestResponse event to the sender of
// a resolved request.
func (h *FriendsHandler) notifyResponse(senderID, requestID int64, accepted bool, friend *friends.FriendInfo) {
	body := gin.H{
		"requestId": requestID,
		"accepted":  accepted,
	}
	if friend != nil {
		body["friend"] = friend
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	h.hub.SendToUser(senderID, &gateway.Packet{Type: "friendRequestResponse", Payload: payload})
}

func (h *FriendsHandler) logAudit(c *gin.Context, action string, actorID, targetID int64, detail interface{}, opErr error) {
	if h.audit == nil {
		return
	}
	entry := audit.Entry{
		TraceID: mw.GetTraceID(c),
		ActorID: &actorID,
		Action:  action,
		Detail:  detail,
		IP:      c.ClientIP(),
	}
	if targetID != 0 {
		entry.TargetID = &targetID
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	h.audit.Log(entry)
}
