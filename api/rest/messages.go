package rest

import (
	"net/http"
	"strconv"

	"github.com/driftchat/server/chat"
	mw "github.com/driftchat/server/middleware"
	"github.com/driftchat/server/model"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MessagesHandler serves conversation history over REST. Sending goes
// through the WebSocket; history is fetched here on conversation open
// and after reconnects.
type MessagesHandler struct {
	svc    *chat.Service
	logger *zap.Logger
}

// NewMessagesHandler creates a MessagesHandler.
func NewMessagesHandler(svc *chat.Service, logger *zap.Logger) *MessagesHandler {
	return &MessagesHandler{svc: svc, logger: logger}
}

// History handles GET /api/messages/:friendId?limit=N. Responds with
// a bare array, oldest first.
func (h *MessagesHandler) History(c *gin.Context) {
	userID := mw.GetUserID(c)
	friendID, err := strconv.ParseInt(c.Param("friendId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid friend id"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	msgs, err := h.svc.History(c.Request.Context(), userID, friendID, limit)
	if err != nil {
		h.logger.Error("history read failed",
			zap.Int64("user_id", userID),
			zap.Int64("friend_id", friendID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// RecentConversations handles GET /api/conversations. Returns friend
// IDs ordered by latest message, newest thread first.
func (h *MessagesHandler) RecentConversations(c *gin.Context) {
	userID := mw.GetUserID(c)
	ids, err := h.svc.RecentConversations(c.Request.Context(), userID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"friendIds": ids})
}
