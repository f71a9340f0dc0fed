package rest

import (
	"net/http"
	"strconv"

	"github.com/driftchat/server/gateway"
	"github.com/driftchat/server/model"
	"github.com/driftchat/server/scheduler"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db     *gorm.DB
	hub    *gateway.Hub
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(db *gorm.DB, hub *gateway.Hub, sched *scheduler.Scheduler, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{db: db, hub: hub, sched: sched, logger: logger}
}

// Metrics returns server health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	var users, messages, pending int64
	h.db.Model(&model.User{}).Count(&users)
	h.db.Model(&model.Message{}).Count(&messages)
	h.db.Model(&model.FriendRequest{}).Count(&pending)

	c.JSON(http.StatusOK, gin.H{
		"online_users":     h.hub.Registry().Count(),
		"connections":      h.hub.Count(),
		"total_users":      users,
		"total_messages":   messages,
		"pending_requests": pending,
		"scheduler_tasks":  h.sched.ListTickers(),
	})
}

// ListOnline returns a snapshot of all online users and their
// connection counts.
// GET /api/admin/online
func (h *AdminHandler) ListOnline(c *gin.Context) {
	ids := h.hub.Registry().OnlineUserIDs()
	type onlineInfo struct {
		UserID      int64 `json:"user_id"`
		Connections int   `json:"connections"`
	}
	result := make([]onlineInfo, 0, len(ids))
	for _, id := range ids {
		result = append(result, onlineInfo{
			UserID:      id,
			Connections: h.hub.Registry().Connections(id),
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": result, "count": len(result)})
}

// KickUser forcibly disconnects every connection of a user.
// POST /api/admin/kick/:id
func (h *AdminHandler) KickUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	n := h.hub.CloseUser(userID)
	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not online"})
		return
	}
	h.logger.Info("admin kicked user",
		zap.Int64("user_id", userID),
		zap.Int("connections", n))
	c.JSON(http.StatusOK, gin.H{"ok": true, "closed": n})
}

// BanUser bans or unbans a user account.
// POST /api/admin/users/:id/ban
func (h *AdminHandler) BanUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req struct {
		Ban bool `json:"ban"`
	}
	_ = c.ShouldBindJSON(&req)

	status := 1
	if req.Ban {
		status = 0
	}
	result := h.db.Model(&model.User{}).Where("id = ?", userID).Update("status", status)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	// Kick the user if currently online.
	if req.Ban {
		h.hub.CloseUser(userID)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// ListSchedulerTasks returns names of all registered ticker tasks.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.ListTickers()})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// WARNING: if adminKey is empty all admin endpoints are disabled (503) so the
// server cannot be accidentally deployed without protection. Set a non-empty
// server.admin_key in config to enable admin routes.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
