package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/driftchat/server/cache"
	"github.com/driftchat/server/config"
	"github.com/driftchat/server/friends"
	"github.com/driftchat/server/gateway"
	"github.com/driftchat/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrEmptyMessage   = errors.New("chat: empty message")
	ErrMessageTooLong = errors.New("chat: message too long")
	ErrNotFriends     = errors.New("chat: recipient is not a friend")
)

// convCacheTTL ages idle conversation tails out of the cache. Every
// write refreshes it, so only dormant threads expire.
const convCacheTTL = 24 * time.Hour

// Service persists direct messages and delivers them to live
// connections. The per-conversation cache keeps the hot tail of each
// thread so history reads rarely touch the database.
type Service struct {
	db      *gorm.DB
	cache   cache.Cache
	hub     *gateway.Hub
	friends *friends.Service
	cfg     config.ChatConfig
	logger  *zap.Logger
}

// NewService creates a chat Service.
func NewService(db *gorm.DB, c cache.Cache, hub *gateway.Hub, fs *friends.Service, cfg config.ChatConfig, logger *zap.Logger) *Service {
	return &Service{db: db, cache: c, hub: hub, friends: fs, cfg: cfg, logger: logger}
}

// convKey builds the cache key for a conversation. The smaller ID goes
// first so both participants address the same key.
func convKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("conv:%d:%d", a, b)
}

// recentKey is the per-user sorted set ordering conversations by the
// timestamp of their latest message.
func recentKey(userID int64) string {
	return fmt.Sprintf("convs:%d", userID)
}

// Send validates, persists and delivers a direct message from
// senderID to recipientID. The stored message is returned so callers
// can acknowledge it back to the origin connection with the
// server-assigned ID and timestamp.
//
// originConnID names the connection the message arrived on; delivery
// echoes to the sender's other devices but never back to the origin.
func (svc *Service) Send(ctx context.Context, senderID int64, senderName string, recipientID int64, content, originConnID string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if len([]rune(content)) > svc.cfg.MaxMessageLen {
		return nil, ErrMessageTooLong
	}

	ok, err := svc.friends.AreFriends(senderID, recipientID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFriends
	}

	msg := &model.Message{
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
	}
	if err := svc.db.Create(msg).Error; err != nil {
		return nil, err
	}

	svc.cacheAppend(ctx, msg)
	svc.deliver(msg, senderName, originConnID)
	return msg, nil
}

// cacheAppend pushes the message onto the conversation tail and bumps
// both users' recent-conversation ordering. Cache failures are logged
// and ignored; the database row is the source of truth.
func (svc *Service) cacheAppend(ctx context.Context, msg *model.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	key := convKey(msg.SenderID, msg.RecipientID)
	if err := svc.cache.LPush(ctx, key, string(data)); err != nil {
		svc.logger.Warn("conversation cache push failed", zap.Error(err))
		return
	}
	size := int64(svc.cfg.RecentCacheSize)
	if size <= 0 {
		size = 50
	}
	_ = svc.cache.LTrim(ctx, key, 0, size-1)
	_ = svc.cache.Expire(ctx, key, convCacheTTL)

	ts := float64(msg.CreatedAt.UnixMilli())
	_ = svc.cache.ZAdd(ctx, recentKey(msg.SenderID), ts, strconv.FormatInt(msg.RecipientID, 10))
	_ = svc.cache.ZAdd(ctx, recentKey(msg.RecipientID), ts, strconv.FormatInt(msg.SenderID, 10))
}

// deliver fans the stored message out: to every connection of the
// recipient, and to the sender's other devices so all tabs stay in
// step.
func (svc *Service) deliver(msg *model.Message, senderName, originConnID string) {
	payload, err := json.Marshal(struct {
		*model.Message
		SenderUsername string `json:"senderUsername"`
	}{msg, senderName})
	if err != nil {
		return
	}
	pkt := &gateway.Packet{Type: "message", Payload: payload}
	delivered := svc.hub.SendToUser(msg.RecipientID, pkt)
	svc.hub.SendToUserExcept(msg.SenderID, pkt, originConnID)

	svc.logger.Debug("message delivered",
		zap.Int64("message_id", msg.ID),
		zap.Int64("sender_id", msg.SenderID),
		zap.Int64("recipient_id", msg.RecipientID),
		zap.Int("recipient_conns", delivered))
}

// History returns the conversation between userID and friendID, oldest
// first, at most limit messages. The cache tail is used when it can
// satisfy the request; otherwise the database is read and the cache
// repopulated.
func (svc *Service) History(ctx context.Context, userID, friendID int64, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > svc.cfg.HistoryLimit {
		limit = svc.cfg.HistoryLimit
	}

	key := convKey(userID, friendID)
	cached, err := svc.cache.LRange(ctx, key, 0, int64(limit)-1)
	if err == nil && len(cached) >= limit {
		return decodeCached(cached), nil
	}

	var msgs []model.Message
	err = svc.db.Where(
		"(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
		userID, friendID, friendID, userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}

	// The cache tail was short; rebuild it from the DB read. Messages
	// come back newest-first, which is exactly LPush order reversed.
	if len(msgs) > len(cached) {
		_ = svc.cache.Del(ctx, key)
		for i := len(msgs) - 1; i >= 0; i-- {
			if data, err := json.Marshal(&msgs[i]); err == nil {
				_ = svc.cache.LPush(ctx, key, string(data))
			}
		}
		size := int64(svc.cfg.RecentCacheSize)
		if size <= 0 {
			size = 50
		}
		_ = svc.cache.LTrim(ctx, key, 0, size-1)
		_ = svc.cache.Expire(ctx, key, convCacheTTL)
	}

	reverse(msgs)
	return msgs, nil
}

// RecentConversations returns the friend IDs userID has exchanged
// messages with, most recent first.
func (svc *Service) RecentConversations(ctx context.Context, userID int64, limit int64) ([]int64, error) {
	members, err := svc.cache.ZRevRange(ctx, recentKey(userID), 0, limit-1)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// decodeCached turns the cached newest-first entries into an
// oldest-first slice, dropping anything that fails to decode.
func decodeCached(entries []string) []model.Message {
	msgs := make([]model.Message, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		var m model.Message
		if err := json.Unmarshal([]byte(entries[i]), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func reverse(msgs []model.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
