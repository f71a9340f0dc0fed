package friends

import (
	"errors"
	"strings"
	"time"

	"github.com/driftchat/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound     = errors.New("friends: user not found")
	ErrSelfRequest      = errors.New("friends: cannot friend yourself")
	ErrAlreadyFriends   = errors.New("friends: already friends")
	ErrDuplicateRequest = errors.New("friends: request already pending")
	ErrRequestNotFound  = errors.New("friends: request not found")
	ErrFriendNotFound   = errors.New("friends: not friends")
)

// RequestSummary is a pending request joined with the sender's name,
// shaped for direct delivery to clients.
type RequestSummary struct {
	ID             int64     `json:"id"`
	SenderID       int64     `json:"fromId"`
	SenderUsername string    `json:"fromUsername"`
	CreatedAt      time.Time `json:"createdAt"`
}

// FriendInfo is a friend row joined with the friend's username.
type FriendInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Service owns the friendship state machine: pending requests and the
// symmetric friends relation. All transitions go through the database
// so that concurrent operations resolve to exactly one outcome.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService creates a friends Service.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// SendRequest creates a pending request from sender to the user named
// recipientName. The recipient is addressed by username because that
// is all the sender knows about a stranger.
func (svc *Service) SendRequest(senderID int64, recipientName string) (*RequestSummary, int64, error) {
	recipientName = strings.TrimSpace(recipientName)
	var recipient model.User
	if err := svc.db.Where("username = ?", recipientName).First(&recipient).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrUserNotFound
		}
		return nil, 0, err
	}
	if recipient.ID == senderID {
		return nil, 0, ErrSelfRequest
	}

	friends, err := svc.AreFriends(senderID, recipient.ID)
	if err != nil {
		return nil, 0, err
	}
	if friends {
		return nil, 0, ErrAlreadyFriends
	}

	// The unique index only covers the (sender, recipient) direction, so
	// a reverse request has to be checked explicitly. Two crossing
	// requests would otherwise both sit pending and collide on accept.
	var pending int64
	err = svc.db.Model(&model.FriendRequest{}).
		Where("status = ? AND ((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))",
			model.RequestPending, senderID, recipient.ID, recipient.ID, senderID).
		Count(&pending).Error
	if err != nil {
		return nil, 0, err
	}
	if pending > 0 {
		return nil, 0, ErrDuplicateRequest
	}

	req := &model.FriendRequest{
		SenderID:    senderID,
		RecipientID: recipient.ID,
		Status:      model.RequestPending,
	}
	if err := svc.db.Create(req).Error; err != nil {
		// The (sender, recipient) pair carries a unique index, so a
		// second concurrent send surfaces here as a constraint error.
		if isUniqueViolation(err) {
			return nil, 0, ErrDuplicateRequest
		}
		return nil, 0, err
	}

	var sender model.User
	if err := svc.db.First(&sender, senderID).Error; err != nil {
		return nil, 0, err
	}
	summary := &RequestSummary{
		ID:             req.ID,
		SenderID:       senderID,
		SenderUsername: sender.Username,
		CreatedAt:      req.CreatedAt,
	}
	return summary, recipient.ID, nil
}

// PendingRequests returns all pending requests addressed to userID,
// newest first, with sender usernames resolved.
func (svc *Service) PendingRequests(userID int64) ([]RequestSummary, error) {
	var rows []struct {
		ID        int64
		SenderID  int64
		Username  string
		CreatedAt time.Time
	}
	err := svc.db.Table("friend_requests").
		Select("friend_requests.id, friend_requests.sender_id, users.username, friend_requests.created_at").
		Joins("JOIN users ON users.id = friend_requests.sender_id").
		Where("friend_requests.recipient_id = ? AND friend_requests.status = ?", userID, model.RequestPending).
		Order("friend_requests.created_at DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]RequestSummary, len(rows))
	for i, r := range rows {
		result[i] = RequestSummary{
			ID:             r.ID,
			SenderID:       r.SenderID,
			SenderUsername: r.Username,
			CreatedAt:      r.CreatedAt,
		}
	}
	return result, nil
}

// GetRequest loads a pending request by ID if it is addressed to userID.
func (svc *Service) GetRequest(requestID, userID int64) (*model.FriendRequest, error) {
	var req model.FriendRequest
	err := svc.db.Where("id = ? AND recipient_id = ? AND status = ?",
		requestID, userID, model.RequestPending).First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// AcceptResult describes a successfully accepted request.
type AcceptResult struct {
	RequestID int64
	SenderID  int64
	Sender    model.User
	Recipient model.User
}

// Accept consumes a pending request addressed to userID and creates
// the friendship in both directions. When two accepts race, the
// conditional delete decides the winner: exactly one transaction sees
// RowsAffected == 1 and commits the friend rows, the other gets
// ErrRequestNotFound.
//
// A request can also turn stale while pending: if two users sent
// requests to each other and the other direction was accepted first,
// the friendship already exists. The row is still consumed, but no
// friend rows are written and the caller gets ErrAlreadyFriends.
func (svc *Service) Accept(requestID, userID int64) (*AcceptResult, error) {
	req, err := svc.GetRequest(requestID, userID)
	if err != nil {
		return nil, err
	}

	var stale bool
	err = svc.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND recipient_id = ? AND status = ?",
			requestID, userID, model.RequestPending).Delete(&model.FriendRequest{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRequestNotFound
		}
		var existing int64
		if err := tx.Model(&model.Friend{}).
			Where("user_id = ? AND friend_id = ?", req.SenderID, userID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			stale = true
			return nil
		}
		if err := tx.Create(&model.Friend{
			UserID:   req.SenderID,
			FriendID: userID,
			Status:   model.StatusAccepted,
		}).Error; err != nil {
			return err
		}
		return tx.Create(&model.Friend{
			UserID:   userID,
			FriendID: req.SenderID,
			Status:   model.StatusAccepted,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	if stale {
		svc.logger.Info("stale friend request consumed",
			zap.Int64("request_id", requestID),
			zap.Int64("sender_id", req.SenderID),
			zap.Int64("recipient_id", userID))
		return nil, ErrAlreadyFriends
	}

	var sender, recipient model.User
	if err := svc.db.First(&sender, req.SenderID).Error; err != nil {
		return nil, err
	}
	if err := svc.db.First(&recipient, userID).Error; err != nil {
		return nil, err
	}
	svc.logger.Info("friend request accepted",
		zap.Int64("request_id", requestID),
		zap.Int64("sender_id", req.SenderID),
		zap.Int64("recipient_id", userID))
	return &AcceptResult{
		RequestID: requestID,
		SenderID:  req.SenderID,
		Sender:    sender,
		Recipient: recipient,
	}, nil
}

// Reject consumes a pending request addressed to userID without
// creating a friendship. It returns the sender's ID so the caller can
// notify them. Like Accept, the conditional delete makes concurrent
// resolutions race-safe.
func (svc *Service) Reject(requestID, userID int64) (senderID int64, err error) {
	req, err := svc.GetRequest(requestID, userID)
	if err != nil {
		return 0, err
	}
	res := svc.db.Where("id = ? AND recipient_id = ? AND status = ?",
		requestID, userID, model.RequestPending).Delete(&model.FriendRequest{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrRequestNotFound
	}
	svc.logger.Info("friend request rejected",
		zap.Int64("request_id", requestID),
		zap.Int64("sender_id", req.SenderID),
		zap.Int64("recipient_id", userID))
	return req.SenderID, nil
}

// Friends lists userID's friends with usernames resolved, ordered by
// username for stable output.
func (svc *Service) Friends(userID int64) ([]FriendInfo, error) {
	var rows []FriendInfo
	err := svc.db.Table("friends").
		Select("users.id, users.username").
		Joins("JOIN users ON users.id = friends.friend_id").
		Where("friends.user_id = ?", userID).
		Order("users.username ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// AreFriends reports whether a and b share an accepted friendship.
func (svc *Service) AreFriends(a, b int64) (bool, error) {
	var count int64
	err := svc.db.Model(&model.Friend{}).
		Where("user_id = ? AND friend_id = ?", a, b).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RemoveFriend deletes the friendship between userID and friendID in
// both directions. Both rows go in one transaction so the relation
// never ends up one-directional.
func (svc *Service) RemoveFriend(userID, friendID int64) error {
	return svc.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)",
			userID, friendID, friendID, userID).Delete(&model.Friend{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrFriendNotFound
		}
		return nil
	})
}

// PurgeStale deletes pending requests older than ttl and returns the
// number removed. Run periodically from the scheduler.
func (svc *Service) PurgeStale(ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	res := svc.db.Where("status = ? AND created_at < ?", model.RequestPending, cutoff).
		Delete(&model.FriendRequest{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		svc.logger.Info("purged stale friend requests", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// isUniqueViolation matches unique-constraint errors across the
// sqlite and mysql drivers, which do not share a typed error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}
