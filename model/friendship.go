package model

import "time"

// RequestPending is the only status a stored friend request can have:
// accepting or rejecting a request deletes the row instead of archiving it.
const RequestPending = "pending"

// StatusAccepted marks a confirmed friendship edge.
const StatusAccepted = "accepted"

// FriendRequest is a pending invitation from one user to another.
// The unique index on (sender_id, recipient_id) rejects duplicate pending
// requests at the storage layer.
type FriendRequest struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID    int64     `gorm:"uniqueIndex:idx_request_pair;not null" json:"senderId"`
	RecipientID int64     `gorm:"uniqueIndex:idx_request_pair;index:idx_request_recipient;not null" json:"recipientId"`
	Status      string    `gorm:"size:16;default:'pending'" json:"status"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName keeps the legacy table name.
func (FriendRequest) TableName() string { return "friend_requests" }

// Friend is one direction of an accepted friendship. The two directions are
// inserted together in the accept transaction and must never exist singly.
type Friend struct {
	UserID   int64  `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	FriendID int64  `gorm:"primaryKey;autoIncrement:false" json:"friendId"`
	Status   string `gorm:"size:16;default:'accepted'" json:"status"`
}

// TableName keeps the legacy table name.
func (Friend) TableName() string { return "friends" }
