package model

import "time"

// Message is a persisted direct message between two users.
type Message struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID    int64     `gorm:"index:idx_message_pair;not null" json:"senderId"`
	RecipientID int64     `gorm:"index:idx_message_pair;not null" json:"recipientId"`
	Content     string    `gorm:"type:text;not null" json:"content"`
	CreatedAt   time.Time `gorm:"index:idx_message_created;autoCreateTime:milli" json:"timestamp"`
}
