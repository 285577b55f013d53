// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for retained chat
// messages.
//
// Message IDs are UUIDv7 so that ordering by (created_at, id) preserves
// insertion order even when two rows share a timestamp.
//
// Functions:
//
//   - InsertChatMessage(ctx, db, sender, receiver, content, at) -> *domain.ChatMessage, error
//   - ListInbox(ctx, db, receiver) -> []domain.ChatMessage, error
//   - ListConversation(ctx, db, a, b, limit) -> []domain.ChatMessage, error
//   - MarkRead(ctx, db, ids) -> (int64, error)
//   - MarkConversationRead(ctx, db, receiver, sender) -> (int64, error)
//   - CountUnread(ctx, db, sender, receiver) -> (int64, error)
//   - LastMessage(ctx, db, a, b) -> *domain.ChatMessage, error (nil, nil when empty)
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-pairing-backend/internal/domain"
)

const chatOrder = "created_at ASC, id ASC"

// newRecordID returns a time-ordered UUID for mailbox rows.
func newRecordID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// InsertChatMessage stores a new unread message.
func InsertChatMessage(ctx context.Context, db *gorm.DB, sender, receiver, content string, at time.Time) (*domain.ChatMessage, error) {
	m := &domain.ChatMessage{
		ID:         newRecordID(),
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		CreatedAt:  at.UTC(),
		UpdatedAt:  at.UTC(),
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// GetChatMessage fetches a message by ID.
func GetChatMessage(ctx context.Context, db *gorm.DB, id string) (*domain.ChatMessage, error) {
	var m domain.ChatMessage
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListInbox returns every message addressed to receiver in arrival order.
func ListInbox(ctx context.Context, db *gorm.DB, receiver string) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := db.WithContext(ctx).
		Where("receiver_id = ?", receiver).
		Order(chatOrder).
		Find(&out).Error
	return out, err
}

// ListConversation returns the messages exchanged between a and b in both
// directions, in creation order. A positive limit keeps the most recent rows.
func ListConversation(ctx context.Context, db *gorm.DB, a, b string, limit int) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	q := db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", a, b, b, a)
	if limit <= 0 {
		err := q.Order(chatOrder).Find(&out).Error
		return out, err
	}
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MarkRead flips the read flag on the given message IDs.
func MarkRead(ctx context.Context, db *gorm.DB, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Model(&domain.ChatMessage{}).
		Where("id IN ? AND read = ?", ids, false).
		Updates(map[string]any{"read": true, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// MarkConversationRead marks every unread message from sender to receiver read.
func MarkConversationRead(ctx context.Context, db *gorm.DB, receiver, sender string) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.ChatMessage{}).
		Where("receiver_id = ? AND sender_id = ? AND read = ?", receiver, sender, false).
		Updates(map[string]any{"read": true, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// CountUnread counts unread messages sent by sender to receiver.
func CountUnread(ctx context.Context, db *gorm.DB, sender, receiver string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.ChatMessage{}).
		Where("sender_id = ? AND receiver_id = ? AND read = ?", sender, receiver, false).
		Count(&n).Error
	return n, err
}

// LastMessage returns the newest message between a and b, or nil when the
// conversation is empty.
func LastMessage(ctx context.Context, db *gorm.DB, a, b string) (*domain.ChatMessage, error) {
	var m domain.ChatMessage
	err := db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", a, b, b, a).
		Order("created_at DESC, id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
