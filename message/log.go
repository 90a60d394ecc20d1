// Package message is the append-only log of direct messages.
package message

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxTextLen = 5000

// Authorizer decides whether two users may exchange messages.
type Authorizer interface {
	IsAccepted(ctx context.Context, a, b int64) (bool, error)
}

// Pusher delivers a stored message to its receiver's live connections.
type Pusher interface {
	Push(ctx context.Context, msg *model.Message) error
}

// Log stores messages and hands them to a Pusher once written.
type Log struct {
	db     *gorm.DB
	auth   Authorizer
	pusher Pusher
	logger *zap.Logger
	now    func() time.Time
}

// NewLog creates a Log. pusher may be nil, in which case nothing is pushed.
func NewLog(db *gorm.DB, auth Authorizer, pusher Pusher, logger *zap.Logger) *Log {
	return &Log{db: db, auth: auth, pusher: pusher, logger: logger, now: time.Now}
}

// AppendInput is the client-supplied part of a message.
type AppendInput struct {
	ReceiverID int64  `json:"receiverId"`
	Text       string `json:"text"`
	Type       string `json:"type"`
	URL        string `json:"url"`
	Filename   string `json:"filename"`
}

func (in *AppendInput) validate() error {
	if in.ReceiverID <= 0 {
		return apperr.Validation("Missing receiver id")
	}
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		in.Type = model.MessageText
	}
	if !model.ValidMessageType(in.Type) {
		return apperr.Validation("Unknown message type %q", in.Type)
	}
	if utf8.RuneCountInString(in.Text) > maxTextLen {
		return apperr.Validation("Message text must be at most %d characters", maxTextLen)
	}
	if in.Type == model.MessageText {
		if strings.TrimSpace(in.Text) == "" {
			return apperr.Validation("Message text is empty")
		}
	} else if strings.TrimSpace(in.URL) == "" {
		return apperr.Validation("Missing url for %s message", in.Type)
	}
	return nil
}

// Append stores a message from senderID and then pushes it. A failed push is
// logged; the stored message is still returned.
func (l *Log) Append(ctx context.Context, senderID int64, in AppendInput) (*model.Message, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	ok, err := l.auth.IsAccepted(ctx, senderID, in.ReceiverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("You can only message your contacts")
	}

	msg := &model.Message{
		Text:       in.Text,
		SenderID:   senderID,
		ReceiverID: in.ReceiverID,
		Timestamp:  l.now().UTC(),
		Type:       in.Type,
		URL:        strings.TrimSpace(in.URL),
		Filename:   in.Filename,
	}
	if err := l.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	if l.pusher != nil {
		if err := l.pusher.Push(ctx, msg); err != nil {
			l.logger.Warn("message push failed",
				zap.Int64("message_id", msg.ID),
				zap.Int64("receiver_id", msg.ReceiverID),
				zap.Error(err))
		}
	}
	return msg, nil
}

// History returns the conversation between userID and counterpartID, oldest
// first. Users who are not accepted contacts get an empty slice.
func (l *Log) History(ctx context.Context, userID, counterpartID int64) ([]model.Message, error) {
	msgs := []model.Message{}
	ok, err := l.auth.IsAccepted(ctx, userID, counterpartID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return msgs, nil
	}
	err = l.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
			userID, counterpartID, counterpartID, userID).
		Order("timestamp ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}
