// Package contact maintains the relation between pairs of users. Each pair has
// at most one row, stored in canonical (low, high) order, so both sides read
// the same status without mirroring.
package contact

import (
	"context"
	"errors"
	"fmt"

	"github.com/kasuganosora/nearchat/apperr"
	dbadapter "github.com/kasuganosora/nearchat/db"
	"github.com/kasuganosora/nearchat/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Graph is the gorm-backed contact graph.
type Graph struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGraph(db *gorm.DB, logger *zap.Logger) *Graph {
	return &Graph{db: db, logger: logger}
}

func (g *Graph) find(db *gorm.DB, a, b int64) (*model.Contact, error) {
	low, high := model.OrderedPair(a, b)
	var c model.Contact
	err := db.Where("user_low_id = ? AND user_high_id = ?", low, high).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load contact %d/%d: %w", low, high, err)
	}
	return &c, nil
}

// Request records a pending request from requesterID to targetID.
//
// A rejected pair can be requested again by either side; the row goes back to
// pending with the new requester.
func (g *Graph) Request(ctx context.Context, requesterID, targetID int64) error {
	if requesterID == targetID {
		return apperr.InvalidArgument("Cannot add yourself as a contact")
	}
	if targetID <= 0 {
		return apperr.Validation("Missing contact id")
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.User{}).Where("id = ?", targetID).Count(&n).Error; err != nil {
			return fmt.Errorf("check target: %w", err)
		}
		if n == 0 {
			return apperr.NotFound("User not found")
		}

		existing, err := g.find(tx, requesterID, targetID)
		if err != nil {
			return err
		}
		if existing == nil {
			low, high := model.OrderedPair(requesterID, targetID)
			return tx.Create(&model.Contact{
				UserLowID:   low,
				UserHighID:  high,
				RequesterID: requesterID,
				Status:      model.ContactPending,
			}).Error
		}

		switch existing.Status {
		case model.ContactAccepted:
			return apperr.Conflict("Already a contact")
		case model.ContactPending:
			if existing.RequesterID == requesterID {
				return apperr.Conflict("Request already sent")
			}
			return apperr.Conflict("This user already sent you a request; accept it instead")
		}
		return tx.Model(existing).Updates(map[string]interface{}{
			"status":       model.ContactPending,
			"requester_id": requesterID,
		}).Error
	})
	if err != nil {
		if dbadapter.IsUniqueViolation(err) {
			return apperr.Conflict("Request already sent")
		}
		return err
	}
	g.logger.Debug("contact requested",
		zap.Int64("requester_id", requesterID), zap.Int64("target_id", targetID))
	return nil
}

// Accept turns the pending request requesterID -> userID into an accepted
// relation.
func (g *Graph) Accept(ctx context.Context, userID, requesterID int64) error {
	return g.resolve(ctx, userID, requesterID, model.ContactAccepted)
}

// Reject marks the pending request requesterID -> userID as rejected.
func (g *Graph) Reject(ctx context.Context, userID, requesterID int64) error {
	return g.resolve(ctx, userID, requesterID, model.ContactRejected)
}

func (g *Graph) resolve(ctx context.Context, userID, requesterID int64, to model.ContactStatus) error {
	if requesterID <= 0 {
		return apperr.Validation("Missing requester id")
	}
	if requesterID == userID {
		return apperr.NotFound("No pending request found")
	}
	low, high := model.OrderedPair(userID, requesterID)
	// Single conditional update: a concurrent accept and reject cannot both win.
	res := g.db.WithContext(ctx).Model(&model.Contact{}).
		Where("user_low_id = ? AND user_high_id = ? AND requester_id = ? AND status = ?",
			low, high, requesterID, model.ContactPending).
		Update("status", to)
	if res.Error != nil {
		return fmt.Errorf("update contact: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("No pending request found")
	}
	g.logger.Debug("contact resolved",
		zap.Int64("user_id", userID), zap.Int64("requester_id", requesterID), zap.String("status", string(to)))
	return nil
}

// IsAccepted reports whether a and b are accepted contacts. The relation is
// symmetric.
func (g *Graph) IsAccepted(ctx context.Context, a, b int64) (bool, error) {
	if a == b {
		return false, nil
	}
	low, high := model.OrderedPair(a, b)
	var n int64
	err := g.db.WithContext(ctx).Model(&model.Contact{}).
		Where("user_low_id = ? AND user_high_id = ? AND status = ?", low, high, model.ContactAccepted).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check contact: %w", err)
	}
	return n > 0, nil
}

// ListAccepted returns every accepted counterpart of userID, ordered by
// username.
func (g *Graph) ListAccepted(ctx context.Context, userID int64) ([]model.User, error) {
	db := g.db.WithContext(ctx)
	sub := db.Model(&model.Contact{}).
		Select("CASE WHEN user_low_id = ? THEN user_high_id ELSE user_low_id END", userID).
		Where("(user_low_id = ? OR user_high_id = ?) AND status = ?", userID, userID, model.ContactAccepted)
	users := []model.User{}
	if err := db.Where("id IN (?)", sub).Order("username").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return users, nil
}

// ListIncomingPending returns the users with a pending request directed at
// userID, oldest request first.
func (g *Graph) ListIncomingPending(ctx context.Context, userID int64) ([]model.User, error) {
	users := []model.User{}
	err := g.db.WithContext(ctx).
		Joins("JOIN contacts ON contacts.requester_id = users.id").
		Where("(contacts.user_low_id = ? OR contacts.user_high_id = ?) AND contacts.requester_id <> ? AND contacts.status = ?",
			userID, userID, userID, model.ContactPending).
		Order("contacts.created_at, contacts.id").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return users, nil
}
