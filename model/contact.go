package model

import "time"

// ContactStatus is the state of the relation between two users.
type ContactStatus string

const (
	ContactPending  ContactStatus = "pending"
	ContactAccepted ContactStatus = "accepted"
	ContactRejected ContactStatus = "rejected"
)

// Contact is the single undirected relation between two users. The pair is
// stored in canonical order (UserLowID < UserHighID) so there is exactly one
// row per pair; RequesterID records who asked.
type Contact struct {
	ID          int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	UserLowID   int64         `gorm:"uniqueIndex:idx_contact_pair;not null" json:"user_low_id"`
	UserHighID  int64         `gorm:"uniqueIndex:idx_contact_pair;index;not null" json:"user_high_id"`
	RequesterID int64         `gorm:"not null" json:"requester_id"`
	Status      ContactStatus `gorm:"size:16;index;not null" json:"status"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderedPair returns a and b in canonical (low, high) order.
func OrderedPair(a, b int64) (low, high int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// Other returns the member of the pair that is not userID.
func (c *Contact) Other(userID int64) int64 {
	if c.UserLowID == userID {
		return c.UserHighID
	}
	return c.UserLowID
}
