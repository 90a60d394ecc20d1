package model

import (
	"fmt"

	"gorm.io/gorm"
)

// AutoMigrate creates or updates the chat tables. Users go first since the
// others refer to them.
func AutoMigrate(db *gorm.DB) error {
	for _, m := range []interface{}{&User{}, &Contact{}, &Message{}, &Upload{}, &AuditEvent{}} {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("migrate %T: %w", m, err)
		}
	}
	return nil
}
