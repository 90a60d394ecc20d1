// Package db opens the relational store that holds users, contacts, messages
// and the audit trail.
package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kasuganosora/nearchat/config"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ModeSQLite = "sqlite"
	ModeMySQL  = "mysql"
	ModeMemory = "memory"
)

// Open connects according to cfg.Mode. SQL statements are reported through
// log; a nil log keeps gorm silent.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:         newGormLogger(log, cfg.SlowQuery),
		TranslateError: true,
	}
	switch cfg.Mode {
	case ModeSQLite:
		return openSQLiteFile(cfg.SQLitePath, gcfg)
	case ModeMySQL:
		return openMySQL(cfg, gcfg)
	case ModeMemory:
		return openSQLiteMemory(uuid.NewString(), gcfg)
	default:
		return nil, fmt.Errorf("db: unknown mode %q", cfg.Mode)
	}
}

// IsUniqueViolation reports a duplicate username, email or contact pair.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate entry")
}
