package testutil

import (
	"testing"

	"github.com/kasuganosora/nearchat/cache"
	"github.com/kasuganosora/nearchat/config"
	dbadapter "github.com/kasuganosora/nearchat/db"
	"github.com/kasuganosora/nearchat/model"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// SetupTestDB creates a private in-memory SQLite DB and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{Mode: dbadapter.ModeMemory}, nil)
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache opens an in-process cache backend and returns it as both
// halves. It is closed when the test ends.
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	b, err := cache.Open(config.CacheConfig{})
	require.NoError(t, err, "SetupTestCache")
	t.Cleanup(func() { _ = b.Close() })
	return b, b
}

// CreateUser inserts a user row directly, bypassing password hashing.
func CreateUser(t *testing.T, db *gorm.DB, username string) *model.User {
	t.Helper()
	u := &model.User{
		Username:        username,
		Email:           username + "@example.com",
		PasswordHash:    "x",
		LastSeenVisible: true,
		Notifications:   true,
	}
	require.NoError(t, db.Create(u).Error, "CreateUser")
	return u
}
