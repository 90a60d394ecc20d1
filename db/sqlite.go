package db

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openSQLiteFile(path string, gcfg *gorm.Config) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	gdb, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"), gcfg)
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", path, err)
	}
	return gdb, nil
}

// openSQLiteMemory gives every name its own database. It is limited to one
// connection, so code inside a transaction must only use the tx handle.
func openSQLiteMemory(name string, gcfg *gorm.Config) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared&_foreign_keys=on"), gcfg)
	if err != nil {
		return nil, fmt.Errorf("sqlite memory: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}
