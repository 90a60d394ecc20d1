package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kasuganosora/nearchat/config"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func openMySQL(cfg config.DatabaseConfig, gcfg *gorm.Config) (*gorm.DB, error) {
	if cfg.MySQLDSN == "" {
		return nil, errors.New("mysql: database.mysql_dsn is not set")
	}
	gdb, err := gorm.Open(mysql.New(mysql.Config{
		DSN:               cfg.MySQLDSN,
		DefaultStringSize: 191,
	}), gcfg)
	if err != nil {
		return nil, fmt.Errorf("mysql open: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MySQLMaxOpen > 0 {
		sqlDB.SetMaxOpenConns(cfg.MySQLMaxOpen)
	}
	if cfg.MySQLMaxIdle > 0 {
		sqlDB.SetMaxIdleConns(cfg.MySQLMaxIdle)
	}
	if cfg.MySQLMaxLife > 0 {
		sqlDB.SetConnMaxLifetime(cfg.MySQLMaxLife)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("mysql ping: %w", err)
	}
	return gdb, nil
}
