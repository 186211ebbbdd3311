package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/geist/backend/internal/config"
	"github.com/MarcoPoloResearchLab/geist/backend/internal/identities"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	errMissingDSN        = errors.New("database: dsn is required")
	errUnsupportedDriver = errors.New("database: unsupported driver")
)

// Config describes how to reach the identity store.
type Config struct {
	Driver   string
	DSN      string
	PoolSize int
	Timeout  time.Duration
}

// Open establishes the connection pool and verifies the store is reachable within
// cfg.Timeout. SQLite is limited to a single connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, errMissingDSN
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedDriver, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dialector.Name() == config.DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.PoolSize > 0 {
		sqlDB.SetMaxOpenConns(cfg.PoolSize)
		sqlDB.SetMaxIdleConns(cfg.PoolSize)
	}

	if err := Ping(ctx, db, cfg.Timeout); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("database connected",
			zap.String("driver", dialector.Name()),
			zap.Int("pool_size", cfg.PoolSize))
	}
	return db, nil
}

// Ping checks the store answers within timeout. A non-positive timeout only honours ctx.
func Ping(ctx context.Context, db *gorm.DB, timeout time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return sqlDB.PingContext(ctx)
}

// Migrate creates the identity schema and applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&identities.User{}, &identities.Identity{}, &migrationRecord{}); err != nil {
		return err
	}
	if err := applyMigrations(db, logger); err != nil {
		return err
	}
	if logger != nil {
		logger.Info("database schema ready", zap.String("driver", db.Dialector.Name()))
	}
	return nil
}
