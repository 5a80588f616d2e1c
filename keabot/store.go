package keabot

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"io"
	"log/slog"
)

// Store bundles the persistent components, sharing one database
// connection and the media directory.
type Store struct {
	db      *gorm.DB
	writeDB DBI

	Ledger   *Ledger
	Tags     *TagIndex
	Media    *MediaStore
	Selector *Selector
}

// OpenStore connects to and migrates the configured database, and opens
// the media directory. Components log to w.
func OpenStore(ctx context.Context, config *Config, w io.Writer) (*Store, error) {
	if w == nil {
		w = defaultLogWriter
	}
	logger := slog.New(newLogHandler(w, config.LogLevel))
	dbHandler := newLogHandler(w, config.DatabaseLogLevel)
	gormLogger := newGORMLogger(dbHandler, config.DatabaseSlowThreshold)

	db, err := openDB(ctx, config.DatabaseType, config.DatabasePath(), gormLogger)
	if err != nil {
		if db != nil {
			closeDB(db)
		}
		return nil, err
	}

	writeDB := NewDatabase(
		db,
		slog.New(dbHandler),
		config.DatabaseType != dbTypeSQLite,
	)

	media, err := NewMediaStore(config.MediaDir(), logger)
	if err != nil {
		closeDB(db)
		return nil, err
	}

	return &Store{
		db:       db,
		writeDB:  writeDB,
		Ledger:   NewLedger(writeDB, logger),
		Tags:     NewTagIndex(writeDB, logger),
		Media:    media,
		Selector: NewSelector(writeDB, logger),
	}, nil
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	if err = sqlDB.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error closing database: %w", err)
	}
	return nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
