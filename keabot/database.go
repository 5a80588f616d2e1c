package keabot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnID            = "id"
	columnServerID      = "server_id"
	columnUserID        = "user_id"
	columnScore         = "score"
	columnGiven         = "given"
	columnSelf          = "self"
	columnName          = "name"
	columnFileReference = "file_reference"
	columnMediaID       = "media_id"
	columnTagID         = "tag_id"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update. Rows in this package are never deleted, so
// there's no soft-delete column.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// UserScore holds the reputation counters for one user in one server.
//
//   - Score: gold received from other users
//   - Given: gold given to other users
//   - Self: gold given to themselves
type UserScore struct {
	ModelUintID
	ServerID string `gorm:"not null;uniqueIndex:idx_user_score_server_user" json:"server_id"`
	UserID   string `gorm:"not null;uniqueIndex:idx_user_score_server_user" json:"user_id"`
	Score    int64  `gorm:"not null;default:0" json:"score"`
	Given    int64  `gorm:"not null;default:0" json:"given"`
	Self     int64  `gorm:"not null;default:0" json:"self"`
	ModelUnixTime
}

func (UserScore) TableName() string {
	return "user_score"
}

// Media is a stored attachment, registered to a single server.
// FileReference is the name of the file in the MediaStore.
type Media struct {
	ModelUintID
	FileReference string `gorm:"not null;uniqueIndex:idx_media_reference_server" json:"file_reference"`
	ServerID      string `gorm:"not null;uniqueIndex:idx_media_reference_server;index" json:"server_id"`
	ModelUnixTime
}

func (Media) TableName() string {
	return "media"
}

type Tag struct {
	ModelUintID
	Name     string `gorm:"not null;uniqueIndex:idx_tag_name_server" json:"name"`
	ServerID string `gorm:"not null;uniqueIndex:idx_tag_name_server" json:"server_id"`
	ModelUnixTime
}

func (Tag) TableName() string {
	return "tag"
}

// MediaTag associates a Media item with a Tag. Both sides always
// belong to the same server.
type MediaTag struct {
	MediaID   uint  `gorm:"primaryKey;autoIncrement:false" json:"media_id"`
	TagID     uint  `gorm:"primaryKey;autoIncrement:false;index" json:"tag_id"`
	Media     Media `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Tag       Tag   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (MediaTag) TableName() string {
	return "media_tag"
}

// database wraps a gorm.DB for write operations.
//
// When concurrent writes are disabled (SQLite), every write and
// transaction holds mu for its duration, so writers never contend
// for the single connection.
// Reads should go through DB() directly.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI for the given connection. Pass
// enableConcurrentWrites=false for SQLite.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// acquire takes the write lock, when writes are serialized, and applies
// the default operation timeout if ctx has no deadline. The returned
// func releases both.
func (d *database) acquire(ctx context.Context) (context.Context, func()) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
	}
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
	}
	return ctx, func() {
		cancel()
		if !d.enableConcurrentWrites {
			d.mu.Unlock()
		}
	}
}

// Transaction runs fc in a transaction. fc must only use the tx it's
// given: calling back into the database wrapper from inside fc
// deadlocks when concurrent writes are disabled.
func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	ctx, release := d.acquire(ctx)
	defer release()
	err := d.db.WithContext(ctx).Transaction(fc, opts...)
	if err != nil && !isNotFound(err) {
		d.logger.DebugContext(ctx, "transaction failed", tint.Err(err))
	}
	return err
}

// DBI defines the interface for database write operations.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	DB() *gorm.DB
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// CreateDB opens the database, applies connection settings and migrates
// the schema, logging at WARN and above to stdout.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	return openDB(ctx, databaseType, database, gormLogger)
}

// openDB connects, configures the connection pool and migrates.
func openDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return db, err
		}
	}

	if err = migrate(ctx, db); err != nil {
		return db, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(
			pragmaErrors,
			db.WithContext(ctx).Exec(p).Error,
		)
	}
	return errors.Join(pragmaErrors...)
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(
				&Media{},
				&Tag{},
				&MediaTag{},
				&UserScore{},
			)
		},
	)
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: Logger for database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
