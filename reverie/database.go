package reverie

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
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
	}
)

// Speaker identifies which side of the conversation produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// Turn is one message exchange unit in a user's conversation history.
// Turns are append-only: they're never mutated, only evicted by the
// history size bound or an explicit clear.
type Turn struct {
	ID      uint    `gorm:"primaryKey" json:"id"`
	UserID  string  `gorm:"index;not null" json:"user_id"`
	Speaker Speaker `gorm:"not null" json:"speaker"`
	Text    string  `json:"text"`
	ModelUnixTime
}

// Narrative is a generated prose summary of a slice of one user's
// history. Never mutated after creation.
type Narrative struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	UserID        string `gorm:"index;not null" json:"user_id"`
	Text          string `json:"text"`
	AutoGenerated bool   `json:"auto_generated"`
	ModelUnixTime
}

// openDatabase opens the configured database and migrates the schema.
func openDatabase(cfg *Config, handler slog.Handler) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: newGORMLogger(handler, cfg.DatabaseSlowThreshold),
	}

	var db *gorm.DB
	var err error

	switch cfg.DatabaseType {
	case dbTypeSQLite:
		db, err = gorm.Open(sqlite.Open(cfg.Database), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("error opening sqlite database: %w", err)
		}
		sqlDB, e := db.DB()
		if e != nil {
			return nil, e
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if e = db.Exec(pragma).Error; e != nil {
				return nil, fmt.Errorf("error executing '%s': %w", pragma, e)
			}
		}
	case dbTypePostgres:
		db, err = gorm.Open(postgres.Open(cfg.Database), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("error opening postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.DatabaseType)
	}

	if err = db.AutoMigrate(&Turn{}, &Narrative{}); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	return db, nil
}
