// Package db implements the durable conversation store on database/sql.
// PostgreSQL is the production driver; SQLite is supported on a best-effort
// basis for development and testing. Both drivers share one schema and one
// set of $1-placeholder statements.
package db

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	pkgerrors "github.com/pkg/errors"

	// Database drivers.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/hrygo/repliesengine/internal/profile"
)

// Sentinel errors surfaced to the coordinators.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrCredentialNotFound   = errors.New("credential not found")
	ErrLeaseHeld            = errors.New("conversation lease held by another processor")
	ErrLeaseLost            = errors.New("conversation lease no longer held")
)

// DB is the durable store handle.
type DB struct {
	db        *sql.DB
	secretKey string
	logger    *slog.Logger
}

// NewDB opens the conversation database for the configured driver and runs
// the schema migration.
func NewDB(ctx context.Context, p *profile.Profile, logger *slog.Logger) (*DB, error) {
	if p.DSN == "" {
		return nil, pkgerrors.New("dsn required")
	}

	var sqlDB *sql.DB
	var err error
	switch p.Driver {
	case "postgres":
		sqlDB, err = sql.Open("postgres", p.DSN)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "failed to open postgres")
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	case "sqlite":
		// WAL journal mode and a busy timeout keep the single-writer model
		// usable for local development.
		sqlDB, err = sql.Open("sqlite", p.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to open db with dsn: %s", p.DSN)
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	default:
		return nil, pkgerrors.Errorf("unsupported driver %q", p.Driver)
	}

	d := &DB{db: sqlDB, secretKey: p.SecretKey, logger: logger}
	if err := d.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// GetDB exposes the underlying handle for tests.
func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversation (
		primary_channel        TEXT NOT NULL,
		conversation_id        TEXT NOT NULL,
		channel                TEXT NOT NULL,
		company_id             TEXT NOT NULL,
		company_channel        TEXT NOT NULL,
		conversation_status    TEXT NOT NULL,
		channel_credential_ref TEXT NOT NULL,
		ai_credential_ref      TEXT NOT NULL,
		assistant_id           TEXT NOT NULL DEFAULT '',
		thread_id              TEXT NOT NULL DEFAULT '',
		hand_off_to_human      BOOLEAN NOT NULL DEFAULT FALSE,
		auto_handoff           BOOLEAN NOT NULL DEFAULT FALSE,
		messages               TEXT NOT NULL DEFAULT '[]',
		prompt_tokens          INTEGER NOT NULL DEFAULT 0,
		completion_tokens      INTEGER NOT NULL DEFAULT 0,
		total_tokens           INTEGER NOT NULL DEFAULT 0,
		created_at             TEXT NOT NULL,
		updated_at             TEXT NOT NULL,
		PRIMARY KEY (primary_channel, conversation_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversation_resolver
		ON conversation (channel, company_channel, primary_channel)`,
	`CREATE TABLE IF NOT EXISTS credential (
		ref        TEXT PRIMARY KEY,
		secret     TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist. Statements are shared by
// both drivers, so they stay inside the common SQL subset.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return pkgerrors.Wrap(err, "failed to migrate schema")
		}
	}
	return nil
}

// fmtTime renders a timestamp in the stored form: RFC3339, UTC, second
// precision. Constant width keeps string comparison equal to time comparison.
func fmtTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
