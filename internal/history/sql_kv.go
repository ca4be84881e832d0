package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its dialect and base FS in package globals.
var gooseMu sync.Mutex

// SQLKV stores values in a kv_entries table on SQLite or Postgres.
type SQLKV struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
}

// OpenSQLKV opens the database, applies migrations and returns the store.
// driver is sqlite or postgres (pgx).
func OpenSQLKV(ctx context.Context, driver, dsn string) (*SQLKV, error) {
	driver = normalizeDriver(driver)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	var driverName, dialect string
	var placeholder sq.PlaceholderFormat = sq.Question
	switch driver {
	case "sqlite":
		driverName, dialect = "sqlite", "sqlite3"
	case "postgres":
		driverName, dialect = "pgx", "postgres"
		placeholder = sq.Dollar
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == "sqlite" {
		// a single writer avoids SQLITE_BUSY on concurrent saves
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLKV{
		db:     db,
		driver: driver,
		sql:    sq.StatementBuilder.PlaceholderFormat(placeholder),
	}, nil
}

func migrate(ctx context.Context, db *sql.DB, dialect string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "sqlite", "sqlite3", "":
		return "sqlite"
	default:
		return d
	}
}

// Close closes the database.
func (s *SQLKV) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the value for key, or ErrNotFound.
func (s *SQLKV) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	q := s.sql.Select("value").
		From("kv_entries").
		Where(sq.Eq{"namespace": namespace, "entry_key": key})
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var value string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return []byte(value), nil
}

// Set upserts value under key.
func (s *SQLKV) Set(ctx context.Context, namespace, key string, value []byte) error {
	q := s.sql.Insert("kv_entries").
		Columns("namespace", "entry_key", "value", "updated_at").
		Values(namespace, key, string(value), time.Now().UTC()).
		Suffix("ON CONFLICT(namespace, entry_key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at")

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// UsedBytes sums the stored value lengths in namespace.
func (s *SQLKV) UsedBytes(ctx context.Context, namespace string) (int64, error) {
	q := s.sql.Select("COALESCE(SUM(LENGTH(value)), 0)").
		From("kv_entries").
		Where(sq.Eq{"namespace": namespace})
	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build usage query: %w", err)
	}
	var used int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&used); err != nil {
		return 0, fmt.Errorf("usage %s: %w", namespace, err)
	}
	return used, nil
}
