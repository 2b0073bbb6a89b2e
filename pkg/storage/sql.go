package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/HatiCode/corridor/pkg/bucket"
)

// Dialect selects SQL flavour differences between backends.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB is a database/sql connection with its dialect. SQLStore and SQLCatalog
// share one DB.
type DB struct {
	conn    *sql.DB
	dialect Dialect
	path    string

	// bucketIndexErr is the error from creating the unique bucket index,
	// nil when the index exists.
	bucketIndexErr error
}

// OpenSQLite opens or creates a SQLite database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode lets readers proceed while the collector writes.
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initDB(ctx, conn, DialectSQLite, path)
}

// OpenPostgres connects to PostgreSQL through the pgx database/sql driver and
// applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn cannot be empty")
	}

	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	return initDB(ctx, conn, DialectPostgres, "")
}

// WrapConn wraps an existing connection and applies the schema.
// The caller remains responsible for closing conn.
func WrapConn(ctx context.Context, conn *sql.DB, dialect Dialect) (*DB, error) {
	db := &DB{conn: conn, dialect: dialect}
	if err := db.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func initDB(ctx context.Context, conn *sql.DB, dialect Dialect, path string) (*DB, error) {
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, dialect: dialect, path: path}
	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Dialect returns the SQL dialect of db.
func (db *DB) Dialect() Dialect { return db.dialect }

// BucketIndexed reports whether the unique (day, index) index exists. When it
// does not, the reason is returned.
func (db *DB) BucketIndexed() (bool, error) {
	return db.bucketIndexErr == nil, db.bucketIndexErr
}

// SchemaVersion returns the highest applied schema version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := db.conn.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}

func (db *DB) initSchema(ctx context.Context) error {
	var stmts []string
	switch db.dialect {
	case DialectSQLite:
		stmts = sqliteSchema
	case DialectPostgres:
		stmts = postgresSchema
	default:
		return fmt.Errorf("unsupported dialect %q", db.dialect)
	}

	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	if _, err := db.conn.ExecContext(ctx, bucketIndexSQL); err != nil {
		db.bucketIndexErr = err
	}

	_, err := db.conn.ExecContext(ctx, db.rebind(recordMigrationSQL[db.dialect]),
		bucket.SchemaVersionCurrent, time.Now().UnixMilli())
	return err
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// isUniqueViolation reports whether err is a unique constraint failure on
// either backend.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS traffic_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		observed_at_ms INTEGER NOT NULL,
		day_key TEXT NOT NULL,
		interval_index INTEGER NOT NULL,
		schema_version INTEGER,
		payload TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_traffic_snapshots_observed ON traffic_snapshots(observed_at_ms)`,
	`CREATE TABLE IF NOT EXISTS segment_catalog (
		segment_id TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		descriptor TEXT NOT NULL,
		updated_at_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at_ms INTEGER NOT NULL
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS traffic_snapshots (
		id BIGSERIAL PRIMARY KEY,
		observed_at_ms BIGINT NOT NULL,
		day_key TEXT NOT NULL,
		interval_index INTEGER NOT NULL,
		schema_version INTEGER,
		payload TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_traffic_snapshots_observed ON traffic_snapshots(observed_at_ms)`,
	`CREATE TABLE IF NOT EXISTS segment_catalog (
		segment_id TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		descriptor TEXT NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at_ms BIGINT NOT NULL
	)`,
}

// bucketIndexSQL may fail on tables that still hold duplicate legacy buckets.
// The write protocol does not depend on it, so the failure is recorded
// rather than returned.
const bucketIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS ux_traffic_snapshots_bucket ON traffic_snapshots(day_key, interval_index)`

var recordMigrationSQL = map[Dialect]string{
	DialectSQLite:   `INSERT OR IGNORE INTO schema_migrations (version, applied_at_ms) VALUES (?, ?)`,
	DialectPostgres: `INSERT INTO schema_migrations (version, applied_at_ms) VALUES (?, ?) ON CONFLICT (version) DO NOTHING`,
}
