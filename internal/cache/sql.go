package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/agentoven/scriptrun/pkg/models"
)

// Dialect selects SQL flavour for the persistent tier.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// SQLStore keeps entries in a single table keyed by fingerprint.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	q       queries
}

type queries struct {
	schema string
	get    string
	put    string
}

func buildQueries(d Dialect, table string) (queries, error) {
	if !tableNameRe.MatchString(table) {
		return queries{}, fmt.Errorf("sql cache: invalid table name %q", table)
	}
	switch d {
	case DialectMySQL:
		return queries{
			schema: `CREATE TABLE IF NOT EXISTS ` + table + ` (
        fingerprint CHAR(64) PRIMARY KEY,
        response LONGTEXT NOT NULL,
        created_at BIGINT NOT NULL
)`,
			get: `SELECT response, created_at FROM ` + table + ` WHERE fingerprint = ?`,
			put: `INSERT IGNORE INTO ` + table + ` (fingerprint, response, created_at) VALUES (?, ?, ?)`,
		}, nil
	case DialectPostgres:
		return queries{
			schema: `CREATE TABLE IF NOT EXISTS ` + table + ` (
        fingerprint CHAR(64) PRIMARY KEY,
        response TEXT NOT NULL,
        created_at BIGINT NOT NULL
)`,
			get: `SELECT response, created_at FROM ` + table + ` WHERE fingerprint = $1`,
			put: `INSERT INTO ` + table + ` (fingerprint, response, created_at) VALUES ($1, $2, $3) ON CONFLICT (fingerprint) DO NOTHING`,
		}, nil
	}
	return queries{}, fmt.Errorf("sql cache: unsupported dialect %q", d)
}

// NewSQLStore opens dsn with the driver matching dialect, pings it and
// creates the table if needed.
func NewSQLStore(ctx context.Context, dialect Dialect, dsn, table string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sql cache: DSN is required")
	}
	q, err := buildQueries(dialect, table)
	if err != nil {
		return nil, err
	}

	driver := "mysql"
	if dialect == DialectPostgres {
		driver = "pgx"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql cache: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	s, err := newSQLStore(ctx, db, dialect, q)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, q queries) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("sql cache: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, q.schema); err != nil {
		return nil, fmt.Errorf("sql cache: create table: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect, q: q}, nil
}

func (s *SQLStore) Get(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	var (
		raw       string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q.get, fingerprint).Scan(&raw, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sql cache: get: %w", err)
	}
	e := &models.CacheEntry{Fingerprint: fingerprint, CreatedAt: time.UnixMilli(createdAt).UTC()}
	if err := json.Unmarshal([]byte(raw), &e.Response); err != nil {
		return nil, fmt.Errorf("sql cache: decode %s: %w", fingerprint, err)
	}
	return e, nil
}

// Put inserts entry; a row with the same fingerprint is left untouched.
func (s *SQLStore) Put(ctx context.Context, entry *models.CacheEntry) error {
	b, err := json.Marshal(entry.Response)
	if err != nil {
		return fmt.Errorf("sql cache: encode: %w", err)
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, s.q.put, entry.Fingerprint, string(b), created.UnixMilli()); err != nil {
		return fmt.Errorf("sql cache: put: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
