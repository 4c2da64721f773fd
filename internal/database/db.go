// Package database is the durable store for market history and portfolio
// snapshots. It runs on PostgreSQL (lib/pq) or SQLite (modernc)
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	schema "github.com/trogers1052/portfolio-valuation/db"
	"github.com/trogers1052/portfolio-valuation/internal/apperr"
)

// Dialect selects SQL flavour and value encoding
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// sqliteTime is fixed width so text ordering matches time ordering
const sqliteTime = "2006-01-02T15:04:05.000000Z"

// DB wraps the connection pool
type DB struct {
	conn    *sql.DB
	dialect Dialect
	// mu serializes batch commits from this process
	mu sync.Mutex
}

// New opens a PostgreSQL connection
func New(connStr string) (*DB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &DB{conn: conn, dialect: Postgres}, nil
}

// OpenSQLite opens (or creates) a SQLite database file in WAL mode
func OpenSQLite(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	// one writer at a time; readers share the WAL
	conn.SetMaxOpenConns(1)
	return &DB{conn: conn, dialect: SQLite}, nil
}

// NewFromConn wraps an existing pool
func NewFromConn(conn *sql.DB, dialect Dialect) *DB {
	return &DB{conn: conn, dialect: dialect}
}

// Dialect reports which backend is in use
func (db *DB) Dialect() Dialect { return db.dialect }

// Close closes the pool
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks connectivity
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// Migrate applies every pending embedded migration
func (db *DB) Migrate() error {
	src, err := iofs.New(schema.Migrations, "migrations/"+string(db.dialect))
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	var driver migratedb.Driver
	switch db.dialect {
	case SQLite:
		driver, err = sqlite.WithInstance(db.conn, &sqlite.Config{})
	default:
		driver, err = postgres.WithInstance(db.conn, &postgres.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(db.dialect), driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// q rewrites $N placeholders for the active dialect
func (db *DB) q(query string) string {
	if db.dialect == SQLite {
		return placeholder.ReplaceAllString(query, "?$1")
	}
	return query
}

// timeArg encodes a timestamp for binding
func (db *DB) timeArg(t time.Time) any {
	t = t.UTC()
	if db.dialect == SQLite {
		return t.Format(sqliteTime)
	}
	return t
}

func dateArg(t time.Time) string {
	return t.Format(time.DateOnly)
}

// timeValue scans DATE, TIMESTAMPTZ and SQLite text columns alike
type timeValue struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	sqliteTime,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.DateOnly,
}

func (v *timeValue) Scan(src any) error {
	switch x := src.(type) {
	case nil:
		*v = timeValue{}
		return nil
	case time.Time:
		*v = timeValue{Time: x.UTC(), Valid: true}
		return nil
	case []byte:
		return v.parse(string(x))
	case string:
		return v.parse(x)
	case int64:
		*v = timeValue{Time: time.Unix(x, 0).UTC(), Valid: true}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into a time", src)
	}
}

func (v *timeValue) parse(s string) error {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*v = timeValue{Time: t.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("cannot parse %q as a time", s)
}

func repoErr(op string, err error) error {
	return &apperr.RepositoryError{Op: op, Err: err}
}
