package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a campaign does not exist.
var ErrNotFound = errors.New("campaign not found")

// Store wraps the SQL database used for persistence. SQLite is the default;
// Postgres is used when the service runs with more than one replica.
type Store struct {
	db       *sql.DB
	postgres bool
}

// Open initializes the datastore using the supplied DSN/file path and driver.
func Open(dsn string, driver string) (*Store, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("datastore DSN is required")
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create datastore directory: %w", err)
		}
		conn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dsn)
		db, err = sql.Open("sqlite", conn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite datastore: %w", err)
		}
		// SQLite allows one writer at a time.
		db.SetMaxOpenConns(1)
	case "postgres":
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres datastore: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported datastore driver: %s", driver)
	}

	s := &Store{db: db, postgres: driver == "postgres"}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	timestamp, serial := "TIMESTAMP", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.postgres {
		timestamp, serial = "TIMESTAMPTZ", "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			campaign_id TEXT,
			status TEXT NOT NULL,
			target TEXT,
			progress INTEGER DEFAULT 0,
			completed_probes INTEGER DEFAULT 0,
			total_probes INTEGER DEFAULT 0,
			request TEXT,
			summary TEXT,
			error_kind TEXT,
			error TEXT,
			created_at ` + timestamp + ` NOT NULL,
			updated_at ` + timestamp + ` NOT NULL,
			started_at ` + timestamp + `,
			finished_at ` + timestamp + `
		);`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_created ON campaigns(created_at);`,
		`CREATE TABLE IF NOT EXISTS probe_results (
			campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			probe_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			category TEXT NOT NULL,
			prompt TEXT,
			response TEXT,
			status TEXT NOT NULL,
			confidence INTEGER NOT NULL,
			severity TEXT NOT NULL,
			risk_score INTEGER NOT NULL,
			evidence TEXT,
			observed_at TEXT,
			PRIMARY KEY (campaign_id, probe_id)
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			id ` + serial + `,
			event TEXT NOT NULL,
			campaign_id TEXT,
			metadata TEXT,
			created_at ` + timestamp + ` NOT NULL
		);`,
	}
	if !s.postgres {
		stmts = append([]string{`PRAGMA journal_mode=WAL;`}, stmts...)
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema apply failed: %w", err)
		}
	}
	return nil
}

// Close shuts down the datastore.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
