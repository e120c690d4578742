// Package store persists scenario instances, the message ledger and classified
// events behind database/sql. SQLite (modernc) is the default backend; postgres
// is reachable through the pgx stdlib driver.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/companion/internal/scenario"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect int

const (
	sqliteDialect dialect = iota
	postgresDialect
)

// rebind rewrites ? placeholders into $n for postgres.
func (d dialect) rebind(q string) string {
	if d != postgresDialect {
		return q
	}
	var sb strings.Builder
	sb.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

type Store struct {
	db      *sql.DB
	dialect dialect
	mu      sync.Mutex
}

// Open connects to the configured backend and creates the schema.
func Open(driver, dsn string) (*Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		return openSQLite(dsn)
	case DriverPostgres, "pgx":
		return openPostgres(dsn)
	}
	return nil, fmt.Errorf("unsupported store driver %q", driver)
}

func openSQLite(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db, dialect: sqliteDialect}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN carries the pragmas in the DSN so every pooled connection runs
// them on open.
func sqliteDSN(dbPath string) string {
	return "file:" + dbPath + "?mode=rwc" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
}

func openPostgres(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db, dialect: postgresDialect}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	seqColumn := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == postgresDialect {
		seqColumn = "seq BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scenario_instances (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			scenario_type TEXT NOT NULL,
			current_state TEXT NOT NULL,
			delivery_mode TEXT NOT NULL DEFAULT 'direct',
			thread_id BIGINT,
			step_pointers TEXT NOT NULL DEFAULT '{}',
			completion_flags TEXT NOT NULL DEFAULT '[]',
			is_open INTEGER NOT NULL DEFAULT 1,
			launch_day TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			last_interaction_at BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_instances_open_day
			ON scenario_instances(user_id, scenario_type, launch_day) WHERE is_open = 1`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_instances_thread
			ON scenario_instances(chat_id, thread_id) WHERE thread_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_instances_user_open ON scenario_instances(user_id, is_open, created_at)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			` + seqColumn + `,
			chat_id TEXT NOT NULL,
			message_id BIGINT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			instance_id TEXT,
			direction TEXT NOT NULL,
			bot_step_kind TEXT,
			state_at_arrival TEXT,
			preview_text TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			processed_at BIGINT,
			UNIQUE (chat_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_unprocessed ON ledger_entries(direction, processed_at, instance_id)`,
		`CREATE TABLE IF NOT EXISTS classified_events (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			source_instance_id TEXT NOT NULL,
			bucket TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_instance ON classified_events(source_instance_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	OpenInstances      int `json:"openInstances"`
	TotalInstances     int `json:"totalInstances"`
	LedgerEntries      int `json:"ledgerEntries"`
	UnresolvedEntries  int `json:"unresolvedEntries"`
	UnprocessedEntries int `json:"unprocessedEntries"`
	ClassifiedEvents   int `json:"classifiedEvents"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		q   string
		dst *int
	}{
		{`SELECT COUNT(1) FROM scenario_instances WHERE is_open = 1`, &st.OpenInstances},
		{`SELECT COUNT(1) FROM scenario_instances`, &st.TotalInstances},
		{`SELECT COUNT(1) FROM ledger_entries`, &st.LedgerEntries},
		{`SELECT COUNT(1) FROM ledger_entries WHERE instance_id IS NULL`, &st.UnresolvedEntries},
		{`SELECT COUNT(1) FROM ledger_entries WHERE direction = 'user' AND processed_at IS NULL AND instance_id IS NOT NULL`, &st.UnprocessedEntries},
		{`SELECT COUNT(1) FROM classified_events`, &st.ClassifiedEvents},
	}
	for _, item := range queries {
		if err := s.db.QueryRowContext(ctx, item.q).Scan(item.dst); err != nil {
			return Stats{}, persistErr("stats", err)
		}
	}
	return st, nil
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, scenario.ErrPersistence, err)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}
