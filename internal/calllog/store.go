package calllog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("call log entry not found")

// Dialect is the SQL flavour of a Store.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Store is the call log table.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open opens the call log. An empty dsn selects a SQLite file in dataDir
// with WAL enabled; a postgres:// or postgresql:// URL selects PostgreSQL.
// Pending migrations are applied either way.
func Open(dsn, dataDir string, logger *slog.Logger) (*Store, error) {
	logger = logger.With("subsystem", "calllog")

	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	if isPostgres(dsn) {
		dialect = Postgres
		db, err = openPostgres(dsn)
	} else {
		dialect = SQLite
		db, err = openSQLite(dsn, dataDir)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dialect: dialect, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("call log opened", "dialect", string(dialect))
	return s, nil
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func openSQLite(dsn, dataDir string) (*sql.DB, error) {
	if dsn == "" {
		if err := os.MkdirAll(dataDir, 0750); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dbPath := filepath.Join(dataDir, "calllog.db")
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return db, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect returns the SQL flavour in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
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

func (s *Store) migrate() error {
	appliedAt := "DATETIME DEFAULT (datetime('now'))"
	if s.dialect == Postgres {
		appliedAt = "TIMESTAMPTZ DEFAULT now()"
	}
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at ` + appliedAt + `
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	dir := path.Join("migrations", string(s.dialect))
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec(s.rebind("INSERT INTO schema_migrations (version) VALUES (?)"), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		s.logger.Info("applied migration", "version", version)
	}
	return nil
}

// Add inserts e and returns its id.
func (s *Store) Add(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`INSERT INTO call_log
		 (type, name, number, call_time, duration, account_id, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		string(e.Type), e.Name, e.Number, e.Time.UTC(),
		int64(e.Duration/time.Second), e.Account, e.Status,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting call log entry: %w", err)
	}
	return id, nil
}

// List returns a page of entries, newest first, and the number of entries
// matching the filter.
func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, int, error) {
	where := "1=1"
	args := []any{}
	if filter.Type != "" {
		where += " AND type = ?"
		args = append(args, string(filter.Type))
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM call_log WHERE " + where
	if err := s.db.QueryRowContext(ctx, s.rebind(countQuery), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call log: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, type, name, number, call_time, duration, account_id, status
		 FROM call_log WHERE ` + where + ` ORDER BY call_time DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e   Entry
			typ string
			dur int64
		)
		if err := rows.Scan(&e.ID, &typ, &e.Name, &e.Number, &e.Time, &dur, &e.Account, &e.Status); err != nil {
			return nil, 0, fmt.Errorf("scanning call log row: %w", err)
		}
		e.Type = Type(typ)
		e.Duration = time.Duration(dur) * time.Second
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call log rows: %w", err)
	}
	return entries, total, nil
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM call_log WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("deleting call log entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting call log entry: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes every entry and returns how many were removed.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM call_log")
	if err != nil {
		return 0, fmt.Errorf("clearing call log: %w", err)
	}
	return res.RowsAffected()
}

// DeleteBefore removes entries older than t and returns how many were
// removed.
func (s *Store) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM call_log WHERE call_time < ?"), t.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired call log entries: %w", err)
	}
	return res.RowsAffected()
}

// CountByType returns the number of entries of each type.
func (s *Store) CountByType(ctx context.Context) (map[Type]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM call_log GROUP BY type")
	if err != nil {
		return nil, fmt.Errorf("counting call log by type: %w", err)
	}
	defer rows.Close()

	counts := map[Type]int{Dialed: 0, Received: 0, Missed: 0}
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scanning call log count: %w", err)
		}
		counts[Type(typ)] = n
	}
	return counts, rows.Err()
}
