package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the tap state database: stream bookmarks and sync run history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "claritap.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the embedded migrations in version order, each in its own
// transaction, recording them in schema_version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}
	sort.Strings(names)

	applied, err := s.AppliedMigrations()
	if err != nil {
		return fmt.Errorf("reading applied migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, name := range names {
		version, err := parseMigrationVersion(path.Base(name))
		if err != nil {
			return err
		}
		if done[version] {
			continue
		}
		if err := s.applyMigration(version, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, name string) error {
	content, err := migrationsFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", name, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version, time.Now().UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Ping checks that the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// --- Bookmarks ---

// GetBookmark returns the stored bookmark for stream or ErrNotFound.
func (s *Store) GetBookmark(stream string) (Bookmark, error) {
	var b Bookmark
	var value, updatedAt string
	err := s.db.QueryRow(`
		SELECT stream, replication_key, value, updated_at
		FROM bookmarks WHERE stream = ?`, stream,
	).Scan(&b.Stream, &b.ReplicationKey, &value, &updatedAt)
	if err == sql.ErrNoRows {
		return Bookmark{}, ErrNotFound
	}
	if err != nil {
		return Bookmark{}, err
	}
	if b.Value, err = time.Parse(time.RFC3339Nano, value); err != nil {
		return Bookmark{}, fmt.Errorf("parsing bookmark value for %s: %w", stream, err)
	}
	if b.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Bookmark{}, fmt.Errorf("parsing bookmark updated_at for %s: %w", stream, err)
	}
	return b, nil
}

// SetBookmark upserts the bookmark for b.Stream. A zero UpdatedAt means now.
func (s *Store) SetBookmark(b Bookmark) error {
	if b.Stream == "" {
		return fmt.Errorf("bookmark stream is required")
	}
	updatedAt := b.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO bookmarks (stream, replication_key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stream) DO UPDATE SET
			replication_key = excluded.replication_key,
			value = excluded.value,
			updated_at = excluded.updated_at`,
		b.Stream, b.ReplicationKey,
		b.Value.UTC().Format(timeLayout), updatedAt.UTC().Format(timeLayout),
	)
	return err
}

// DeleteBookmark removes the bookmark for stream. Deleting a missing bookmark
// returns ErrNotFound.
func (s *Store) DeleteBookmark(stream string) error {
	res, err := s.db.Exec("DELETE FROM bookmarks WHERE stream = ?", stream)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllBookmarks removes every stored bookmark and returns how many were removed.
func (s *Store) DeleteAllBookmarks() (int, error) {
	res, err := s.db.Exec("DELETE FROM bookmarks")
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListBookmarks returns all bookmarks ordered by stream name.
func (s *Store) ListBookmarks() ([]Bookmark, error) {
	rows, err := s.db.Query(`
		SELECT stream, replication_key, value, updated_at
		FROM bookmarks ORDER BY stream ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bookmark
	for rows.Next() {
		var b Bookmark
		var value, updatedAt string
		if err := rows.Scan(&b.Stream, &b.ReplicationKey, &value, &updatedAt); err != nil {
			return nil, err
		}
		if b.Value, err = time.Parse(time.RFC3339Nano, value); err != nil {
			return nil, fmt.Errorf("parsing bookmark value for %s: %w", b.Stream, err)
		}
		if b.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing bookmark updated_at for %s: %w", b.Stream, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- Sync runs ---

// StartRun records a new run in the running state.
func (s *Store) StartRun(r SyncRun) error {
	if r.ID == "" {
		return fmt.Errorf("sync run id is required")
	}
	startedAt := r.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO sync_runs (id, started_at, status, records, last_error)
		VALUES (?, ?, ?, '{}', '')`,
		r.ID, startedAt.UTC().Format(timeLayout), RunRunning,
	)
	return err
}

// FinishRun stores the final status, counts and error of a run.
func (s *Store) FinishRun(r SyncRun) error {
	finishedAt := r.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}
	records := r.Records
	if records == nil {
		records = map[string]int{}
	}
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshaling record counts: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE sync_runs SET finished_at = ?, status = ?, records = ?, last_error = ?
		WHERE id = ?`,
		finishedAt.UTC().Format(timeLayout), r.Status, string(recordsJSON), r.LastError, r.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, status, records, last_error
		FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncRun
	for rows.Next() {
		var r SyncRun
		var startedAt, records string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &startedAt, &finishedAt, &r.Status, &records, &r.LastError); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at for run %s: %w", r.ID, err)
		}
		if finishedAt.Valid && finishedAt.String != "" {
			if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt.String); err != nil {
				return nil, fmt.Errorf("parsing finished_at for run %s: %w", r.ID, err)
			}
		}
		if err := json.Unmarshal([]byte(records), &r.Records); err != nil {
			return nil, fmt.Errorf("parsing record counts for run %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
