// Package journal keeps an on-disk audit trail of what the installer did
// to the machine: filesystems created, mount entries written and mirror
// benchmarks taken. Manifest contents are never stored here.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath is the default journal location
const DefaultPath = "/var/lib/deploykit/journal.db"

// Journal wraps the SQLite database connection
type Journal struct {
	conn *sql.DB
	path string
}

// schema holds the journal migrations in order. SQLite's user_version
// header field records how many of them a database file has applied.
var schema = []string{
	migrationV1,
}

// Open opens or creates the journal at the given path
func Open(path string) (*Journal, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	// Pragmas ride on the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// The CLI writes from a single goroutine.
	conn.SetMaxOpenConns(1)

	if err := upgrade(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upgrade journal %s: %w", path, err)
	}
	return &Journal{conn: conn, path: path}, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.conn.Close()
}

// Path returns the journal file path
func (j *Journal) Path() string {
	return j.path
}

// SchemaVersion returns the number of migrations applied to the file
func (j *Journal) SchemaVersion() (int, error) {
	return schemaVersion(j.conn)
}

func schemaVersion(conn *sql.DB) (int, error) {
	var v int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// upgrade applies every migration past the file's user_version. A file
// written by a newer build is refused rather than guessed at.
func upgrade(conn *sql.DB) error {
	have, err := schemaVersion(conn)
	if err != nil {
		return err
	}
	if have > len(schema) {
		return fmt.Errorf("schema v%d is newer than this build supports (v%d)", have, len(schema))
	}

	for v := have + 1; v <= len(schema); v++ {
		tx, err := conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(schema[v-1]); err != nil {
			tx.Rollback()
			return fmt.Errorf("schema v%d: %w", v, err)
		}
		// PRAGMA takes no bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
			tx.Rollback()
			return fmt.Errorf("schema v%d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// migrationV1 creates the initial schema
const migrationV1 = `
-- Disk operations: one row per mkfs run or fstab line produced
CREATE TABLE IF NOT EXISTS disk_events (
    id INTEGER PRIMARY KEY,
    event_type TEXT NOT NULL,
    device_path TEXT NOT NULL,
    parent_path TEXT,
    fs_type TEXT,
    mount_path TEXT,
    outcome TEXT NOT NULL,
    details TEXT,
    timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_disk_events_device ON disk_events(device_path);
CREATE INDEX IF NOT EXISTS idx_disk_events_time ON disk_events(timestamp);

-- Mirror benchmark runs and the per-mirror scores of each
CREATE TABLE IF NOT EXISTS speedtest_runs (
    id INTEGER PRIMARY KEY,
    probed INTEGER NOT NULL,
    passed INTEGER NOT NULL,
    timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS speedtest_scores (
    id INTEGER PRIMARY KEY,
    run_id INTEGER NOT NULL REFERENCES speedtest_runs(id),
    rank INTEGER NOT NULL,
    mirror_name TEXT NOT NULL,
    mirror_url TEXT NOT NULL,
    score REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scores_run ON speedtest_scores(run_id);
`

// Event types
const (
	EventFormat = "format"
	EventFstab  = "fstab"
)

// Outcomes
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// DiskEvent is one recorded disk operation
type DiskEvent struct {
	ID         int64
	EventType  string
	DevicePath string
	ParentPath string
	FSType     string
	MountPath  string
	Outcome    string
	Details    string
	Timestamp  time.Time
}

// SpeedtestRun is one recorded mirror benchmark
type SpeedtestRun struct {
	ID        int64
	Probed    int
	Passed    int
	Scores    []MirrorScore
	Timestamp time.Time
}

// MirrorScore is a passing mirror's position in a benchmark run
type MirrorScore struct {
	Rank  int
	Name  string
	URL   string
	Score float64
}
