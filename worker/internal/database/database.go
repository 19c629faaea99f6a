package database

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskmgr818/fractal-at-home/worker/internal/engine"
)

// FragmentLog represents one computed fragment
type FragmentLog struct {
	ID         int64
	Offset     uint32
	NX         uint16
	NY         uint16
	DurationMs int64
	CreatedAt  time.Time
}

// Pixels returns the fragment's pixel count.
func (l FragmentLog) Pixels() int64 {
	return int64(l.NX) * int64(l.NY)
}

// DB wraps the SQLite database
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema
func NewDB(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory failed: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}

	// SQLite works best with a single writer
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema failed: %w", err)
	}
	return db, nil
}

// initSchema creates the necessary tables. created_at holds Unix milliseconds.
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fragment_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_offset INTEGER NOT NULL,
		nx INTEGER NOT NULL,
		ny INTEGER NOT NULL,
		pixels INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_created_at ON fragment_logs(created_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// InsertFragmentLog inserts a new fragment log entry
func (db *DB) InsertFragmentLog(fl *FragmentLog) error {
	query := `
		INSERT INTO fragment_logs (job_offset, nx, ny, pixels, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := db.conn.Exec(query, fl.Offset, fl.NX, fl.NY, fl.Pixels(), fl.DurationMs, fl.CreatedAt.UnixMilli())
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	fl.ID = id
	return nil
}

// ConnectionChanged implements engine.Recorder.
func (db *DB) ConnectionChanged(bool) {}

// FragmentSubmitted implements engine.Recorder.
func (db *DB) FragmentSubmitted(f engine.Fragment) {
	fl := &FragmentLog{
		Offset:     f.Offset,
		NX:         f.NX,
		NY:         f.NY,
		DurationMs: f.Duration.Milliseconds(),
		CreatedAt:  f.At,
	}
	if err := db.InsertFragmentLog(fl); err != nil {
		log.Printf("[database] failed to log fragment %d: %v", f.Offset, err)
	}
}

// AggregateStats holds aggregate statistics from the database
type AggregateStats struct {
	TotalFragments int
	TotalPixels    int64
	TotalMs        int64
	TodayFragments int
	TodayPixels    int64
}

// GetAggregateStats returns aggregate statistics from all fragment logs.
// "Today" starts at local midnight of now.
func (db *DB) GetAggregateStats(now time.Time) (*AggregateStats, error) {
	stats := &AggregateStats{}

	err := db.conn.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(pixels), 0), COALESCE(SUM(duration_ms), 0)
		FROM fragment_logs
	`).Scan(&stats.TotalFragments, &stats.TotalPixels, &stats.TotalMs)
	if err != nil {
		return nil, fmt.Errorf("query total stats: %w", err)
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	err = db.conn.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(pixels), 0)
		FROM fragment_logs
		WHERE created_at >= ?
	`, midnight.UnixMilli()).Scan(&stats.TodayFragments, &stats.TodayPixels)
	if err != nil {
		return nil, fmt.Errorf("query today stats: %w", err)
	}

	return stats, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}
