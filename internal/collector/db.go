// internal/collector/db.go
package collector

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/signalnine/statebridge/internal/protocol"
)

// ErrNoSnapshot is returned when nothing has been stored yet
var ErrNoSnapshot = errors.New("collector: no snapshot stored")

// DB wraps SQLite connection
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// NewDB opens or creates the SQLite database
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; seq is assigned inside the INSERT
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		received_at TEXT NOT NULL,
		page_url TEXT NOT NULL,
		console_count INTEGER NOT NULL,
		network_count INTEGER NOT NULL,
		error_count INTEGER NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_seq ON snapshots(seq);
	CREATE INDEX IF NOT EXISTS idx_snapshots_page_url ON snapshots(page_url);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// InsertSnapshot stores one snapshot and returns its stored form
func (d *DB) InsertSnapshot(snap protocol.Snapshot) (*protocol.StoredSnapshot, error) {
	snap.Normalize()
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	stored := &protocol.StoredSnapshot{
		ID:         uuid.NewString(),
		ReceivedAt: d.now().UTC(),
		Snapshot:   snap,
	}

	// seq orders rows that arrive within the same clock tick
	_, err = d.db.Exec(`
		INSERT INTO snapshots (id, seq, received_at, page_url, console_count, network_count, error_count, payload)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM snapshots), ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.ReceivedAt.Format(time.RFC3339Nano), snap.URL,
		len(snap.Console), len(snap.Network), len(snap.Errors), string(payload))
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Latest returns the most recently received snapshot
func (d *DB) Latest() (*protocol.StoredSnapshot, error) {
	rows, err := d.db.Query(`
		SELECT id, received_at, payload FROM snapshots
		ORDER BY seq DESC
		LIMIT 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoSnapshot
	}
	return &results[0], nil
}

// Get returns one snapshot by ID
func (d *DB) Get(id string) (*protocol.StoredSnapshot, error) {
	rows, err := d.db.Query(`
		SELECT id, received_at, payload FROM snapshots
		WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoSnapshot
	}
	return &results[0], nil
}

// History returns up to limit snapshots, newest first
func (d *DB) History(limit int) ([]protocol.StoredSnapshot, error) {
	rows, err := d.db.Query(`
		SELECT id, received_at, payload FROM snapshots
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

// HistoryByURL returns recent snapshots taken on one page
func (d *DB) HistoryByURL(pageURL string, limit int) ([]protocol.StoredSnapshot, error) {
	rows, err := d.db.Query(`
		SELECT id, received_at, payload FROM snapshots
		WHERE page_url = ?
		ORDER BY seq DESC
		LIMIT ?
	`, pageURL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

// Stats summarizes what has been stored
type Stats struct {
	Snapshots int            `json:"snapshots"`
	Errors    int            `json:"errors"`
	ByURL     map[string]int `json:"by_url"`
}

// Stats returns snapshot counts overall and per page
func (d *DB) Stats() (*Stats, error) {
	rows, err := d.db.Query(`
		SELECT page_url, COUNT(*), COALESCE(SUM(error_count), 0) FROM snapshots GROUP BY page_url
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	st := &Stats{ByURL: make(map[string]int)}
	for rows.Next() {
		var pageURL string
		var count, errs int
		if err := rows.Scan(&pageURL, &count, &errs); err != nil {
			return nil, err
		}
		st.ByURL[pageURL] = count
		st.Snapshots += count
		st.Errors += errs
	}
	return st, rows.Err()
}

func scanSnapshots(rows *sql.Rows) ([]protocol.StoredSnapshot, error) {
	results := []protocol.StoredSnapshot{}
	for rows.Next() {
		var s protocol.StoredSnapshot
		var receivedStr, payload string

		if err := rows.Scan(&s.ID, &receivedStr, &payload); err != nil {
			return nil, err
		}

		s.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedStr)
		if err := json.Unmarshal([]byte(payload), &s.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", s.ID, err)
		}
		s.Snapshot.Normalize()

		results = append(results, s)
	}
	return results, rows.Err()
}
