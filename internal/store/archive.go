// Package store keeps a history of saved fact documents in SQLite.
package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"nimo/internal/facts"
	"nimo/internal/logging"
)

// SchemaVersion is the archive schema written by this package.
// v1: snapshots table
const SchemaVersion = 1

// Snapshot is one archived fact document.
type Snapshot struct {
	ID          string    `json:"id"`
	Label       string    `json:"label,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ContentHash string    `json:"content_hash"`
	Size        int       `json:"size"`
	// Document is only populated by Get and Latest.
	Document []byte `json:"-"`
}

// Option configures an Archive.
type Option func(*Archive)

// WithClock sets the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) { a.now = now }
}

// WithIDGenerator sets the snapshot id generator.
func WithIDGenerator(gen func() string) Option {
	return func(a *Archive) { a.newID = gen }
}

// Archive stores fact documents produced by facts.Store.SaveTo.
type Archive struct {
	db    *sql.DB
	mu    sync.Mutex
	path  string
	now   func() time.Time
	newID func() string
}

// OpenArchive opens or creates the archive database at path.
func OpenArchive(path string, opts ...Option) (*Archive, error) {
	timer := logging.StartTimer(logging.CategoryArchive, "OpenArchive")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.Get(logging.CategoryArchive).Error("Failed to open archive at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategoryArchive).Debug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategoryArchive).Debug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	a := &Archive{
		db:    db,
		path:  path,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Archive("Archive ready at %s", path)
	return a, nil
}

func (a *Archive) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		document BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);
	CREATE INDEX IF NOT EXISTS idx_snapshots_hash ON snapshots(content_hash);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create archive schema: %w", err)
	}

	var version int
	err := a.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to read archive schema version: %w", err)
	}
	switch {
	case version > SchemaVersion:
		return fmt.Errorf("archive schema version %d is newer than supported version %d", version, SchemaVersion)
	case version < SchemaVersion:
		if _, err := a.db.Exec("INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)",
			SchemaVersion, a.now().UnixNano()); err != nil {
			return fmt.Errorf("failed to record archive schema version: %w", err)
		}
		logging.Get(logging.CategoryArchive).Debug("Archive schema upgraded %d -> %d", version, SchemaVersion)
	}
	return nil
}

// Path returns the database path.
func (a *Archive) Path() string { return a.path }

// Put archives document. If document is byte-identical to the latest
// snapshot, that snapshot is returned and nothing is written.
func (a *Archive) Put(ctx context.Context, label string, document []byte) (Snapshot, error) {
	if len(document) == 0 {
		return Snapshot{}, fmt.Errorf("%w: empty document", facts.ErrInvalidArgument)
	}
	sum := sha256.Sum256(document)
	hash := hex.EncodeToString(sum[:])

	a.mu.Lock()
	defer a.mu.Unlock()

	latest, err := a.latestLocked(ctx, false)
	switch {
	case err == nil && latest.ContentHash == hash:
		logging.Get(logging.CategoryArchive).Debug("Snapshot %s unchanged, not archiving", latest.ID)
		return latest, nil
	case err != nil && !errors.Is(err, facts.ErrNotFound):
		return Snapshot{}, err
	}

	snap := Snapshot{
		ID:          a.newID(),
		Label:       label,
		CreatedAt:   a.now().UTC(),
		ContentHash: hash,
		Size:        len(document),
	}
	_, err = a.db.ExecContext(ctx,
		"INSERT INTO snapshots (id, label, created_at, content_hash, document) VALUES (?, ?, ?, ?, ?)",
		snap.ID, snap.Label, snap.CreatedAt.UnixNano(), snap.ContentHash, document)
	if err != nil {
		logging.Get(logging.CategoryArchive).Error("Failed to archive snapshot: %v", err)
		return Snapshot{}, fmt.Errorf("failed to archive snapshot: %w", err)
	}
	logging.Archive("Archived snapshot %s (%d bytes, label=%q)", snap.ID, snap.Size, label)
	return snap, nil
}

// Get returns the snapshot with the given id, including its document.
func (a *Archive) Get(ctx context.Context, id string) (Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	row := a.db.QueryRowContext(ctx,
		"SELECT id, label, created_at, content_hash, document FROM snapshots WHERE id = ?", id)
	snap, err := scanSnapshot(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, &facts.NotFoundError{Kind: "snapshot", ID: id}
	}
	if err != nil {
		return Snapshot{}, err
	}
	return snap, a.verify(snap)
}

// Latest returns the most recent snapshot, including its document.
func (a *Archive) Latest(ctx context.Context) (Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap, err := a.latestLocked(ctx, true)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, a.verify(snap)
}

func (a *Archive) latestLocked(ctx context.Context, withDocument bool) (Snapshot, error) {
	row := a.db.QueryRowContext(ctx,
		"SELECT id, label, created_at, content_hash, document FROM snapshots ORDER BY created_at DESC, rowid DESC LIMIT 1")
	snap, err := scanSnapshot(row, withDocument)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, &facts.NotFoundError{Kind: "snapshot", ID: "latest"}
	}
	return snap, err
}

// List returns snapshot metadata, newest first. limit <= 0 lists all.
func (a *Archive) List(ctx context.Context, limit int) ([]Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	query := "SELECT id, label, created_at, content_hash, length(document) FROM snapshots ORDER BY created_at DESC, rowid DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			created int64
		)
		if err := rows.Scan(&snap.ID, &snap.Label, &created, &snap.ContentHash, &snap.Size); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Close closes the database.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	logging.Get(logging.CategoryArchive).Debug("Closing archive %s", a.path)
	return a.db.Close()
}

func (a *Archive) verify(snap Snapshot) error {
	sum := sha256.Sum256(snap.Document)
	if hex.EncodeToString(sum[:]) != snap.ContentHash {
		return &facts.PersistenceError{
			Op:   "archive",
			Path: a.path,
			Err:  fmt.Errorf("snapshot %s content hash mismatch", snap.ID),
		}
	}
	return nil
}

func scanSnapshot(row *sql.Row, withDocument bool) (Snapshot, error) {
	var (
		snap    Snapshot
		created int64
		doc     []byte
	)
	if err := row.Scan(&snap.ID, &snap.Label, &created, &snap.ContentHash, &doc); err != nil {
		return Snapshot{}, err
	}
	snap.CreatedAt = time.Unix(0, created).UTC()
	snap.Size = len(doc)
	if withDocument {
		snap.Document = bytes.Clone(doc)
	}
	return snap, nil
}

// PutStore archives the current state of s.
func (a *Archive) PutStore(ctx context.Context, label string, s *facts.Store) (Snapshot, error) {
	doc, err := s.Snapshot()
	if err != nil {
		return Snapshot{}, err
	}
	return a.Put(ctx, label, doc)
}

// Restore replaces the state of s with the snapshot id. An empty id
// restores the latest snapshot.
func (a *Archive) Restore(ctx context.Context, id string, s *facts.Store) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if id == "" {
		snap, err = a.Latest(ctx)
	} else {
		snap, err = a.Get(ctx, id)
	}
	if err != nil {
		return Snapshot{}, err
	}
	if err := s.LoadFrom(bytes.NewReader(snap.Document)); err != nil {
		return Snapshot{}, err
	}
	logging.Archive("Restored snapshot %s", snap.ID)
	return snap, nil
}
