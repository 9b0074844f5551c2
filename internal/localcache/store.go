// Package localcache manages the SQLite database that holds the on-device
// copy of all synchronized records, plus the guest-scope metadata and
// pre-migration snapshots.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods. Records are stored as JSON
// payloads keyed by id, one table per entity type, so unknown fields written
// by newer application versions survive a read-modify-write cycle.
package localcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/akilhane/studysync/internal/model"
)

const metaSchema = `
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
    id         TEXT PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    created_at TEXT NOT NULL,
    payload    TEXT NOT NULL
);
`

// metaKeyGuestID is the meta row holding the current guest scope id.
const metaKeyGuestID = "guest_id"

// Store is the SQLite-backed local cache.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode for better concurrent read performance. UI-layer
// reads share this database with the engine, so reads must tolerate
// partially-applied passes.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, log: logger}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	var b strings.Builder
	for _, t := range model.AllTypes() {
		fmt.Fprintf(&b, `
CREATE TABLE IF NOT EXISTS %[1]s (
    id         TEXT PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    payload    TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_owner ON %[1]s (owner_id);
`, t)
	}
	b.WriteString(metaSchema)
	_, err := db.Exec(b.String())
	return err
}

// List returns every record of the given type under ownerID. Rows whose
// payload cannot be decoded are skipped and reported in the second return
// value; the caller counts them as failed and continues.
func (s *Store) List(ctx context.Context, t model.EntityType, ownerID string) ([]model.Record, int, error) {
	if !t.Valid() {
		return nil, 0, fmt.Errorf("unknown entity type %q", t)
	}
	q := fmt.Sprintf(`SELECT id, payload FROM %s WHERE owner_id = ?`, t)
	rows, err := s.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, 0, fmt.Errorf("querying %s for owner %q: %w", t, ownerID, err)
	}
	defer func() { _ = rows.Close() }()

	var recs []model.Record
	corrupt := 0
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, corrupt, fmt.Errorf("scanning %s row: %w", t, err)
		}
		rec, err := model.Decode(t, []byte(payload))
		if err != nil {
			s.log.Warn("skipping unreadable cache record", "type", t, "id", id, "error", err)
			corrupt++
			continue
		}
		recs = append(recs, rec)
	}
	return recs, corrupt, rows.Err()
}

// Put inserts or replaces a record, keyed by id. The owner column always
// mirrors the payload's ownerId.
func (s *Store) Put(ctx context.Context, t model.EntityType, rec model.Record) error {
	if !t.Valid() {
		return fmt.Errorf("unknown entity type %q", t)
	}
	payload, err := model.Encode(rec)
	if err != nil {
		return fmt.Errorf("encoding %s record %q: %w", t, rec.RecordID(), err)
	}
	q := fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    owner_id   = excluded.owner_id,
		    payload    = excluded.payload,
		    updated_at = excluded.updated_at`, t)
	_, err = s.db.ExecContext(ctx, q, rec.RecordID(), rec.RecordOwner(), string(payload), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("storing %s record %q: %w", t, rec.RecordID(), err)
	}
	return nil
}

// Delete removes the record with the given id. Deleting a missing id is not
// an error.
func (s *Store) Delete(ctx context.Context, t model.EntityType, id string) error {
	if !t.Valid() {
		return fmt.Errorf("unknown entity type %q", t)
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t)
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("deleting %s record %q: %w", t, id, err)
	}
	return nil
}

// ReassignOwner re-keys every record of the given type from one owner scope
// to another, rewriting the embedded ownerId so payload and column stay in
// agreement. Returns the number of records moved. Unreadable payloads are
// left untouched under the old scope.
func (s *Store) ReassignOwner(ctx context.Context, t model.EntityType, fromID, toID string) (int, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("unknown entity type %q", t)
	}

	recs, _, err := s.List(ctx, t, fromID)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting reassign transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`UPDATE %s SET owner_id = ?, payload = ?, updated_at = ? WHERE id = ?`, t)
	now := formatTime(time.Now())
	moved := 0
	for _, rec := range recs {
		rec.SetOwner(toID)
		payload, err := model.Encode(rec)
		if err != nil {
			return moved, fmt.Errorf("encoding %s record %q: %w", t, rec.RecordID(), err)
		}
		if _, err := tx.ExecContext(ctx, q, toID, string(payload), now, rec.RecordID()); err != nil {
			return moved, fmt.Errorf("reassigning %s record %q: %w", t, rec.RecordID(), err)
		}
		moved++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing reassign: %w", err)
	}
	return moved, nil
}

// Counts returns the number of records per entity type under ownerID.
func (s *Store) Counts(ctx context.Context, ownerID string) (map[model.EntityType]int, error) {
	counts := make(map[model.EntityType]int, len(model.AllTypes()))
	for _, t := range model.AllTypes() {
		q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE owner_id = ?`, t)
		var n int
		if err := s.db.QueryRowContext(ctx, q, ownerID).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", t, err)
		}
		counts[t] = n
	}
	return counts, nil
}

// --- Guest scope metadata ----------------------------------------------------

// GuestID returns the current guest scope id, or "" if the device has never
// written guest data (or it was cleared after migration).
func (s *Store) GuestID(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaKeyGuestID).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading guest id: %w", err)
	}
	return v, nil
}

// EnsureGuestID returns the current guest scope id, generating and
// persisting one on first use.
func (s *Store) EnsureGuestID(ctx context.Context) (string, error) {
	existing, err := s.GuestID(ctx)
	if err != nil || existing != "" {
		return existing, err
	}
	id := "guest-" + uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		metaKeyGuestID, id)
	if err != nil {
		return "", fmt.Errorf("storing guest id: %w", err)
	}
	// Re-read in case a concurrent writer won the insert.
	return s.GuestID(ctx)
}

// ClearGuestID removes the guest scope marker. Called after a fully
// successful migration so a future login does not re-migrate.
func (s *Store) ClearGuestID(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, metaKeyGuestID); err != nil {
		return fmt.Errorf("clearing guest id: %w", err)
	}
	return nil
}

// --- Snapshots ---------------------------------------------------------------

// snapshotPayload is the serialized form of one owner scope: raw record
// payloads grouped by entity type.
type snapshotPayload map[model.EntityType][]json.RawMessage

// SaveSnapshot captures every record under ownerID into a snapshot row and
// returns the snapshot id. The migration orchestrator calls this before any
// mutation, so a botched migration can be rolled back on-device.
func (s *Store) SaveSnapshot(ctx context.Context, ownerID string) (string, error) {
	payload := make(snapshotPayload, len(model.AllTypes()))
	for _, t := range model.AllTypes() {
		q := fmt.Sprintf(`SELECT payload FROM %s WHERE owner_id = ?`, t)
		rows, err := s.db.QueryContext(ctx, q, ownerID)
		if err != nil {
			return "", fmt.Errorf("reading %s for snapshot: %w", t, err)
		}
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				_ = rows.Close()
				return "", fmt.Errorf("scanning %s snapshot row: %w", t, err)
			}
			payload[t] = append(payload[t], json.RawMessage(raw))
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return "", err
		}
		_ = rows.Close()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}

	id := "snap-" + uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, owner_id, created_at, payload) VALUES (?, ?, ?, ?)`,
		id, ownerID, formatTime(time.Now()), string(data))
	if err != nil {
		return "", fmt.Errorf("storing snapshot: %w", err)
	}
	return id, nil
}

// RestoreSnapshot re-inserts every record from the snapshot under ownerID,
// replacing records that share an id. Used to bring a guest scope back after
// a migration that should not have run.
func (s *Store) RestoreSnapshot(ctx context.Context, snapshotID, ownerID string) error {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE id = ?`, snapshotID).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("snapshot %q not found", snapshotID)
	}
	if err != nil {
		return fmt.Errorf("reading snapshot %q: %w", snapshotID, err)
	}

	var payload snapshotPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("decoding snapshot %q: %w", snapshotID, err)
	}

	for _, t := range model.AllTypes() {
		for _, entry := range payload[t] {
			rec, err := model.Decode(t, entry)
			if err != nil {
				s.log.Warn("skipping unreadable snapshot record", "snapshot", snapshotID, "type", t, "error", err)
				continue
			}
			rec.SetOwner(ownerID)
			if err := s.Put(ctx, t, rec); err != nil {
				return fmt.Errorf("restoring %s record %q: %w", t, rec.RecordID(), err)
			}
		}
	}
	return nil
}

// SnapshotInfo describes one stored snapshot.
type SnapshotInfo struct {
	ID        string
	OwnerID   string
	CreatedAt time.Time
}

// ListSnapshots returns all snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, created_at FROM snapshots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var infos []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var created string
		if err := rows.Scan(&info.ID, &info.OwnerID, &created); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		info.CreatedAt, _ = parseTime(created)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// PruneSnapshots deletes all but the newest keep snapshots.
func (s *Store) PruneSnapshots(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE id NOT IN (
		    SELECT id FROM snapshots ORDER BY created_at DESC LIMIT ?
		)`, keep)
	if err != nil {
		return fmt.Errorf("pruning snapshots: %w", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
