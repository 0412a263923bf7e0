// Package store provides Courier's durable persistence layer: bundles,
// their chunks, and custody records, backed by SQLite. Callers interact
// through the Store interface; SQLiteStore is the only implementation,
// kept behind the interface so the rest of the tree never imports
// database/sql directly.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/couriernet/courier/internal/model"
)

// Store is the durable persistence surface the node, send engine,
// receive engine, and custody manager share.
type Store interface {
	SaveBundle(ctx context.Context, b model.Bundle) error
	LoadBundle(ctx context.Context, bundleID string) (model.Bundle, bool, error)
	UpdateBundleState(ctx context.Context, bundleID string, state model.BundleState) error
	UpdateBundleStats(ctx context.Context, bundleID string, bytesSent, chunksRetransmitted *int64) error
	ListBundles(ctx context.Context) ([]model.Bundle, error)
	ListBundlesByState(ctx context.Context, state model.BundleState) ([]model.Bundle, error)

	SaveChunksBulk(ctx context.Context, chunks []model.Chunk) error
	LoadChunksForBundle(ctx context.Context, bundleID string) ([]model.Chunk, error)

	SaveCustodyRecord(ctx context.Context, r model.CustodyRecord) error
	LoadCustodyRecord(ctx context.Context, bundleID string) (model.CustodyRecord, bool, error)

	DeleteBundle(ctx context.Context, bundleID string) error
	CleanupExpiredBundles(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// SQLiteStore is a SQLite-backed Store using the cgo-free
// modernc.org/sqlite driver. A single *sql.DB is shared across all
// operations; database/sql's own connection pooling and SQLite's WAL
// mode provide the concurrency safety the teacher's code instead got
// from an explicit mutex.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path,
// applying WAL journaling and NORMAL synchronous mode, then ensures the
// bundles/chunks/custody_records schema exists.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set synchronous: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bundles (
			bundle_id TEXT PRIMARY KEY,
			src TEXT NOT NULL,
			dst TEXT NOT NULL,
			ttl INTEGER NOT NULL,
			state TEXT NOT NULL,
			total_chunks INTEGER NOT NULL,
			bytes_sent INTEGER DEFAULT 0,
			chunks_retransmitted INTEGER DEFAULT 0,
			fec_enabled BOOLEAN DEFAULT 0,
			k INTEGER DEFAULT 0,
			r INTEGER DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			file_path TEXT,
			file_size INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			bundle_id TEXT NOT NULL,
			chunk_id INTEGER NOT NULL,
			is_parity BOOLEAN DEFAULT 0,
			block_id INTEGER NOT NULL,
			k INTEGER NOT NULL,
			r INTEGER NOT NULL,
			payload BLOB NOT NULL,
			checksum TEXT NOT NULL,
			flags INTEGER DEFAULT 0,
			PRIMARY KEY (bundle_id, chunk_id),
			FOREIGN KEY (bundle_id) REFERENCES bundles(bundle_id)
		)`,
		`CREATE TABLE IF NOT EXISTS custody_records (
			bundle_id TEXT PRIMARY KEY,
			owner_node TEXT NOT NULL,
			chunk_ranges TEXT NOT NULL,
			retry_timer TIMESTAMP NOT NULL,
			retry_count INTEGER DEFAULT 0,
			max_retries INTEGER DEFAULT 10,
			state TEXT NOT NULL,
			acquired_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (bundle_id) REFERENCES bundles(bundle_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// SaveBundle inserts or replaces a bundle row.
func (s *SQLiteStore) SaveBundle(ctx context.Context, b model.Bundle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO bundles
		(bundle_id, src, dst, ttl, state, total_chunks, bytes_sent,
		 chunks_retransmitted, fec_enabled, k, r, file_path, file_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BundleID, b.Src, b.Dst, b.TTLSec, string(b.State), b.TotalChunks, b.BytesSent,
		b.ChunksRetransmitted, b.FECEnabled, b.K, b.R, b.FilePath, b.FileSize, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save bundle %s: %w", b.BundleID, err)
	}
	return nil
}

func scanBundle(row interface {
	Scan(dest ...any) error
}) (model.Bundle, error) {
	var b model.Bundle
	var state string
	var createdAt time.Time
	err := row.Scan(
		&b.BundleID, &b.Src, &b.Dst, &b.TTLSec, &state, &b.TotalChunks, &b.BytesSent,
		&b.ChunksRetransmitted, &b.FECEnabled, &b.K, &b.R, &createdAt, &b.FilePath, &b.FileSize,
	)
	if err != nil {
		return model.Bundle{}, err
	}
	b.State = model.BundleState(state)
	b.CreatedAt = createdAt
	return b, nil
}

const bundleColumns = `bundle_id, src, dst, ttl, state, total_chunks, bytes_sent,
	chunks_retransmitted, fec_enabled, k, r, created_at, file_path, file_size`

// LoadBundle returns the bundle with the given id, or ok=false if none exists.
func (s *SQLiteStore) LoadBundle(ctx context.Context, bundleID string) (model.Bundle, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+bundleColumns+" FROM bundles WHERE bundle_id = ?", bundleID)
	b, err := scanBundle(row)
	if err == sql.ErrNoRows {
		return model.Bundle{}, false, nil
	}
	if err != nil {
		return model.Bundle{}, false, fmt.Errorf("store: load bundle %s: %w", bundleID, err)
	}
	return b, true, nil
}

// UpdateBundleState updates only a bundle's state column.
func (s *SQLiteStore) UpdateBundleState(ctx context.Context, bundleID string, state model.BundleState) error {
	_, err := s.db.ExecContext(ctx, "UPDATE bundles SET state = ? WHERE bundle_id = ?", string(state), bundleID)
	if err != nil {
		return fmt.Errorf("store: update state for %s: %w", bundleID, err)
	}
	return nil
}

// UpdateBundleStats updates bytes_sent and/or chunks_retransmitted; a nil
// pointer leaves that column untouched.
func (s *SQLiteStore) UpdateBundleStats(ctx context.Context, bundleID string, bytesSent, chunksRetransmitted *int64) error {
	if bytesSent != nil {
		if _, err := s.db.ExecContext(ctx, "UPDATE bundles SET bytes_sent = ? WHERE bundle_id = ?", *bytesSent, bundleID); err != nil {
			return fmt.Errorf("store: update bytes_sent for %s: %w", bundleID, err)
		}
	}
	if chunksRetransmitted != nil {
		if _, err := s.db.ExecContext(ctx, "UPDATE bundles SET chunks_retransmitted = ? WHERE bundle_id = ?", *chunksRetransmitted, bundleID); err != nil {
			return fmt.Errorf("store: update chunks_retransmitted for %s: %w", bundleID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) queryBundles(ctx context.Context, query string, args ...any) ([]model.Bundle, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list bundles: %w", err)
	}
	defer rows.Close()
	var out []model.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan bundle: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBundles returns all bundles, newest first.
func (s *SQLiteStore) ListBundles(ctx context.Context) ([]model.Bundle, error) {
	return s.queryBundles(ctx, "SELECT "+bundleColumns+" FROM bundles ORDER BY created_at DESC")
}

// ListBundlesByState returns all bundles in the given state, newest first.
func (s *SQLiteStore) ListBundlesByState(ctx context.Context, state model.BundleState) ([]model.Bundle, error) {
	return s.queryBundles(ctx, "SELECT "+bundleColumns+" FROM bundles WHERE state = ? ORDER BY created_at DESC", string(state))
}

// SaveChunksBulk inserts or replaces a batch of chunks in a single
// transaction, the way the teacher's bulk-write path avoids
// per-chunk filesystem overhead.
func (s *SQLiteStore) SaveChunksBulk(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin chunk batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks
		(bundle_id, chunk_id, is_parity, block_id, k, r, payload, checksum, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: prepare chunk batch: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.BundleID, c.ChunkID, c.IsParity, c.BlockID, c.K, c.R,
			c.Payload, fmt.Sprintf("%d", c.Checksum), c.Flags); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: insert chunk %s/%d: %w", c.BundleID, c.ChunkID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit chunk batch: %w", err)
	}
	return nil
}

// LoadChunksForBundle returns all chunks for bundleID ordered by chunk id.
func (s *SQLiteStore) LoadChunksForBundle(ctx context.Context, bundleID string) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bundle_id, chunk_id, is_parity, block_id, k, r, payload, checksum, flags
		FROM chunks WHERE bundle_id = ? ORDER BY chunk_id`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("store: load chunks for %s: %w", bundleID, err)
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var checksumStr string
		if err := rows.Scan(&c.BundleID, &c.ChunkID, &c.IsParity, &c.BlockID, &c.K, &c.R, &c.Payload, &checksumStr, &c.Flags); err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		fmt.Sscanf(checksumStr, "%d", &c.Checksum)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCustodyRecord inserts or replaces a custody record, serializing its
// ranges to JSON the way the original store does.
func (s *SQLiteStore) SaveCustodyRecord(ctx context.Context, r model.CustodyRecord) error {
	rangesJSON, err := json.Marshal(r.Ranges)
	if err != nil {
		return fmt.Errorf("store: marshal custody ranges for %s: %w", r.BundleID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO custody_records
		(bundle_id, owner_node, chunk_ranges, retry_timer, retry_count, max_retries, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.BundleID, r.OwnerNode, string(rangesJSON), r.RetryTimer, r.RetryCount, r.MaxRetries, string(r.State))
	if err != nil {
		return fmt.Errorf("store: save custody record %s: %w", r.BundleID, err)
	}
	return nil
}

// LoadCustodyRecord returns the custody record for bundleID, or ok=false
// if none exists.
func (s *SQLiteStore) LoadCustodyRecord(ctx context.Context, bundleID string) (model.CustodyRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bundle_id, owner_node, chunk_ranges, retry_timer, retry_count, max_retries, state
		FROM custody_records WHERE bundle_id = ?`, bundleID)

	var r model.CustodyRecord
	var rangesJSON, state string
	err := row.Scan(&r.BundleID, &r.OwnerNode, &rangesJSON, &r.RetryTimer, &r.RetryCount, &r.MaxRetries, &state)
	if err == sql.ErrNoRows {
		return model.CustodyRecord{}, false, nil
	}
	if err != nil {
		return model.CustodyRecord{}, false, fmt.Errorf("store: load custody record %s: %w", bundleID, err)
	}
	if err := json.Unmarshal([]byte(rangesJSON), &r.Ranges); err != nil {
		return model.CustodyRecord{}, false, fmt.Errorf("store: unmarshal custody ranges %s: %w", bundleID, err)
	}
	r.State = model.CustodyState(state)
	return r, true, nil
}

// DeleteBundle removes a bundle and its chunks and custody record.
func (s *SQLiteStore) DeleteBundle(ctx context.Context, bundleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete %s: %w", bundleID, err)
	}
	for _, stmt := range []string{
		"DELETE FROM chunks WHERE bundle_id = ?",
		"DELETE FROM custody_records WHERE bundle_id = ?",
		"DELETE FROM bundles WHERE bundle_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, bundleID); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: delete %s: %w", bundleID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit delete %s: %w", bundleID, err)
	}
	return nil
}

// CleanupExpiredBundles deletes every bundle whose TTL has elapsed as of
// now, cascading to its chunks and custody record. It returns the
// number of bundles removed.
func (s *SQLiteStore) CleanupExpiredBundles(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bundle_id, ttl, created_at FROM bundles`)
	if err != nil {
		return 0, fmt.Errorf("store: scan for expired bundles: %w", err)
	}
	var expired []string
	for rows.Next() {
		var bundleID string
		var ttl int64
		var createdAt time.Time
		if err := rows.Scan(&bundleID, &ttl, &createdAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan expired candidate: %w", err)
		}
		if now.Sub(createdAt) > time.Duration(ttl)*time.Second {
			expired = append(expired, bundleID)
		}
	}
	rows.Close()

	for _, bundleID := range expired {
		if err := s.DeleteBundle(ctx, bundleID); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
