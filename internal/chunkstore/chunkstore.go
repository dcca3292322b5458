// Package chunkstore stores bootstrap snapshot pages as content-addressed,
// gzip-compressed chunks. Chunks are shared across clients via the cache key
// and expire on a TTL; bodies live inline with an optional external blob
// adapter resolved by SHA-256.
package chunkstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/syncular/syncd/internal/syncdb"
)

// Schema is the snapshot chunk layout. The cache-key uniqueness constraint
// collapses concurrent inserts of identical content.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_snapshot_chunks (
    id             TEXT PRIMARY KEY,
    partition_id   TEXT NOT NULL DEFAULT 'default',
    tbl            TEXT NOT NULL,
    scope_key      TEXT NOT NULL,
    scopes         TEXT NOT NULL,
    as_of_seq      INTEGER NOT NULL,
    row_cursor     TEXT NOT NULL DEFAULT '',
    row_limit      INTEGER NOT NULL,
    encoding       TEXT NOT NULL,
    compression    TEXT NOT NULL,
    sha256         TEXT NOT NULL,
    byte_length    INTEGER NOT NULL,
    body           BLOB,
    blob_hash      TEXT,
    created_at     TEXT NOT NULL,
    expires_at     TEXT NOT NULL,
    UNIQUE (partition_id, tbl, scope_key, as_of_seq, row_cursor, row_limit, encoding, compression)
);
CREATE INDEX IF NOT EXISTS idx_chunks_expiry ON sync_snapshot_chunks(expires_at);
`

// Migrations for pre-partition chunk tables.
var Migrations = []syncdb.Migration{
	{
		Version:     2,
		Description: "Add partition_id to pre-partition chunk table",
		Func: func(tx *sql.Tx) error {
			return syncdb.EnsurePartitionColumn(tx, "sync_snapshot_chunks")
		},
	},
}

const timeFormat = "2006-01-02T15:04:05.000Z"

// Key identifies one snapshot page. Two pulls that resolve the same key get
// the same chunk.
type Key struct {
	Partition  string
	Table      string
	ScopeKey   string
	ScopesJSON string
	AsOfSeq    int64
	RowCursor  string
	RowLimit   int
}

// Ref describes a stored chunk to the pull response.
type Ref struct {
	ID          string `json:"id"`
	SHA256      string `json:"sha256"`
	ByteLength  int    `json:"byteLength"`
	Encoding    string `json:"encoding"`
	Compression string `json:"compression"`
}

// BlobAdapter is an optional external body store keyed by SHA-256 hex. Reads
// that fail fall back to the inline body column.
type BlobAdapter interface {
	Put(hash string, body []byte) error
	Get(hash string) ([]byte, error)
}

// Store wraps chunk persistence over a shared server database.
type Store struct {
	TTL   time.Duration
	Blobs BlobAdapter
}

// FindOrStoreChunk encodes rows into a chunk body for key, inserting it if
// the cache key is new. The sha256 column holds the hash of the compressed
// body; the chunk id is a SHA-256 over the cache key and that body hash, so
// identical keys converge on one row while identical bodies under different
// keys (two empty pages, say) get rows of their own. A duplicate insert is a
// no-op that returns the existing ref.
func (s *Store) FindOrStoreChunk(tx *sql.Tx, key Key, rows []json.RawMessage) (*Ref, error) {
	if ref, err := s.lookup(tx, key); err != nil || ref != nil {
		return ref, err
	}

	body, err := EncodeFrames(rows)
	if err != nil {
		return nil, fmt.Errorf("encode chunk body: %w", err)
	}
	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])
	idSum := sha256.Sum256([]byte(fmt.Sprintf("%q|%q|%q|%d|%q|%d|%s",
		key.Partition, key.Table, key.ScopeKey, key.AsOfSeq, key.RowCursor, key.RowLimit, hash)))
	id := hex.EncodeToString(idSum[:])

	var blobHash any
	if s.Blobs != nil {
		if err := s.Blobs.Put(hash, body); err != nil {
			slog.Warn("chunk blob put failed, keeping inline only", "hash", hash[:8], "err", err)
		} else {
			blobHash = hash
		}
	}

	now := time.Now().UTC()
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	_, err = tx.Exec(
		`INSERT OR IGNORE INTO sync_snapshot_chunks
		 (id, partition_id, tbl, scope_key, scopes, as_of_seq, row_cursor, row_limit,
		  encoding, compression, sha256, byte_length, body, blob_hash, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, key.Partition, key.Table, key.ScopeKey, key.ScopesJSON, key.AsOfSeq,
		key.RowCursor, key.RowLimit, EncodingJSONRowFrameV1, CompressionGzip,
		hash, len(body), body, blobHash,
		now.Format(timeFormat), now.Add(ttl).Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("insert chunk: %w", err)
	}

	// Re-read in case a concurrent writer won the cache-key race.
	ref, err := s.lookup(tx, key)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, fmt.Errorf("chunk vanished after insert")
	}
	return ref, nil
}

func (s *Store) lookup(tx *sql.Tx, key Key) (*Ref, error) {
	var ref Ref
	err := tx.QueryRow(
		`SELECT id, sha256, byte_length, encoding, compression FROM sync_snapshot_chunks
		 WHERE partition_id = ? AND tbl = ? AND scope_key = ? AND as_of_seq = ?
		   AND row_cursor = ? AND row_limit = ? AND encoding = ? AND compression = ?`,
		key.Partition, key.Table, key.ScopeKey, key.AsOfSeq,
		key.RowCursor, key.RowLimit, EncodingJSONRowFrameV1, CompressionGzip,
	).Scan(&ref.ID, &ref.SHA256, &ref.ByteLength, &ref.Encoding, &ref.Compression)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup chunk: %w", err)
	}
	return &ref, nil
}

// ReadChunk returns the compressed body for a chunk id. When a blob hash is
// recorded the external adapter is tried first; its failure falls back to the
// inline column.
func (s *Store) ReadChunk(db *sql.DB, chunkID string) ([]byte, error) {
	var body []byte
	var blobHash sql.NullString
	err := db.QueryRow(
		`SELECT body, blob_hash FROM sync_snapshot_chunks WHERE id = ?`, chunkID,
	).Scan(&body, &blobHash)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}

	if blobHash.Valid && s.Blobs != nil {
		if blob, err := s.Blobs.Get(blobHash.String); err == nil {
			return blob, nil
		} else {
			slog.Warn("chunk blob read failed, serving inline body", "hash", blobHash.String[:8], "err", err)
		}
	}
	if body == nil {
		return nil, fmt.Errorf("chunk %s has neither blob nor inline body", chunkID)
	}
	return body, nil
}

// CleanupExpired deletes chunks whose expiry has passed.
func (s *Store) CleanupExpired(db *sql.DB, now time.Time) (int64, error) {
	res, err := db.Exec(
		`DELETE FROM sync_snapshot_chunks WHERE expires_at < ?`,
		now.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired chunks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
