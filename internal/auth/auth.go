// Package auth verifies bearer tokens against a sha256-hashed token table.
// It is the default implementation of the server's Authenticator seam; real
// deployments can swap in their own identity provider.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Schema is the token table layout.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_api_tokens (
    id            TEXT PRIMARY KEY,
    actor_id      TEXT NOT NULL,
    key_hash      TEXT UNIQUE NOT NULL,
    key_prefix    TEXT NOT NULL,
    name          TEXT NOT NULL DEFAULT '',
    expires_at    DATETIME,
    last_used_at  DATETIME,
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sync_api_tokens_prefix ON sync_api_tokens(key_prefix);
`

// ErrInvalidToken is returned for unknown or expired tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is the authenticated principal.
type Identity struct {
	ActorID string
	TokenID string
}

// Store verifies tokens against a database that carries Schema.
type Store struct {
	DB *sql.DB
}

// CreateToken mints a token for an actor and returns the plaintext, which is
// never stored. expiresIn of zero means no expiry.
func (s *Store) CreateToken(actorID, name string, expiresIn time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	plaintext := "sk_" + hex.EncodeToString(raw)

	hash := sha256.Sum256([]byte(plaintext))
	keyHash := hex.EncodeToString(hash[:])

	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}

	var expiresAt any
	if expiresIn > 0 {
		expiresAt = time.Now().UTC().Add(expiresIn)
	}

	_, err := s.DB.Exec(
		`INSERT INTO sync_api_tokens (id, actor_id, key_hash, key_prefix, name, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"tok_"+hex.EncodeToString(idBytes), actorID, keyHash, plaintext[:8], name, expiresAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert token: %w", err)
	}
	return plaintext, nil
}

// VerifyToken checks a plaintext token and returns the identity it grants.
func (s *Store) VerifyToken(plaintext string) (*Identity, error) {
	hash := sha256.Sum256([]byte(plaintext))
	keyHash := hex.EncodeToString(hash[:])

	var id Identity
	var expiresAt sql.NullTime
	err := s.DB.QueryRow(
		`SELECT id, actor_id, expires_at FROM sync_api_tokens WHERE key_hash = ?`,
		keyHash,
	).Scan(&id.TokenID, &id.ActorID, &expiresAt)
	if err == sql.ErrNoRows {
		slog.Debug("token not found", "key_hash_prefix", keyHash[:8])
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("query token: %w", err)
	}
	if expiresAt.Valid && expiresAt.Time.Before(time.Now().UTC()) {
		return nil, ErrInvalidToken
	}

	if _, err := s.DB.Exec(
		`UPDATE sync_api_tokens SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?`,
		id.TokenID,
	); err != nil {
		slog.Warn("update token last_used_at", "err", err)
	}
	return &id, nil
}
