package auth

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrInvalidAPIToken = errors.New("invalid API token")
	ErrExpiredAPIToken = errors.New("API token expired")
	ErrRevokedAPIToken = errors.New("API token revoked")
)

// APIToken represents a runtime API token issued to an agent
type APIToken struct {
	ID         string     `json:"id"`
	ActorID    string     `json:"actor_id"`
	Name       string     `json:"name"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// hashToken derives the stored lookup hash. Raw token values are never
// persisted.
func hashToken(tokenValue string) string {
	sum := sha256.Sum256([]byte(tokenValue))
	return hex.EncodeToString(sum[:])
}

// ValidateAPIToken validates an agent runtime API token
func ValidateAPIToken(db *sql.DB, tokenValue string) (*APIToken, error) {
	var token APIToken

	err := db.QueryRow(`
		SELECT id, actor_id, name, expires_at, revoked_at, created_at
		FROM bursar.api_tokens
		WHERE token_hash = $1
	`, hashToken(tokenValue)).Scan(
		&token.ID, &token.ActorID, &token.Name,
		&token.ExpiresAt, &token.RevokedAt, &token.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrInvalidAPIToken
	}

	if err != nil {
		return nil, err
	}

	if token.RevokedAt != nil {
		return nil, ErrRevokedAPIToken
	}

	if token.ExpiresAt != nil && time.Now().After(*token.ExpiresAt) {
		return nil, ErrExpiredAPIToken
	}

	// Best-effort usage stamp; validation already succeeded.
	_, _ = db.Exec(`UPDATE bursar.api_tokens SET last_used_at = NOW() WHERE id = $1`, token.ID)

	return &token, nil
}
