// Package auth provides HMAC-based API key authentication for the admin API.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// keyIDContextKey is the gin context key for the authenticated key ID.
const keyIDContextKey = "punchcard_api_key_id"

// Queries interface defines database operations needed for authentication.
// Implemented by *db.Queries to allow query loading via LoadQueries().
type Queries interface {
	Get(ctx context.Context, name string, dest interface{}, args ...interface{}) error
	Exec(ctx context.Context, name string, args ...interface{}) (sql.Result, error)
}

// Authenticator validates API keys using HMAC-SHA256 signatures.
// Holds in-memory secret map for O(1) lookup and queries for key verification.
type Authenticator struct {
	secrets map[string][]byte
	queries Queries
}

// NewAuthenticator creates an authenticator with HMAC secrets and query interface.
func NewAuthenticator(secrets map[string][]byte, queries Queries) *Authenticator {
	return &Authenticator{
		secrets: secrets,
		queries: queries,
	}
}

// Authenticate validates an API key and returns its key ID on success.
// Returns a specific error for each failure mode.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (string, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	// O(1) lookup of HMAC secret using secret_id from key format
	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	computedHash := ComputeHMAC(secret, apiKey)

	var result struct {
		APIKeyID   string       `db:"api_key_id"`
		RevokedAt  sql.NullTime `db:"revoked_at"`
		LastUsedAt sql.NullTime `db:"last_used_at"`
	}
	err = a.queries.Get(ctx, "get-api-key-by-hash", &result, computedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("database error: %w", err)
	}

	if result.RevokedAt.Valid {
		return "", ErrKeyRevoked
	}

	// Update last_used_at if >1 minute since last update
	// 1-minute throttle reduces write amplification for busy keys
	if shouldUpdateLastUsed(result.LastUsedAt) {
		_, _ = a.queries.Exec(ctx, "update-api-key-last-used", time.Now().UTC(), result.APIKeyID)
	}

	return result.APIKeyID, nil
}

// shouldUpdateLastUsed implements the 1-minute throttle.
func shouldUpdateLastUsed(lastUsed sql.NullTime) bool {
	if !lastUsed.Valid {
		return true
	}
	return time.Since(lastUsed.Time) > time.Minute
}

// Middleware returns a gin handler that authenticates requests via the
// X-API-Key header and aborts unauthenticated requests.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrMissingKey.Error()})
			return
		}

		keyID, err := a.Authenticate(c.Request.Context(), apiKey)
		if err != nil {
			switch {
			case errors.Is(err, ErrKeyRevoked):
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			case strings.Contains(err.Error(), "database error"):
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			default:
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			}
			return
		}

		c.Set(keyIDContextKey, keyID)
		c.Next()
	}
}

// KeyIDFromContext extracts the authenticated key ID from the gin context.
// Returns empty string if not found.
func KeyIDFromContext(c *gin.Context) string {
	if keyID, ok := c.Get(keyIDContextKey); ok {
		if s, ok := keyID.(string); ok {
			return s
		}
	}
	return ""
}
