package oauth

import (
	"context"
	"time"
)

// Storage is the engine's single persistence capability (§4, resolving §9's
// "OAuthStorage: three methods + TTL semantics" design note). Values are
// opaque, already-serialized strings; a zero ttl means "no expiry" (used
// for session:<id> records per §6).
type Storage interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
}

const (
	pkceKeyPrefix    = "pkce:"
	sessionKeyPrefix = "session:"
)

func pkceKey(state string) string { return pkceKeyPrefix + state }
func sessionKey(id string) string { return sessionKeyPrefix + id }

// pkceTTL is the fixed 600-second lifetime of a PKCE record (§3).
const pkceTTL = 600 * time.Second
