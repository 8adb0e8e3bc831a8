// Package token issues and validates LSNP capability tokens.
//
// A token is the opaque string "user_id|expiry_unix_seconds|scope". It is not
// signed; each peer validates tokens it receives against the scope expected
// for the message type.
package token

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Scopes form a closed set; every token-bearing message type maps to one.
const (
	ScopeChat     = "chat"
	ScopeFollow   = "follow"
	ScopeUnfollow = "unfollow"
	ScopePost     = "post"
	ScopeLike     = "like"
	ScopeFile     = "file"
	ScopeGroup    = "group"
	ScopeGame     = "game"
)

// DefaultTTL is the lifetime of tokens minted for ordinary operations.
const DefaultTTL = 600 * time.Second

// Registry mints tokens and tracks process-local revocations.
type Registry struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		revoked: make(map[string]struct{}),
		now:     time.Now,
	}
}

// Issue builds a token for userID with the given scope, expiring after ttl.
func (r *Registry) Issue(userID, scope string, ttl time.Duration) string {
	expiry := r.now().Add(ttl).Unix()
	return fmt.Sprintf("%s|%d|%s", userID, expiry, scope)
}

// Validate reports whether the token is well formed, unrevoked, unexpired,
// and carries exactly the required scope.
func (r *Registry) Validate(token, requiredScope string) bool {
	r.mu.RLock()
	_, revoked := r.revoked[token]
	r.mu.RUnlock()
	if revoked {
		return false
	}

	parts := strings.Split(token, "|")
	if len(parts) != 3 {
		return false
	}
	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false
	}
	if r.now().Unix() > expiry {
		return false
	}
	return parts[2] == requiredScope
}

// Revoke adds the token to the process-local revocation set.
func (r *Registry) Revoke(token string) {
	r.mu.Lock()
	r.revoked[token] = struct{}{}
	r.mu.Unlock()
}

// Revoked reports whether the token has been revoked.
func (r *Registry) Revoked(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.revoked[token]
	return ok
}

// UserID returns the user_id part of a token, or "" if malformed.
func UserID(token string) string {
	parts := strings.Split(token, "|")
	if len(parts) != 3 {
		return ""
	}
	return parts[0]
}
