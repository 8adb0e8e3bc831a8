package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIssueValidate(t *testing.T) {
	r := NewRegistry()
	tok := r.Issue("alice@10.0.0.2", ScopeChat, DefaultTTL)

	assert.True(t, r.Validate(tok, ScopeChat))
	assert.False(t, r.Validate(tok, ScopePost), "scope mismatch must fail")
	assert.Equal(t, "alice@10.0.0.2", UserID(tok))
}

func TestExpiry(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	r.now = func() time.Time { return base }

	tok := r.Issue("bob@10.0.0.3", ScopeFile, 600*time.Second)
	assert.True(t, r.Validate(tok, ScopeFile))

	r.now = func() time.Time { return base.Add(601 * time.Second) }
	assert.False(t, r.Validate(tok, ScopeFile))
}

func TestRevoke(t *testing.T) {
	r := NewRegistry()
	tok := r.Issue("alice@10.0.0.2", ScopeGame, DefaultTTL)
	r.Revoke(tok)

	assert.True(t, r.Revoked(tok))
	assert.False(t, r.Validate(tok, ScopeGame))
}

func TestMalformed(t *testing.T) {
	r := NewRegistry()
	for _, tok := range []string{"", "alice", "alice|notanumber|chat", "a|1|b|c"} {
		assert.False(t, r.Validate(tok, ScopeChat), tok)
	}
	assert.Equal(t, "", UserID("garbage"))
}
