package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxAppendAndList(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AppendInbox("dm", "[10:00:01] Alice: hello"))
	require.NoError(t, s.AppendInbox("dm", "[10:00:02] Alice: hello"))
	require.NoError(t, s.AppendInbox("follow", "User Bob started following you."))

	entries, err := s.Inbox(0)
	require.NoError(t, err)
	// Duplicates append again; no message-ID dedup.
	assert.Equal(t, []string{
		"[10:00:01] Alice: hello",
		"[10:00:02] Alice: hello",
		"User Bob started following you.",
	}, entries)
}

func TestInboxLimit(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendInbox("dm", fmt.Sprintf("msg %d", i)))
	}
	entries, err := s.Inbox(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"msg 3", "msg 4"}, entries)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.AppendInbox("dm", "persisted"))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	entries, err := s2.Inbox(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"persisted"}, entries)
}
