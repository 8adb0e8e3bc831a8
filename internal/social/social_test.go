package social

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const self = "alice@10.0.0.2"

func TestFollowUnfollow(t *testing.T) {
	s := NewState(self)
	require.NoError(t, s.Follow("bob@10.0.0.3"))
	assert.True(t, s.IsFollowing("bob@10.0.0.3"))
	assert.ErrorIs(t, s.Follow("bob@10.0.0.3"), ErrAlreadyFollowing)

	require.NoError(t, s.Unfollow("bob@10.0.0.3"))
	assert.ErrorIs(t, s.Unfollow("bob@10.0.0.3"), ErrNotFollowing)
}

func TestNoSelf(t *testing.T) {
	s := NewState(self)
	assert.ErrorIs(t, s.Follow(self), ErrSelfTarget)
	assert.ErrorIs(t, s.Unfollow(self), ErrSelfTarget)

	s.AddFollower(self)
	assert.Empty(t, s.Followers())
}

func TestFollowerSetIdempotent(t *testing.T) {
	s := NewState(self)
	s.AddFollower("bob@10.0.0.3")
	s.AddFollower("bob@10.0.0.3")
	s.AddFollower("carol@10.0.0.4")
	assert.Equal(t, []string{"bob@10.0.0.3", "carol@10.0.0.4"}, s.Followers())

	s.RemoveFollower("bob@10.0.0.3")
	s.RemoveFollower("bob@10.0.0.3")
	assert.Equal(t, []string{"carol@10.0.0.4"}, s.Followers())
}

func TestLikeToggle(t *testing.T) {
	s := NewState(self)
	post := "bob@10.0.0.3|1730000000"

	assert.False(t, s.Liked(post))
	s.SetLiked(post, true)
	assert.True(t, s.Liked(post))
	s.SetLiked(post, false)
	assert.False(t, s.Liked(post))
}
