// Package social tracks followers, following, and the local like set.
package social

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrSelfTarget       = errors.New("social: cannot target the local user")
	ErrAlreadyFollowing = errors.New("social: already following")
	ErrNotFollowing     = errors.New("social: not following")
)

// State holds the follower/following sets and the like set. The local user ID
// is never a member of either set.
type State struct {
	mu        sync.Mutex
	self      string
	followers map[string]struct{}
	following map[string]struct{}
	likes     map[string]struct{}
}

func NewState(selfID string) *State {
	return &State{
		self:      selfID,
		followers: make(map[string]struct{}),
		following: make(map[string]struct{}),
		likes:     make(map[string]struct{}),
	}
}

// Follow records that the local user follows userID.
func (s *State) Follow(userID string) error {
	if userID == s.self {
		return ErrSelfTarget
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.following[userID]; ok {
		return ErrAlreadyFollowing
	}
	s.following[userID] = struct{}{}
	return nil
}

// Unfollow removes userID from the following set.
func (s *State) Unfollow(userID string) error {
	if userID == s.self {
		return ErrSelfTarget
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.following[userID]; !ok {
		return ErrNotFollowing
	}
	delete(s.following, userID)
	return nil
}

// AddFollower records an inbound FOLLOW. Set semantics make repeats safe.
func (s *State) AddFollower(userID string) {
	if userID == s.self {
		return
	}
	s.mu.Lock()
	s.followers[userID] = struct{}{}
	s.mu.Unlock()
}

// RemoveFollower records an inbound UNFOLLOW.
func (s *State) RemoveFollower(userID string) {
	s.mu.Lock()
	delete(s.followers, userID)
	s.mu.Unlock()
}

// Followers returns the sorted follower set, the POST recipient list.
func (s *State) Followers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sorted(s.followers)
}

// Following returns the sorted following set.
func (s *State) Following() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sorted(s.following)
}

// IsFollowing reports whether userID is in the following set.
func (s *State) IsFollowing(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.following[userID]
	return ok
}

// Liked reports whether the post ID is currently liked. The caller uses this
// to pick LIKE vs UNLIKE before sending.
func (s *State) Liked(postID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.likes[postID]
	return ok
}

// SetLiked flips like-set membership after the peer acknowledged the toggle.
func (s *State) SetLiked(postID string, liked bool) {
	s.mu.Lock()
	if liked {
		s.likes[postID] = struct{}{}
	} else {
		delete(s.likes, postID)
	}
	s.mu.Unlock()
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
