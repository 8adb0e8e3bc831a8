// Package peers holds the discovered-peer table and the advisory IP tracker.
package peers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownPeer   = errors.New("peers: unknown peer")
	ErrAmbiguousPeer = errors.New("peers: ambiguous handle")
)

// Record is one discovered peer, keyed by its full user ID (handle@ip).
type Record struct {
	UserID      string
	DisplayName string
	IP          string
	Port        int
	Avatar      []byte
	AvatarMIME  string
	LastSeen    time.Time
}

// Table maps full user IDs to peer records. Peers are inserted on first
// PROFILE receipt or mDNS discovery and kept indefinitely.
type Table struct {
	mu    sync.Mutex
	peers map[string]Record
}

func NewTable() *Table {
	return &Table{peers: make(map[string]Record)}
}

// Upsert inserts or refreshes a peer record, preserving a cached avatar when
// the update does not carry one.
func (t *Table) Upsert(userID, displayName, ip string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.peers[userID]
	rec.UserID = userID
	rec.DisplayName = displayName
	rec.IP = ip
	rec.Port = port
	rec.LastSeen = time.Now()
	t.peers[userID] = rec
}

// Seed inserts a record only if the peer is not yet known. Used by the mDNS
// browse callback so a later PROFILE keeps authority over the fields.
func (t *Table) Seed(userID, displayName, ip string, port int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[userID]; ok {
		return false
	}
	t.peers[userID] = Record{
		UserID:      userID,
		DisplayName: displayName,
		IP:          ip,
		Port:        port,
		LastSeen:    time.Now(),
	}
	return true
}

// SetAvatar stores a validated avatar blob on an existing record.
func (t *Table) SetAvatar(userID, mime string, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[userID]
	if !ok {
		return
	}
	rec.Avatar = data
	rec.AvatarMIME = mime
	t.peers[userID] = rec
}

// Get returns the record for a full user ID.
func (t *Table) Get(userID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[userID]
	return rec, ok
}

// Touch refreshes the last-seen timestamp.
func (t *Table) Touch(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[userID]
	if !ok {
		return
	}
	rec.LastSeen = time.Now()
	t.peers[userID] = rec
}

// Len returns the number of known peers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Snapshot returns a copy of the table, sorted by user ID.
func (t *Table) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.peers))
	for _, rec := range t.peers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Resolve maps a short handle or full user ID to the unique full user ID.
// A bare handle prefix-matches "handle@"; more than one match is an error.
func (t *Table) Resolve(name string) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if strings.Contains(name, "@") {
		rec, ok := t.peers[name]
		if !ok {
			return Record{}, fmt.Errorf("%w: %s", ErrUnknownPeer, name)
		}
		return rec, nil
	}

	prefix := name + "@"
	var found []Record
	for id, rec := range t.peers {
		if strings.HasPrefix(id, prefix) {
			found = append(found, rec)
		}
	}
	switch len(found) {
	case 0:
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownPeer, name)
	case 1:
		return found[0], nil
	default:
		return Record{}, fmt.Errorf("%w: %s matches %d peers", ErrAmbiguousPeer, name, len(found))
	}
}
