// Package groups tracks group membership. Only the owner's CREATE, ADD, and
// REMOVE frames are honored; any member may send GROUP_MESSAGE.
package groups

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownGroup = errors.New("groups: unknown group")
	ErrNotOwner     = errors.New("groups: not the group owner")
	ErrNotMember    = errors.New("groups: not a group member")
)

// Group is one group record. Members keeps insertion order and always
// includes the owner.
type Group struct {
	ID      string
	Name    string
	Owner   string
	Members []string
}

// HasMember reports membership.
func (g Group) HasMember(userID string) bool {
	for _, m := range g.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// snapshot returns a detached copy with its own member slice.
func (g *Group) snapshot() Group {
	c := *g
	c.Members = append([]string(nil), g.Members...)
	return c
}

// Manager holds the groups this peer belongs to.
type Manager struct {
	mu     sync.Mutex
	groups map[string]*Group
}

func NewManager() *Manager {
	return &Manager{groups: make(map[string]*Group)}
}

// Put installs or replaces a group record and returns a copy of it. Inbound
// GROUP_CREATE and GROUP_ADD both land here: the wire carries the
// authoritative member list.
func (m *Manager) Put(id, name, owner string, members []string) Group {
	g := &Group{ID: id, Name: name, Owner: owner, Members: dedupe(members)}
	m.mu.Lock()
	if g.Name == "" {
		if old, ok := m.groups[id]; ok {
			g.Name = old.Name
		}
	}
	m.groups[id] = g
	m.mu.Unlock()
	return g.snapshot()
}

// Get returns a copy of a group by ID.
func (m *Manager) Get(id string) (Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, false
	}
	return g.snapshot(), true
}

// Remove drops the whole group record, used when the local user is removed.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.groups, id)
	m.mu.Unlock()
}

// ApplyRemove deletes the listed members from an existing group. The local
// user being among them means this peer has been expelled; the caller drops
// the group in that case.
func (m *Manager) ApplyRemove(id string, removed []string) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, fmt.Errorf("%w: %s", ErrUnknownGroup, id)
	}
	gone := make(map[string]struct{}, len(removed))
	for _, r := range removed {
		gone[r] = struct{}{}
	}
	// Fresh slice: copies handed out earlier must not see the rewrite.
	kept := make([]string, 0, len(g.Members))
	for _, mem := range g.Members {
		if _, out := gone[mem]; !out {
			kept = append(kept, mem)
		}
	}
	g.Members = kept
	return g.snapshot(), nil
}

// Snapshot lists copies of the groups sorted by name.
func (m *Manager) Snapshot() []Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseMembers splits a comma-separated member list, dropping empties.
func ParseMembers(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinMembers renders a member list as the wire's comma-separated form.
func JoinMembers(members []string) string {
	return strings.Join(members, ",")
}

func dedupe(members []string) []string {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
