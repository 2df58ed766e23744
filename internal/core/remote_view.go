package core

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/chatmesh/internal/domain"
)

type set[T comparable] map[T]struct{}

func (s set[T]) sorted(less func(a, b T) int) []T {
	out := slices.Collect(maps.Keys(s))
	slices.SortFunc(out, less)
	return out
}

// add reports whether v was new.
func add[K, T comparable](m map[K]set[T], k K, v T) bool {
	s, ok := m[k]
	if !ok {
		s = make(set[T])
		m[k] = s
	}
	if _, dup := s[v]; dup {
		return false
	}
	s[v] = struct{}{}
	return true
}

// del reports whether v was present. Emptied sets are dropped.
func del[K, T comparable](m map[K]set[T], k K, v T) bool {
	s, ok := m[k]
	if !ok {
		return false
	}
	if _, ok := s[v]; !ok {
		return false
	}
	delete(s, v)
	if len(s) == 0 {
		delete(m, k)
	}
	return true
}

// RemoteView is a server's cache of what its peers reported through gossip.
// Every mutation is set-based, so replayed events are no-ops.
type RemoteView struct {
	mu      sync.RWMutex
	users   map[string]set[domain.UserName]
	rooms   map[string]set[domain.RoomName]
	members map[domain.RoomName]set[domain.UserName]
}

func NewRemoteView() *RemoteView {
	return &RemoteView{
		users:   make(map[string]set[domain.UserName]),
		rooms:   make(map[string]set[domain.RoomName]),
		members: make(map[domain.RoomName]set[domain.UserName]),
	}
}

func (v *RemoteView) AddUser(server string, u domain.UserName) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return add(v.users, server, u)
}

func (v *RemoteView) RemoveUser(server string, u domain.UserName) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return del(v.users, server, u)
}

func (v *RemoteView) AddRoom(server string, r domain.RoomName) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return add(v.rooms, server, r)
}

func (v *RemoteView) RemoveRoom(server string, r domain.RoomName) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return del(v.rooms, server, r)
}

func (v *RemoteView) Join(m domain.Membership) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return add(v.members, m.Room, m.User)
}

func (v *RemoteView) Leave(m domain.Membership) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return del(v.members, m.Room, m.User)
}

// Purge forgets everything learned from server, including memberships of
// rooms it owns and of users it owns.
func (v *RemoteView) Purge(server string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	owned := v.users[server]
	for r := range v.rooms[server] {
		delete(v.members, r)
	}
	delete(v.users, server)
	delete(v.rooms, server)
	for room, s := range v.members {
		if owner, ok := domain.OwnerServer(string(room)); ok && owner == server {
			delete(v.members, room)
			continue
		}
		for u := range s {
			_, known := owned[u]
			owner, _ := domain.OwnerServer(string(u))
			if known || owner == server {
				delete(s, u)
			}
		}
		if len(s) == 0 {
			delete(v.members, room)
		}
	}
}

// Locate returns the peer that reported u.
func (v *RemoteView) Locate(u domain.UserName) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for server, s := range v.users {
		if _, ok := s[u]; ok {
			return server, true
		}
	}
	return "", false
}

func (v *RemoteView) HasRoom(server string, r domain.RoomName) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.rooms[server][r]
	return ok
}

func (v *RemoteView) Members(r domain.RoomName) []domain.UserName {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.members[r].sorted(cmp.Compare)
}

// ViewSnapshot is a sorted, copy-on-read rendition of a RemoteView.
type ViewSnapshot struct {
	Users   map[string][]domain.UserName          `json:"users"`
	Rooms   map[string][]domain.RoomName          `json:"rooms"`
	Members map[domain.RoomName][]domain.UserName `json:"members"`
}

func (v *RemoteView) Snapshot() ViewSnapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	snap := ViewSnapshot{
		Users:   make(map[string][]domain.UserName, len(v.users)),
		Rooms:   make(map[string][]domain.RoomName, len(v.rooms)),
		Members: make(map[domain.RoomName][]domain.UserName, len(v.members)),
	}
	for k, s := range v.users {
		snap.Users[k] = s.sorted(cmp.Compare)
	}
	for k, s := range v.rooms {
		snap.Rooms[k] = s.sorted(cmp.Compare)
	}
	for k, s := range v.members {
		snap.Members[k] = s.sorted(cmp.Compare)
	}
	return snap
}
