package core

import (
	"slices"

	"github.com/dkeye/chatmesh/internal/domain"
)

// Room is a named member set. It is not safe for concurrent use: the owning
// server serializes access under its own lock.
type Room struct {
	name    domain.RoomName
	kind    domain.RoomKind
	members map[domain.UserName]struct{}
}

func NewRoom(name domain.RoomName, kind domain.RoomKind) *Room {
	return &Room{
		name:    name,
		kind:    kind,
		members: make(map[domain.UserName]struct{}),
	}
}

func (r *Room) Name() domain.RoomName { return r.name }
func (r *Room) Kind() domain.RoomKind { return r.kind }
func (r *Room) IsLobby() bool         { return r.kind == domain.RoomLobby }
func (r *Room) Len() int              { return len(r.members) }

func (r *Room) Add(u domain.UserName) { r.members[u] = struct{}{} }

// Remove reports whether u was a member.
func (r *Room) Remove(u domain.UserName) bool {
	if _, ok := r.members[u]; !ok {
		return false
	}
	delete(r.members, u)
	return true
}

func (r *Room) Has(u domain.UserName) bool {
	_, ok := r.members[u]
	return ok
}

// Members returns a sorted copy of the member set.
func (r *Room) Members() []domain.UserName {
	out := make([]domain.UserName, 0, len(r.members))
	for u := range r.members {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}
