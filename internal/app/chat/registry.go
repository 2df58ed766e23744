package chat

import (
	"context"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/core"
	"github.com/dkeye/chatmesh/internal/domain"
)

type sessionEntry struct {
	Name   domain.UserName
	Room   domain.RoomName
	Link   core.Link
	Cancel context.CancelFunc
}

// Registry is the table of local sessions. It carries no lock of its own:
// the owning Server guards it together with the room table.
type Registry struct {
	sessions map[domain.UserName]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.UserName]*sessionEntry)}
}

func (r *Registry) Bind(name domain.UserName, room domain.RoomName, link core.Link, cancel context.CancelFunc) *sessionEntry {
	e := &sessionEntry{Name: name, Room: room, Link: link, Cancel: cancel}
	r.sessions[name] = e
	log.Info().Str("module", "app.chat.registry").Str("user", string(name)).Str("room", string(room)).Msg("bound session")
	return e
}

func (r *Registry) Get(name domain.UserName) (*sessionEntry, bool) {
	e, ok := r.sessions[name]
	return e, ok
}

func (r *Registry) Unbind(name domain.UserName) (*sessionEntry, bool) {
	e, ok := r.sessions[name]
	if !ok {
		return nil, false
	}
	delete(r.sessions, name)
	log.Info().Str("module", "app.chat.registry").Str("user", string(name)).Msg("unbind session")
	return e, true
}

func (r *Registry) UpdateRoom(name domain.UserName, room domain.RoomName) bool {
	e, ok := r.sessions[name]
	if !ok {
		return false
	}
	e.Room = room
	log.Debug().Str("module", "app.chat.registry").Str("user", string(name)).Str("room", string(room)).Msg("updated room")
	return true
}

func (r *Registry) Len() int { return len(r.sessions) }

// Entries returns the sessions sorted by name.
func (r *Registry) Entries() []*sessionEntry {
	out := make([]*sessionEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *sessionEntry) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}
