package core

import "github.com/dkeye/chatmesh/internal/domain"

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	Kind        string          `json:"kind"`
	MemberCount int             `json:"client_count"`
}

// RoomTable holds one server's lobby and its named rooms in creation order.
// Named rooms are never evicted, even when they empty out.
type RoomTable struct {
	owner string
	next  int
	lobby *Room
	rooms map[domain.RoomName]*Room
	order []domain.RoomName
}

func NewRoomTable(owner string) *RoomTable {
	return &RoomTable{
		owner: owner,
		lobby: NewRoom(domain.LobbyName, domain.RoomLobby),
		rooms: make(map[domain.RoomName]*Room),
	}
}

func (t *RoomTable) Lobby() *Room { return t.lobby }

// Get resolves a room by name. The lobby is found under domain.LobbyName.
func (t *RoomTable) Get(name domain.RoomName) (*Room, bool) {
	if name == domain.LobbyName {
		return t.lobby, true
	}
	r, ok := t.rooms[name]
	return r, ok
}

// Create allocates the next <owner>R<n> room.
func (t *RoomTable) Create() *Room {
	name := domain.GeneratedRoomName(t.owner, t.next)
	t.next++
	r := NewRoom(name, domain.RoomNamed)
	t.rooms[name] = r
	t.order = append(t.order, name)
	return r
}

// Named returns the named rooms in creation order.
func (t *RoomTable) Named() []*Room {
	out := make([]*Room, 0, len(t.order))
	for _, n := range t.order {
		out = append(out, t.rooms[n])
	}
	return out
}

// Len counts named rooms only.
func (t *RoomTable) Len() int { return len(t.order) }

func (t *RoomTable) List() []RoomInfo {
	out := make([]RoomInfo, 0, len(t.order)+1)
	out = append(out, RoomInfo{Name: t.lobby.Name(), Kind: t.lobby.Kind().String(), MemberCount: t.lobby.Len()})
	for _, r := range t.Named() {
		out = append(out, RoomInfo{Name: r.Name(), Kind: r.Kind().String(), MemberCount: r.Len()})
	}
	return out
}
