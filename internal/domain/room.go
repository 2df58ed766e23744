package domain

import "fmt"

type RoomName string

// LobbyName is the literal name of every server's lobby.
const LobbyName RoomName = "MainHall"

type RoomKind int

const (
	RoomLobby RoomKind = iota
	RoomNamed
)

func (k RoomKind) String() string {
	if k == RoomLobby {
		return "lobby"
	}
	return "named"
}

// GeneratedRoomName formats the n-th room of server, e.g. S1R0.
func GeneratedRoomName(server string, n int) RoomName {
	return RoomName(fmt.Sprintf("%sR%d", server, n))
}
