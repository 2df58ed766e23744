package domain

import (
	"fmt"
	"strings"
)

// Membership is the payload of client_to_chatroom / client_outof_chatroom:
// "<room> <user>".
type Membership struct {
	Room RoomName
	User UserName
}

func (m Membership) String() string {
	return string(m.Room) + " " + string(m.User)
}

func ParseMembership(s string) (Membership, error) {
	f := strings.Fields(s)
	if len(f) != 2 {
		return Membership{}, fmt.Errorf("%w: membership %q", ErrProtocol, s)
	}
	return Membership{Room: RoomName(f[0]), User: UserName(f[1])}, nil
}
