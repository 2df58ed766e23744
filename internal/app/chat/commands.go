package chat

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/core"
	"github.com/dkeye/chatmesh/internal/domain"
)

type sessionState int

const (
	stateLobby sessionState = iota
	stateInRoom
	stateTerminated
)

func (st sessionState) String() string {
	switch st {
	case stateLobby:
		return "lobby"
	case stateInRoom:
		return "in_room"
	}
	return "terminated"
}

// dispatch runs one client command against the session table under the
// server lock and returns the resulting state with the sends it requires.
func (s *Server) dispatch(name domain.UserName, env domain.Envelope) (sessionState, effects) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fx effects
	self, ok := s.sessions.Get(name)
	if !ok {
		return stateTerminated, fx
	}

	switch env.Kind {
	case domain.KindNewChatroom:
		s.newRoomLocked(&fx, self, "created %s you can start chatting now")
	case domain.KindJoinChatroom:
		s.joinRoomLocked(&fx, self, domain.RoomName(env.Payload))
	case domain.KindAddUser:
		s.addUserLocked(&fx, self, domain.UserName(env.Payload))
	case domain.KindRemoveUser:
		s.removeUserLocked(&fx, self, domain.UserName(env.Payload))
	case domain.KindExitRoom:
		s.exitRoomLocked(&fx, self)
	case domain.KindChatWithUser:
		if s.chatWithLocked(&fx, self, domain.UserName(env.Payload)) {
			return stateTerminated, fx
		}
	case domain.KindTerminateUser:
		s.removeLocked(&fx, name, "is disconnected from server")
		return stateTerminated, fx
	default:
		s.chatLocked(&fx, self, env.Payload)
	}
	return s.stateLocked(name), fx
}

func (s *Server) stateLocked(name domain.UserName) sessionState {
	e, ok := s.sessions.Get(name)
	switch {
	case !ok:
		return stateTerminated
	case e.Room == domain.LobbyName:
		return stateLobby
	}
	return stateInRoom
}

func (s *Server) roomLocked(e *sessionEntry) *core.Room {
	if r, ok := s.rooms.Get(e.Room); ok {
		return r
	}
	return s.rooms.Lobby()
}

func (s *Server) newRoomLocked(fx *effects, self *sessionEntry, reply string) {
	r := s.rooms.Create()
	s.gossipLocked(domain.KindAddChatroom, string(r.Name()))
	s.moveLocked(fx, self, r)
	s.replyLocked(fx, self, domain.KindConfirmCreated, fmt.Sprintf(reply, r.Name()))
	s.loadLocked(fx)
	log.Info().Str("module", "app.chat").Str("user", string(self.Name)).Str("room", string(r.Name())).Msg("room created")
}

func (s *Server) joinRoomLocked(fx *effects, self *sessionEntry, name domain.RoomName) {
	r, ok := s.rooms.Get(name)
	if !ok {
		s.newRoomLocked(fx, self, "Room does not exist. Created a new room: %s")
		return
	}
	s.moveLocked(fx, self, r)
	s.replyLocked(fx, self, domain.KindConfirmJoined, fmt.Sprintf("Joined %s. You can start sending message now", r.Name()))
}

func (s *Server) addUserLocked(fx *effects, self *sessionEntry, target domain.UserName) {
	fail := func(why string) {
		s.replyLocked(fx, self, domain.KindAddUserFail, fmt.Sprintf("Failed to add %s\n%s", target, why))
	}
	room := s.roomLocked(self)
	if room.IsLobby() {
		fail("You are not in a chat room.")
		return
	}
	other, ok := s.sessions.Get(target)
	switch {
	case !ok:
		fail("User is not connected to this server.")
		return
	case other.Room == room.Name():
		fail("User is already in this room.")
		return
	case other.Room != domain.LobbyName:
		fail("User already in another room.")
		return
	}
	s.moveLocked(fx, other, room)
	for _, m := range room.Members() {
		s.sendLocked(fx, m, domain.KindAddUserSuccess, s.opts.Name, fmt.Sprintf("Added %s to chat room", target))
	}
}

func (s *Server) removeUserLocked(fx *effects, self *sessionEntry, target domain.UserName) {
	room := s.roomLocked(self)
	if target == self.Name {
		s.exitRoomLocked(fx, self)
		return
	}
	other, ok := s.sessions.Get(target)
	if room.IsLobby() || !ok || other.Room != room.Name() {
		log.Debug().Str("module", "app.chat").Str("user", string(self.Name)).Str("target", string(target)).Msg("remove_user ignored")
		return
	}
	s.moveLocked(fx, other, s.rooms.Lobby())
	s.sendLocked(fx, target, domain.KindRemoveUser, s.opts.Name, "You are removed from chat room")
	for _, m := range room.Members() {
		s.sendLocked(fx, m, domain.KindRemoveUser, s.opts.Name, fmt.Sprintf("Removed %s from chat room", target))
	}
}

func (s *Server) exitRoomLocked(fx *effects, self *sessionEntry) {
	room := s.roomLocked(self)
	if room.IsLobby() {
		s.replyLocked(fx, self, domain.KindExitRoom, fmt.Sprintf("You are already in %s", domain.LobbyName))
		return
	}
	for _, m := range room.Members() {
		if m != self.Name {
			s.sendLocked(fx, m, domain.KindExitRoom, s.opts.Name, fmt.Sprintf("%s has left chat room", self.Name))
		}
	}
	s.moveLocked(fx, self, s.rooms.Lobby())
	s.replyLocked(fx, self, domain.KindExitRoom, fmt.Sprintf("Exited chat room. You are now in %s", domain.LobbyName))
}

// chatWithLocked reports whether the session was handed over to another server.
func (s *Server) chatWithLocked(fx *effects, self *sessionEntry, target domain.UserName) bool {
	if other, ok := s.sessions.Get(target); ok && target != self.Name {
		room := s.roomLocked(other)
		s.moveLocked(fx, self, room)
		if room.IsLobby() {
			s.replyLocked(fx, self, domain.KindConfirmJoined, fmt.Sprintf("Joined %s. You both are in %s", room.Name(), room.Name()))
			return false
		}
		s.replyLocked(fx, self, domain.KindConfirmJoined, fmt.Sprintf("Joined %s. You can start sending message now", room.Name()))
		for _, m := range room.Members() {
			if m != self.Name {
				s.sendLocked(fx, m, domain.KindAddUserSuccess, s.opts.Name, fmt.Sprintf("Added %s to chat room", self.Name))
			}
		}
		return false
	}

	owner, ok := domain.OwnerServer(string(target))
	if !ok || owner == s.opts.Name {
		s.replyLocked(fx, self, domain.KindUserNotFound, string(target))
		return false
	}
	// A connected peer has told us all of its users; an unknown name there
	// does not exist. Unknown owners are left to the proxy.
	if s.peers.Has(owner) {
		if _, found := s.view.Locate(target); !found {
			s.replyLocked(fx, self, domain.KindUserNotFound, string(target))
			return false
		}
	}
	s.replyLocked(fx, self, domain.KindChangeServer, string(target))
	s.removeLocked(fx, self.Name, "has moved to another server")
	log.Info().Str("module", "app.chat").Str("user", string(self.Name)).Str("target", string(target)).Str("owner", owner).Msg("redirected to another server")
	return true
}

func (s *Server) chatLocked(fx *effects, self *sessionEntry, text string) {
	if !s.limiter.Allow(self.Name) {
		s.replyLocked(fx, self, domain.KindChatMessage, "You are sending messages too fast")
		return
	}
	for _, m := range s.roomLocked(self).Members() {
		if m == self.Name {
			s.sendLocked(fx, m, domain.KindChatMessage, string(self.Name), "You: "+text)
			continue
		}
		s.sendLocked(fx, m, domain.KindChatMessage, string(self.Name), string(self.Name)+": "+text)
	}
}

// moveLocked keeps every session in exactly one room: removal from the old
// room always pairs with insertion into the new one. Only named rooms are
// gossiped; every server has its own lobby.
func (s *Server) moveLocked(fx *effects, e *sessionEntry, to *core.Room) {
	from := s.roomLocked(e)
	if from == to {
		return
	}
	from.Remove(e.Name)
	to.Add(e.Name)
	s.sessions.UpdateRoom(e.Name, to.Name())
	if !from.IsLobby() {
		s.gossipLocked(domain.KindClientOutOfChatroom, domain.Membership{Room: from.Name(), User: e.Name}.String())
	}
	if !to.IsLobby() {
		s.gossipLocked(domain.KindClientToChatroom, domain.Membership{Room: to.Name(), User: e.Name}.String())
	}
}

// removeLocked ends a session: room mates hear why (when why is set), peers
// hear remove_client and the proxy gets the new load. It returns the removed
// entry, or nil when name was already gone.
func (s *Server) removeLocked(fx *effects, name domain.UserName, why string) *sessionEntry {
	e, ok := s.sessions.Unbind(name)
	if !ok {
		return nil
	}
	room := s.roomLocked(e)
	room.Remove(name)
	if why != "" {
		for _, m := range room.Members() {
			s.sendLocked(fx, m, domain.KindTerminateUser, s.opts.Name, string(name)+" "+why)
		}
	}
	if !room.IsLobby() {
		s.gossipLocked(domain.KindClientOutOfChatroom, domain.Membership{Room: room.Name(), User: name}.String())
	}
	s.gossipLocked(domain.KindRemoveClient, string(name))
	s.limiter.Forget(name)
	s.loadLocked(fx)
	return e
}

func (s *Server) replyLocked(fx *effects, self *sessionEntry, kind domain.MessageKind, payload string) {
	fx.sends = append(fx.sends, outbound{
		to:   self.Name,
		link: self.Link,
		env:  domain.NewEnvelope(kind, s.opts.Name, s.opts.Advertise, payload),
	})
}

func (s *Server) sendLocked(fx *effects, to domain.UserName, kind domain.MessageKind, sender, payload string) {
	e, ok := s.sessions.Get(to)
	if !ok {
		return
	}
	fx.sends = append(fx.sends, outbound{
		to:   to,
		link: e.Link,
		env:  domain.NewEnvelope(kind, sender, s.opts.Advertise, payload),
	})
}

// gossipLocked queues a replication event while the change it describes is
// still held under the server lock, so peers apply events in change order.
func (s *Server) gossipLocked(kind domain.MessageKind, payload string) {
	s.peers.Broadcast(domain.NewEnvelope(kind, s.opts.Name, s.opts.Advertise, payload))
}
