package domain

import "time"

// MessageKind is the symbolic title carried by every envelope.
type MessageKind string

// client -> server
const (
	KindNewChatroom   MessageKind = "new_chatroom"
	KindJoinChatroom  MessageKind = "join_chatroom"
	KindAddUser       MessageKind = "add_user"
	KindChatMessage   MessageKind = "chat_message"
	KindExitRoom      MessageKind = "exit_room"
	KindRemoveUser    MessageKind = "remove_user"
	KindChatWithUser  MessageKind = "chat_with_user"
	KindTerminateUser MessageKind = "terminate_user"
)

// server -> client
const (
	KindConfirmCreated MessageKind = "confirm_created"
	KindConfirmJoined  MessageKind = "confirm_joined"
	KindAddUserSuccess MessageKind = "add_user_success"
	KindAddUserFail    MessageKind = "add_user_fail"
	KindUserNotFound   MessageKind = "user_not_found"
)

// server <-> server
const (
	KindAddClient           MessageKind = "add_client"
	KindRemoveClient        MessageKind = "remove_client"
	KindAddChatroom         MessageKind = "add_chatroom"
	KindRemoveChatroom      MessageKind = "remove_chatroom"
	KindClientToChatroom    MessageKind = "client_to_chatroom"
	KindClientOutOfChatroom MessageKind = "client_outof_chatroom"
	KindServerOn            MessageKind = "server_on"
	KindServerOff           MessageKind = "server_off"
)

// server <-> proxy
const (
	KindAreYouOnline     MessageKind = "are_you_online"
	KindOnline           MessageKind = "online"
	KindUpdateClientList MessageKind = "update_client_list"
)

// client <-> proxy
const (
	KindConnectToServer   MessageKind = "connect_to_server"
	KindChangeServer      MessageKind = "change_server"
	KindServerInfo        MessageKind = "server_info"
	KindServerUnavailable MessageKind = "server_unavailable"
)

// IsCommand reports whether k is a request a client may send to its server.
func (k MessageKind) IsCommand() bool {
	switch k {
	case KindNewChatroom, KindJoinChatroom, KindAddUser, KindChatMessage,
		KindExitRoom, KindRemoveUser, KindChatWithUser, KindTerminateUser:
		return true
	}
	return false
}

// IsGossip reports whether k is a replication event exchanged between chat servers.
func (k MessageKind) IsGossip() bool {
	switch k {
	case KindAddClient, KindRemoveClient,
		KindAddChatroom, KindRemoveChatroom,
		KindClientToChatroom, KindClientOutOfChatroom,
		KindServerOn, KindServerOff:
		return true
	}
	return false
}

// Envelope is the unit exchanged on every link. An empty Payload is sent as null.
type Envelope struct {
	Kind    MessageKind
	Sender  string
	SentAt  time.Time
	Origin  string
	Payload string
}

// NewEnvelope stamps the envelope with the current UTC time.
func NewEnvelope(kind MessageKind, sender, origin, payload string) Envelope {
	return Envelope{
		Kind:    kind,
		Sender:  sender,
		SentAt:  time.Now().UTC().Round(0),
		Origin:  origin,
		Payload: payload,
	}
}
