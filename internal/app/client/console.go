package client

import (
	"strings"

	"github.com/dkeye/chatmesh/internal/domain"
)

// commands maps console verbs to request kinds. Verbs that need an argument
// take it from the rest of the line.
var commands = []struct {
	verb string
	kind domain.MessageKind
	arg  bool
}{
	{"create chat room", domain.KindNewChatroom, false},
	{"join chat room", domain.KindJoinChatroom, true},
	{"add user", domain.KindAddUser, true},
	{"kick user", domain.KindRemoveUser, true},
	{"chat with", domain.KindChatWithUser, true},
	{"exit", domain.KindExitRoom, false},
	{"terminate", domain.KindTerminateUser, false},
}

// ParseLine turns one console line into a request. Anything that is not a
// known verb, or a verb missing its argument, is sent as chat text.
func ParseLine(line string) domain.Envelope {
	trimmed := strings.TrimSpace(line)
	lower := strings.ToLower(trimmed)
	for _, c := range commands {
		if !c.arg {
			if lower == c.verb {
				return domain.NewEnvelope(c.kind, Sender, "", "")
			}
			continue
		}
		if !strings.HasPrefix(lower, c.verb+" ") {
			continue
		}
		if arg := strings.TrimSpace(trimmed[len(c.verb):]); arg != "" {
			return domain.NewEnvelope(c.kind, Sender, "", arg)
		}
	}
	return domain.NewEnvelope(domain.KindChatMessage, Sender, "", line)
}

// Render formats a received envelope for the console.
func Render(env domain.Envelope) string {
	switch env.Kind {
	case domain.KindChangeServer:
		return "Changing server to reach " + env.Payload + "..."
	case domain.KindServerUnavailable:
		return "No server available: " + env.Payload
	}
	return env.Payload
}
