package chat

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/adapters/tcp"
	"github.com/dkeye/chatmesh/internal/core"
	"github.com/dkeye/chatmesh/internal/domain"
)

func peerName(hello domain.Envelope) string {
	if domain.ValidServerName(hello.Payload) {
		return hello.Payload
	}
	return hello.Sender
}

// servePeer takes over a connection whose first envelope was server_on.
func (s *Server) servePeer(ctx context.Context, hello domain.Envelope, link core.Link) {
	name := peerName(hello)
	if !domain.ValidServerName(name) || name == s.opts.Name {
		log.Warn().Str("module", "app.chat.peer").Str("server", s.opts.Name).Str("peer", name).Msg("rejecting peer hello")
		return
	}
	if !s.attachPeer(name, link) {
		return
	}
	s.peerLoop(ctx, name, link)
}

// connectPeer dials a peer the proxy announced and introduces this server.
func (s *Server) connectPeer(ctx context.Context, name, endpoint string) {
	if name == s.opts.Name || s.peers.Has(name) {
		return
	}
	if _, _, err := domain.ParseEndpoint(endpoint); err != nil {
		log.Warn().Err(err).Str("module", "app.chat.peer").Str("peer", name).Msg("bad peer endpoint")
		return
	}
	link, err := tcp.DialRetry(ctx, endpoint, s.opts.PeerRetry, s.opts.Link)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.chat.peer").Str("peer", name).Str("endpoint", endpoint).Msg("peer unreachable")
		return
	}
	defer link.Close()
	stop := context.AfterFunc(ctx, func() { _ = link.Close() })
	defer stop()

	if err := link.Send(domain.NewEnvelope(domain.KindServerOn, s.opts.Name, s.opts.Advertise, s.opts.Name)); err != nil {
		log.Warn().Err(err).Str("module", "app.chat.peer").Str("peer", name).Msg("peer hello failed")
		return
	}
	if !s.attachPeer(name, link) {
		return
	}
	s.peerLoop(ctx, name, link)
}

// attachPeer records link with a snapshot of local state queued ahead of
// any later gossip. The snapshot and the registration happen under the
// server lock so no local change can slip between them; the writes happen
// on the peer's outbox.
func (s *Server) attachPeer(name string, link core.Link) bool {
	s.mu.Lock()
	var replay []domain.Envelope
	add := func(kind domain.MessageKind, payload string) {
		replay = append(replay, domain.NewEnvelope(kind, s.opts.Name, s.opts.Advertise, payload))
	}
	for _, e := range s.sessions.Entries() {
		add(domain.KindAddClient, string(e.Name))
	}
	for _, r := range s.rooms.Named() {
		add(domain.KindAddChatroom, string(r.Name()))
		for _, m := range r.Members() {
			add(domain.KindClientToChatroom, domain.Membership{Room: r.Name(), User: m}.String())
		}
	}
	stale, ok := s.peers.Add(name, link, replay)
	s.mu.Unlock()
	if !ok {
		return false
	}
	if stale != nil {
		_ = stale.Close()
	}
	log.Info().Str("module", "app.chat.peer").Str("server", s.opts.Name).Str("peer", name).Str("remote", link.RemoteAddr()).Int("replay", len(replay)).Msg("peer connected")
	return true
}

func (s *Server) peerLoop(ctx context.Context, name string, link core.Link) {
	lg := log.With().Str("module", "app.chat.peer").Str("server", s.opts.Name).Str("peer", name).Logger()
	defer s.forgetPeer(name, link)
	for env, err := range core.Envelopes(link) {
		if err != nil {
			if ctx.Err() == nil && !s.closing.Load() {
				lg.Warn().Err(err).Msg("peer link lost")
			}
			return
		}
		if s.metrics != nil {
			s.metrics.GossipReceived.WithLabelValues(string(env.Kind)).Inc()
		}
		if !s.applyGossip(name, link, env) {
			lg.Info().Msg("peer signed off")
			return
		}
	}
}

// applyGossip folds one replication event into the remote view. It returns
// false when the peer announced it is leaving.
func (s *Server) applyGossip(peer string, link core.Link, env domain.Envelope) bool {
	from := env.Sender
	if !domain.ValidServerName(from) {
		from = peer
	}
	lg := log.With().Str("module", "app.chat.peer").Str("server", s.opts.Name).Str("peer", from).Str("kind", string(env.Kind)).Logger()
	switch env.Kind {
	case domain.KindAddClient:
		s.view.AddUser(from, domain.UserName(env.Payload))
	case domain.KindRemoveClient:
		s.view.RemoveUser(from, domain.UserName(env.Payload))
	case domain.KindAddChatroom:
		s.view.AddRoom(from, domain.RoomName(env.Payload))
	case domain.KindRemoveChatroom:
		s.view.RemoveRoom(from, domain.RoomName(env.Payload))
	case domain.KindClientToChatroom, domain.KindClientOutOfChatroom:
		m, err := domain.ParseMembership(env.Payload)
		if err != nil {
			lg.Warn().Err(err).Msg("bad membership event")
			return true
		}
		if env.Kind == domain.KindClientToChatroom {
			s.view.Join(m)
		} else {
			s.view.Leave(m)
		}
	case domain.KindServerOn:
		if !s.peers.Has(peer) {
			s.attachPeer(peer, link)
		}
	case domain.KindServerOff:
		return false
	default:
		lg.Warn().Msg("unexpected message on peer link")
		return true
	}
	lg.Debug().Str("content", env.Payload).Msg("gossip applied")
	return true
}

// forgetPeer purges what name told us, but only while link is still the
// current link for it.
func (s *Server) forgetPeer(name string, link core.Link) {
	if _, ok := s.peers.Remove(name, link); !ok {
		return
	}
	_ = link.Close()
	s.view.Purge(name)
	log.Info().Str("module", "app.chat.peer").Str("server", s.opts.Name).Str("peer", name).Msg("peer forgotten")
}

// dropPeer handles a server_off relayed by the proxy.
func (s *Server) dropPeer(name string) {
	if l, ok := s.peers.Remove(name, nil); ok {
		_ = l.Close()
	}
	s.view.Purge(name)
	log.Info().Str("module", "app.chat.peer").Str("server", s.opts.Name).Str("peer", name).Msg("peer dropped")
}
