package chat

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/adapters/tcp"
	"github.com/dkeye/chatmesh/internal/core"
	"github.com/dkeye/chatmesh/internal/domain"
)

// maintainProxy keeps one registered link to the proxy, reconnecting after
// every loss. It only returns early when the retry policy gives up.
func (s *Server) maintainProxy(ctx context.Context) error {
	lg := log.With().Str("module", "app.chat.proxy").Str("server", s.opts.Name).Str("proxy", s.opts.ProxyAddr).Logger()
	for ctx.Err() == nil {
		link, err := tcp.DialRetry(ctx, s.opts.ProxyAddr, s.opts.ProxyRetry, s.opts.Link)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lg.Error().Err(err).Msg("proxy unreachable, giving up")
			return err
		}
		err = s.serveProxy(ctx, link)
		_ = link.Close()
		if ctx.Err() != nil || s.closing.Load() {
			return nil
		}
		lg.Warn().Err(err).Msg("proxy link lost, reconnecting")
	}
	return nil
}

func (s *Server) serveProxy(ctx context.Context, link core.Link) error {
	stop := context.AfterFunc(ctx, func() { _ = link.Close() })
	defer stop()

	hello := domain.NewEnvelope(domain.KindServerOn, s.opts.Name, s.opts.Advertise, s.opts.Name)
	if err := link.Send(hello); err != nil {
		return err
	}
	s.setProxyLink(link)
	defer s.clearProxyLink(link)

	s.mu.Lock()
	n := s.sessions.Len()
	s.mu.Unlock()
	s.reportLoad(n)
	log.Info().Str("module", "app.chat.proxy").Str("server", s.opts.Name).Msg("registered with proxy")

	for env, err := range core.Envelopes(link) {
		if err != nil {
			return err
		}
		switch env.Kind {
		case domain.KindAreYouOnline:
			if err := link.Send(domain.NewEnvelope(domain.KindOnline, s.opts.Name, s.opts.Advertise, "online")); err != nil {
				return err
			}
		case domain.KindServerOn:
			go s.connectPeer(ctx, env.Payload, env.Origin)
		case domain.KindServerOff:
			if env.Payload != "" && env.Payload != s.opts.Name {
				s.dropPeer(env.Payload)
			}
		default:
			log.Warn().Str("module", "app.chat.proxy").Str("kind", string(env.Kind)).Msg("unexpected message from proxy")
		}
	}
	return errors.New("proxy link closed")
}

func (s *Server) clearProxyLink(link core.Link) {
	s.proxyMu.Lock()
	if s.proxy == link {
		s.proxy = nil
	}
	s.proxyMu.Unlock()
}
