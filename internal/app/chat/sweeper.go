package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/core"
)

// Sweep periodically probes every session's link and removes those whose
// peer has gone away without saying so.
func (s *Server) Sweep(ctx context.Context) {
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweepOnce()
		}
	}
}

func (s *Server) sweepOnce() int {
	s.mu.Lock()
	var fx effects
	var dead []*sessionEntry
	for _, e := range s.sessions.Entries() {
		if core.Alive(e.Link) {
			continue
		}
		if removed := s.removeLocked(&fx, e.Name, "is disconnected from server"); removed != nil {
			dead = append(dead, removed)
		}
	}
	s.mu.Unlock()

	for _, e := range dead {
		log.Info().Str("module", "app.chat.sweeper").Str("server", s.opts.Name).Str("user", string(e.Name)).Msg("swept dead session")
		e.Cancel()
		if s.metrics != nil {
			s.metrics.Swept.Inc()
		}
	}
	s.flush(fx)
	return len(dead)
}
