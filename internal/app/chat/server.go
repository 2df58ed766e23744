// Package chat is one chat server of the mesh: it owns local sessions and
// rooms, runs the per-session command state machine and keeps a gossip-fed
// view of its peers.
package chat

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/chatmesh/internal/adapters/tcp"
	"github.com/dkeye/chatmesh/internal/app"
	"github.com/dkeye/chatmesh/internal/core"
	"github.com/dkeye/chatmesh/internal/domain"
	"github.com/dkeye/chatmesh/internal/metrics"
)

type Options struct {
	Name string
	// Advertise is the endpoint peers and the proxy use to reach this server.
	Advertise     string
	ProxyAddr     string
	SweepInterval time.Duration
	ProxyRetry    tcp.RetryPolicy
	PeerRetry     tcp.RetryPolicy
	Link          tcp.Options
	RateLimit     int
	RateWindow    time.Duration
}

type Server struct {
	opts    Options
	policy  app.Policy
	limiter *app.RateLimiter
	metrics *metrics.Server

	mu         sync.Mutex
	sessions   *Registry
	rooms      *core.RoomTable
	nextClient int

	view    *core.RemoteView
	peers   *Replicator
	closing atomic.Bool

	proxyMu sync.Mutex
	proxy   core.Link
}

func New(opts Options, policy app.Policy, m *metrics.Server) *Server {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 2 * time.Second
	}
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &Server{
		opts:     opts,
		policy:   policy,
		limiter:  app.NewRateLimiter(opts.RateLimit, opts.RateWindow),
		metrics:  m,
		sessions: NewRegistry(),
		rooms:    core.NewRoomTable(opts.Name),
		view:     core.NewRemoteView(),
		peers:    NewReplicator(m),
	}
}

func (s *Server) Name() string            { return s.opts.Name }
func (s *Server) View() *core.RemoteView { return s.view }

// Run serves ln, sweeps dead sessions and, when a proxy is configured, keeps
// the proxy link alive. It returns once ctx is done and peers were told.
func (s *Server) Run(ctx context.Context, ln *tcp.Listener) error {
	if s.opts.Advertise == "" {
		s.opts.Advertise = ln.Addr()
	}
	// Links live under their own context so Shutdown can still say
	// server_off on them after ctx is done.
	lctx, lcancel := context.WithCancel(context.WithoutCancel(ctx))
	defer lcancel()
	g, gctx := errgroup.WithContext(lctx)
	g.Go(func() error {
		return ln.Serve(gctx, func(ctx context.Context, c *tcp.Conn) { s.Handle(ctx, c) })
	})
	g.Go(func() error {
		s.Sweep(gctx)
		return nil
	})
	if s.opts.ProxyAddr != "" {
		g.Go(func() error { return s.maintainProxy(gctx) })
	}
	log.Info().Str("module", "app.chat").Str("server", s.opts.Name).Str("addr", ln.Addr()).Msg("chat server started")
	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}
	s.Shutdown()
	lcancel()
	return g.Wait()
}

// Shutdown tells peers and the proxy that this server is leaving and closes
// their links. Safe to call more than once.
func (s *Server) Shutdown() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	bye := domain.NewEnvelope(domain.KindServerOff, s.opts.Name, s.opts.Advertise, s.opts.Name)
	s.peers.CloseAll(bye, s.farewellWait())
	if l := s.proxyLink(); l != nil {
		s.setProxyLink(nil)
		_ = l.Send(bye)
		_ = l.Close()
	}
	s.mu.Lock()
	entries := s.sessions.Entries()
	s.mu.Unlock()
	for _, e := range entries {
		e.Cancel()
	}
	log.Info().Str("module", "app.chat").Str("server", s.opts.Name).Msg("server off")
}

func (s *Server) farewellWait() time.Duration {
	if s.opts.Link.WriteTimeout > 0 {
		return s.opts.Link.WriteTimeout
	}
	return 2 * time.Second
}

// Handle drives one accepted connection. It starts as a client session in
// the lobby; a connection that opens with server_on is a peer instead.
func (s *Server) Handle(ctx context.Context, link core.Link) {
	defer link.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = link.Close() })
	defer stop()

	name, fx := s.admit(link, cancel)
	s.flush(fx)
	lg := log.With().Str("module", "app.chat").Str("server", s.opts.Name).Str("user", string(name)).Logger()

	first := true
	for env, err := range core.Envelopes(link) {
		if err != nil {
			if ctx.Err() == nil {
				lg.Warn().Err(err).Msg("session link ended")
			}
			break
		}
		if first && env.Kind == domain.KindServerOn {
			s.flush(s.discard(name))
			s.servePeer(ctx, env, link)
			return
		}
		first = false
		if s.metrics != nil {
			label := string(env.Kind)
			if !env.Kind.IsCommand() {
				label = "other"
			}
			s.metrics.Commands.WithLabelValues(label).Inc()
		}
		state, fx := s.dispatch(name, env)
		s.flush(fx)
		lg.Debug().Str("kind", string(env.Kind)).Stringer("state", state).Msg("command handled")
		if state == stateTerminated {
			return
		}
	}
	s.flush(s.drop(name, "is disconnected from server"))
}

func (s *Server) admit(link core.Link, cancel context.CancelFunc) (domain.UserName, effects) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := domain.ClientName(s.opts.Name, s.nextClient)
	s.nextClient++
	lobby := s.rooms.Lobby()
	lobby.Add(name)
	s.sessions.Bind(name, lobby.Name(), link, cancel)

	var fx effects
	s.gossipLocked(domain.KindAddClient, string(name))
	s.loadLocked(&fx)
	return name, fx
}

// discard retracts a tentative session whose connection turned out to be a peer.
func (s *Server) discard(name domain.UserName) effects {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fx effects
	s.removeLocked(&fx, name, "")
	return fx
}

// drop removes name if it is still registered, telling its room mates why.
func (s *Server) drop(name domain.UserName, why string) effects {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fx effects
	s.removeLocked(&fx, name, why)
	return fx
}

// kick removes name and cancels its handler.
func (s *Server) kick(name domain.UserName, why string) {
	s.mu.Lock()
	var fx effects
	e := s.removeLocked(&fx, name, why)
	s.mu.Unlock()
	if e != nil {
		e.Cancel()
	}
	s.flush(fx)
}

type outbound struct {
	to   domain.UserName
	link core.Link
	env  domain.Envelope
}

// effects collects the client sends a state change requires so they can be
// performed after the server lock is released. Gossip is queued directly.
type effects struct {
	sends []outbound
	load  *int
}

func (s *Server) flush(fx effects) {
	for _, o := range fx.sends {
		if err := o.link.Send(o.env); err != nil {
			action := s.policy.OnSendFailure(o.to, err)
			log.Warn().Err(err).Str("module", "app.chat").Str("user", string(o.to)).Stringer("action", action).Msg("send failed")
			if action == app.KickMember {
				s.kick(o.to, "is disconnected from server")
			}
		}
	}
	if fx.load != nil {
		s.reportLoad(*fx.load)
	}
}

func (s *Server) loadLocked(fx *effects) {
	n := s.sessions.Len()
	fx.load = &n
	if s.metrics != nil {
		s.metrics.Sessions.Set(float64(n))
		s.metrics.Rooms.Set(float64(s.rooms.Len()))
	}
}

func (s *Server) reportLoad(n int) {
	l := s.proxyLink()
	if l == nil {
		return
	}
	if err := l.Send(domain.NewEnvelope(domain.KindUpdateClientList, s.opts.Name, s.opts.Advertise, strconv.Itoa(n))); err != nil {
		log.Warn().Err(err).Str("module", "app.chat").Msg("load report failed")
	}
}

func (s *Server) proxyLink() core.Link {
	s.proxyMu.Lock()
	defer s.proxyMu.Unlock()
	return s.proxy
}

func (s *Server) setProxyLink(l core.Link) {
	s.proxyMu.Lock()
	s.proxy = l
	s.proxyMu.Unlock()
}

type SessionInfo struct {
	Name domain.UserName `json:"name"`
	Room domain.RoomName `json:"room"`
}

type Status struct {
	Server   string            `json:"server"`
	Sessions []SessionInfo     `json:"sessions"`
	Rooms    []core.RoomInfo   `json:"rooms"`
	Peers    []string          `json:"peers"`
	Remote   core.ViewSnapshot `json:"remote"`
}

func (s *Server) Status() Status {
	s.mu.Lock()
	st := Status{Server: s.opts.Name, Rooms: s.rooms.List()}
	for _, e := range s.sessions.Entries() {
		st.Sessions = append(st.Sessions, SessionInfo{Name: e.Name, Room: e.Room})
	}
	s.mu.Unlock()
	st.Peers = s.peers.Names()
	st.Remote = s.view.Snapshot()
	return st
}

// RoomOf reports the room of a local session.
func (s *Server) RoomOf(name domain.UserName) (domain.RoomName, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions.Get(name)
	if !ok {
		return "", false
	}
	return e.Room, true
}

// Rooms lists the lobby and every local named room.
func (s *Server) Rooms() []core.RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms.List()
}
