// Package proxy routes clients to the least-loaded chat server and tells the
// chat servers about each other.
package proxy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/chatmesh/internal/adapters/tcp"
	"github.com/dkeye/chatmesh/internal/core"
	"github.com/dkeye/chatmesh/internal/domain"
	"github.com/dkeye/chatmesh/internal/metrics"
)

// Sender is the sender field of every envelope the proxy originates.
const Sender = "proxy"

type Options struct {
	HeartbeatInterval time.Duration
	MaxMissed         int
}

type Proxy struct {
	Registry *Registry
	Metrics  *metrics.Proxy
	opts     Options
}

func New(opts Options, m *metrics.Proxy) *Proxy {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.MaxMissed <= 0 {
		opts.MaxMissed = 3
	}
	return &Proxy{Registry: NewRegistry(), Metrics: m, opts: opts}
}

// Run serves ln and the heartbeat loop until ctx is done.
func (p *Proxy) Run(ctx context.Context, ln *tcp.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ln.Serve(ctx, func(ctx context.Context, c *tcp.Conn) { p.Handle(ctx, c) })
	})
	g.Go(func() error {
		p.Heartbeat(ctx)
		return nil
	})
	stop := context.AfterFunc(ctx, p.closeAll)
	defer stop()
	log.Info().Str("module", "app.proxy").Str("addr", ln.Addr()).Msg("proxy started")
	return g.Wait()
}

func (p *Proxy) closeAll() {
	for _, l := range p.Registry.Links() {
		_ = l.Close()
	}
}

// Handle classifies a fresh connection by its first envelope: a client
// request is answered once and closed, a server_on turns it into a server link.
func (p *Proxy) Handle(ctx context.Context, link core.Link) {
	defer link.Close()

	env, err := link.Recv()
	if err != nil {
		log.Debug().Err(err).Str("module", "app.proxy").Str("remote", link.RemoteAddr()).Msg("connection dropped before first message")
		return
	}
	switch env.Kind {
	case domain.KindConnectToServer:
		p.replyRoute(link, env.Kind, p.Registry.LeastLoaded)
	case domain.KindChangeServer:
		p.replyRoute(link, env.Kind, func() (domain.ServerRecord, error) { return p.ownerOf(env.Payload) })
	case domain.KindServerOn:
		p.serveServer(ctx, env, link)
	default:
		log.Warn().Str("module", "app.proxy").Str("kind", string(env.Kind)).Str("remote", link.RemoteAddr()).Msg("unexpected first message")
	}
}

func (p *Proxy) ownerOf(target string) (domain.ServerRecord, error) {
	owner, ok := domain.OwnerServer(target)
	if !ok {
		return domain.ServerRecord{}, fmt.Errorf("%w: malformed user name %q", domain.ErrRouting, target)
	}
	rec, ok := p.Registry.Lookup(owner)
	if !ok {
		return domain.ServerRecord{}, fmt.Errorf("%w: %s is not registered", domain.ErrRouting, owner)
	}
	return rec, nil
}

func (p *Proxy) replyRoute(link core.Link, kind domain.MessageKind, pick func() (domain.ServerRecord, error)) {
	rec, err := pick()
	reply := domain.NewEnvelope(domain.KindServerInfo, Sender, link.LocalAddr(), rec.Endpoint)
	outcome := "ok"
	if err != nil {
		reply = domain.NewEnvelope(domain.KindServerUnavailable, Sender, link.LocalAddr(), err.Error())
		outcome = "unavailable"
		log.Warn().Err(err).Str("module", "app.proxy").Str("kind", string(kind)).Msg("no route")
	} else {
		log.Info().Str("module", "app.proxy").Str("kind", string(kind)).Str("server", rec.Name).Msg("client routed")
	}
	if p.Metrics != nil {
		p.Metrics.Routes.WithLabelValues(string(kind), outcome).Inc()
	}
	if err := link.Send(reply); err != nil {
		log.Warn().Err(err).Str("module", "app.proxy").Msg("route reply failed")
	}
}

func (p *Proxy) serveServer(ctx context.Context, hello domain.Envelope, link core.Link) {
	name := hello.Payload
	if name == "" {
		name = hello.Sender
	}
	if !domain.ValidServerName(name) {
		log.Warn().Str("module", "app.proxy").Str("server", name).Msg("server_on with invalid name")
		return
	}
	if _, _, err := domain.ParseEndpoint(hello.Origin); err != nil {
		log.Warn().Err(err).Str("module", "app.proxy").Str("server", name).Msg("server_on with invalid endpoint")
		return
	}
	rec := domain.ServerRecord{Name: name, Endpoint: hello.Origin}
	added, others := p.Registry.Register(rec, link)
	p.observeServers()
	if added {
		p.broadcast(others, domain.KindServerOn, name, rec.Endpoint)
	}

	lg := log.With().Str("module", "app.proxy").Str("server", name).Logger()
	for env, err := range core.Envelopes(link) {
		if err != nil {
			if ctx.Err() == nil {
				lg.Warn().Err(err).Msg("server link lost")
			}
			break
		}
		switch env.Kind {
		case domain.KindUpdateClientList:
			n, err := strconv.Atoi(env.Payload)
			if err != nil || n < 0 {
				lg.Warn().Str("content", env.Payload).Msg("bad load report")
				continue
			}
			p.Registry.SetLoad(name, n)
			lg.Debug().Int("load", n).Msg("load updated")
		case domain.KindOnline:
			p.Registry.MarkOnline(name)
		case domain.KindServerOn:
		case domain.KindServerOff:
			lg.Info().Msg("server signed off")
			p.evict(name, link)
			return
		default:
			lg.Warn().Str("kind", string(env.Kind)).Msg("unexpected message on server link")
		}
	}
	p.evict(name, link)
}

func (p *Proxy) evict(name string, link core.Link) {
	removed, others := p.Registry.Remove(name, link)
	if !removed {
		return
	}
	p.observeServers()
	p.broadcast(others, domain.KindServerOff, name, "")
}

func (p *Proxy) broadcast(links []core.Link, kind domain.MessageKind, payload, origin string) {
	for _, l := range links {
		from := origin
		if from == "" {
			from = l.LocalAddr()
		}
		if err := l.Send(domain.NewEnvelope(kind, Sender, from, payload)); err != nil {
			log.Warn().Err(err).Str("module", "app.proxy").Str("kind", string(kind)).Str("remote", l.RemoteAddr()).Msg("broadcast failed")
			_ = l.Close()
		}
	}
}

// Heartbeat probes every registered server each interval and evicts those
// that stayed silent for MaxMissed rounds.
func (p *Proxy) Heartbeat(ctx context.Context) {
	t := time.NewTicker(p.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.beat()
		}
	}
}

func (p *Proxy) beat() {
	probes, expired := p.Registry.Tick(p.opts.MaxMissed)
	for _, e := range expired {
		log.Warn().Str("module", "app.proxy").Str("server", e.Name).Int("max_missed", p.opts.MaxMissed).Msg("server missed heartbeats, evicting")
		_ = e.Link.Close()
		if p.Metrics != nil {
			p.Metrics.Evictions.Inc()
		}
		p.broadcast(p.Registry.Links(), domain.KindServerOff, e.Name, "")
	}
	if len(expired) > 0 {
		p.observeServers()
	}
	for _, pr := range probes {
		if err := pr.Link.Send(domain.NewEnvelope(domain.KindAreYouOnline, Sender, pr.Link.LocalAddr(), "")); err != nil {
			log.Warn().Err(err).Str("module", "app.proxy").Str("server", pr.Name).Msg("probe failed")
			_ = pr.Link.Close()
			continue
		}
		if p.Metrics != nil {
			p.Metrics.Probes.Inc()
		}
	}
}

func (p *Proxy) observeServers() {
	if p.Metrics != nil {
		p.Metrics.Servers.Set(float64(p.Registry.Len()))
	}
}

type Status struct {
	Servers []domain.ServerRecord `json:"servers"`
}

func (p *Proxy) Status() Status {
	return Status{Servers: p.Registry.Snapshot()}
}
