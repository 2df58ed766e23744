package chat

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/core"
	"github.com/dkeye/chatmesh/internal/domain"
	"github.com/dkeye/chatmesh/internal/metrics"
)

// outboxSize bounds how far a peer may fall behind before its link is dropped.
const outboxSize = 1024

// outbox is the ordered send queue of one peer link. A single writer
// goroutine drains it, so peers see events in the order they were queued.
type outbox struct {
	name    string
	link    core.Link
	queue   chan domain.Envelope
	done    chan struct{}
	pending atomic.Int64
}

func newOutbox(name string, link core.Link, first []domain.Envelope) *outbox {
	o := &outbox{
		name:  name,
		link:  link,
		queue: make(chan domain.Envelope, outboxSize+len(first)),
		done:  make(chan struct{}),
	}
	for _, env := range first {
		o.push(env)
	}
	return o
}

func (o *outbox) push(env domain.Envelope) bool {
	o.pending.Add(1)
	select {
	case o.queue <- env:
		return true
	default:
		o.pending.Add(-1)
		return false
	}
}

func (o *outbox) run(m *metrics.Server) {
	defer close(o.done)
	failed := false
	for env := range o.queue {
		if !failed {
			if err := o.link.Send(env); err != nil {
				log.Warn().Err(err).Str("module", "app.chat.replicator").Str("peer", o.name).Str("kind", string(env.Kind)).Msg("gossip send failed")
				_ = o.link.Close()
				failed = true
			} else if m != nil {
				m.GossipSent.WithLabelValues(string(env.Kind)).Inc()
			}
		}
		o.pending.Add(-1)
	}
}

// Replicator fans replication events out to every connected peer server.
// Broadcast only enqueues, so callers may hold the server lock and the
// queue order is the order of their state changes. A failed send closes
// that peer's link and leaves cleanup to its reader loop.
type Replicator struct {
	mu      sync.RWMutex
	peers   map[string]*outbox
	closed  bool
	metrics *metrics.Server
}

func NewReplicator(m *metrics.Server) *Replicator {
	return &Replicator{peers: make(map[string]*outbox), metrics: m}
}

// Add binds name to link, queues replay ahead of any later broadcast and
// returns the link it replaced, if any. It refuses once CloseAll has run.
func (r *Replicator) Add(name string, link core.Link, replay []domain.Envelope) (stale core.Link, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	if old, found := r.peers[name]; found {
		close(old.queue)
		if old.link != link {
			stale = old.link
		}
	}
	o := newOutbox(name, link, replay)
	go o.run(r.metrics)
	r.peers[name] = o
	r.observe()
	return stale, true
}

// Remove unbinds name only while it still points at link; a nil link matches
// anything.
func (r *Replicator) Remove(name string, link core.Link) (core.Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.peers[name]
	if !ok || (link != nil && cur.link != link) {
		return nil, false
	}
	close(cur.queue)
	delete(r.peers, name)
	r.observe()
	return cur.link, true
}

func (r *Replicator) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[name]
	return ok
}

func (r *Replicator) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for n := range r.peers {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func (r *Replicator) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Broadcast queues env for every peer. A peer whose queue is full is cut off.
func (r *Replicator) Broadcast(env domain.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	for name, o := range r.peers {
		if !o.push(env) {
			log.Warn().Str("module", "app.chat.replicator").Str("peer", name).Msg("peer too slow, dropping link")
			_ = o.link.Close()
		}
	}
}

// idle reports whether every queued event has been handed to its link.
func (r *Replicator) idle() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.peers {
		if o.pending.Load() > 0 {
			return false
		}
	}
	return true
}

// CloseAll queues last behind whatever is pending, waits up to wait for each
// peer to drain, closes the links and rejects any further broadcast.
func (r *Replicator) CloseAll(last domain.Envelope, wait time.Duration) {
	r.mu.Lock()
	r.closed = true
	boxes := r.peers
	r.peers = make(map[string]*outbox)
	r.observe()
	for name, o := range boxes {
		if !o.push(last) {
			log.Debug().Str("module", "app.chat.replicator").Str("peer", name).Msg("farewell not queued")
		}
		close(o.queue)
	}
	r.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	expired := false
	for name, o := range boxes {
		if !expired {
			select {
			case <-o.done:
			case <-timer.C:
				expired = true
			}
		}
		if expired {
			log.Debug().Str("module", "app.chat.replicator").Str("peer", name).Msg("farewell may not be delivered")
		}
		_ = o.link.Close()
	}
}

func (r *Replicator) observe() {
	if r.metrics != nil {
		r.metrics.Peers.Set(float64(len(r.peers)))
	}
}
