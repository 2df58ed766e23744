package proxy

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/core"
	"github.com/dkeye/chatmesh/internal/domain"
)

type serverEntry struct {
	Record domain.ServerRecord
	Link   core.Link
	Missed int
}

// Registry is the proxy's table of chat servers in first-seen order.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*serverEntry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*serverEntry)}
}

// Register records rec behind link. A known name keeps its position and load
// but switches to the new link; the stale link is closed. others lists every
// other server's link.
func (r *Registry) Register(rec domain.ServerRecord, link core.Link) (added bool, others []core.Link) {
	var stale core.Link
	r.mu.Lock()
	if e, ok := r.servers[rec.Name]; ok {
		if e.Link != link {
			stale = e.Link
		}
		e.Record.Endpoint = rec.Endpoint
		e.Link = link
		e.Missed = 0
		log.Info().Str("module", "app.proxy.registry").Str("server", rec.Name).Msg("server re-registered")
	} else {
		r.servers[rec.Name] = &serverEntry{Record: rec, Link: link}
		r.order = append(r.order, rec.Name)
		added = true
		log.Info().Str("module", "app.proxy.registry").Str("server", rec.Name).Str("endpoint", rec.Endpoint).Msg("server registered")
	}
	others = r.linksExceptLocked(rec.Name)
	r.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}
	return added, others
}

// Remove drops name only while it is still bound to link, so a stale link
// cannot evict a fresh registration.
func (r *Registry) Remove(name string, link core.Link) (removed bool, others []core.Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.servers[name]
	if !ok || (link != nil && e.Link != link) {
		return false, nil
	}
	r.dropLocked(name)
	log.Info().Str("module", "app.proxy.registry").Str("server", name).Msg("server removed")
	return true, r.linksExceptLocked(name)
}

func (r *Registry) dropLocked(name string) {
	delete(r.servers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) linksExceptLocked(name string) []core.Link {
	out := make([]core.Link, 0, len(r.order))
	for _, n := range r.order {
		if n != name {
			out = append(out, r.servers[n].Link)
		}
	}
	return out
}

func (r *Registry) SetLoad(name string, load int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.servers[name]
	if ok {
		e.Record.LoadHint = load
	}
	return ok
}

// MarkOnline resets the missed-heartbeat counter.
func (r *Registry) MarkOnline(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.servers[name]; ok {
		e.Missed = 0
	}
}

type probe struct {
	Name string
	Link core.Link
}

// Tick advances one heartbeat round. Servers that already missed maxMissed
// probes are removed and returned as expired; the rest are returned to be
// probed again.
func (r *Registry) Tick(maxMissed int) (probes, expired []probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range append([]string(nil), r.order...) {
		e := r.servers[n]
		if e.Missed >= maxMissed {
			expired = append(expired, probe{Name: n, Link: e.Link})
			r.dropLocked(n)
			continue
		}
		e.Missed++
		probes = append(probes, probe{Name: n, Link: e.Link})
	}
	return probes, expired
}

// LeastLoaded picks the smallest load hint; ties go to the earliest registered.
func (r *Registry) LeastLoaded() (domain.ServerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *serverEntry
	for _, n := range r.order {
		e := r.servers[n]
		if best == nil || e.Record.LoadHint < best.Record.LoadHint {
			best = e
		}
	}
	if best == nil {
		return domain.ServerRecord{}, fmt.Errorf("%w: no chat server registered", domain.ErrRouting)
	}
	return best.Record, nil
}

func (r *Registry) Lookup(name string) (domain.ServerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.servers[name]
	if !ok {
		return domain.ServerRecord{}, false
	}
	return e.Record, true
}

// Links returns every registered server link.
func (r *Registry) Links() []core.Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.linksExceptLocked("")
}

func (r *Registry) Snapshot() []domain.ServerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ServerRecord, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.servers[n].Record)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
