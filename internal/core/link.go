package core

import (
	"iter"

	"github.com/dkeye/chatmesh/internal/domain"
)

// Link abstracts one framed, bidirectional envelope channel.
// Owned by the goroutine that accepted or dialed it; that goroutine must Close() it.
type Link interface {
	Send(domain.Envelope) error
	// Recv blocks until a full envelope arrives or the link fails.
	Recv() (domain.Envelope, error)
	Close() error
	LocalAddr() string
	RemoteAddr() string
}

// Prober is implemented by links that can check liveness without consuming data.
type Prober interface {
	Probe() bool
}

// Alive reports false only when l can tell that its peer is gone.
func Alive(l Link) bool {
	if p, ok := l.(Prober); ok {
		return p.Probe()
	}
	return true
}

// Envelopes yields every envelope received on l. The sequence ends after the
// first receive error, which is yielded once with a zero envelope.
func Envelopes(l Link) iter.Seq2[domain.Envelope, error] {
	return func(yield func(domain.Envelope, error) bool) {
		for {
			env, err := l.Recv()
			if err != nil {
				yield(domain.Envelope{}, err)
				return
			}
			if !yield(env, nil) {
				return
			}
		}
	}
}
