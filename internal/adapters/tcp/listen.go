package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/domain"
)

// Listener accepts framed links.
type Listener struct {
	ln   net.Listener
	opts Options
}

// Listen fails with domain.ErrConfig when the address cannot be bound.
func Listen(addr string, opts Options) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", domain.ErrConfig, addr, err)
	}
	return &Listener{ln: ln, opts: opts}, nil
}

func (l *Listener) Addr() string { return l.ln.Addr().String() }
func (l *Listener) Close() error { return l.ln.Close() }

// Serve runs handle in its own goroutine for every accepted link until ctx is
// done or the listener is closed.
func (l *Listener) Serve(ctx context.Context, handle func(context.Context, *Conn)) error {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Str("module", "adapters.tcp").Msg("accept failed")
			continue
		}
		go handle(ctx, NewConn(raw, l.opts))
	}
}
