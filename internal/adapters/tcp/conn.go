// Package tcp provides the framed TCP link used between every process of the mesh.
package tcp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/adapters/wire"
	"github.com/dkeye/chatmesh/internal/domain"
)

type Options struct {
	Codec        wire.Codec
	MaxFrame     int
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = wire.JSONCodec{}
	}
	if o.MaxFrame <= 0 {
		o.MaxFrame = wire.DefaultMaxFrame
	}
	return o
}

// Conn is a core.Link over one TCP socket. Send is safe for concurrent use;
// Recv must be driven by a single goroutine.
type Conn struct {
	raw    net.Conn
	r      *bufio.Reader
	opts   Options
	wmu    sync.Mutex
	closed atomic.Bool
	once   sync.Once
}

func NewConn(c net.Conn, opts Options) *Conn {
	return &Conn{
		raw:  c,
		r:    bufio.NewReader(c),
		opts: opts.withDefaults(),
	}
}

func (c *Conn) Send(env domain.Envelope) error {
	b, err := c.opts.Codec.Encode(env)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrProtocol, err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return fmt.Errorf("%w: %w", domain.ErrLink, net.ErrClosed)
	}
	if c.opts.WriteTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := wire.WriteFrame(c.raw, b); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrLink, err)
	}
	return nil
}

func (c *Conn) Recv() (domain.Envelope, error) {
	b, err := wire.ReadFrame(c.r, c.opts.MaxFrame)
	if err != nil {
		if errors.Is(err, domain.ErrProtocol) {
			return domain.Envelope{}, err
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return domain.Envelope{}, fmt.Errorf("%w: peer closed: %w", domain.ErrLink, err)
		}
		return domain.Envelope{}, fmt.Errorf("%w: %w", domain.ErrLink, err)
	}
	return c.opts.Codec.Decode(b)
}

// Close is idempotent.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.raw.Close()
		log.Debug().Str("module", "adapters.tcp").Str("remote", c.RemoteAddr()).Msg("link closed")
	})
	return err
}

func (c *Conn) LocalAddr() string  { return c.raw.LocalAddr().String() }
func (c *Conn) RemoteAddr() string { return c.raw.RemoteAddr().String() }
