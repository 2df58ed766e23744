// Package ws carries envelopes over WebSocket, one text message per envelope.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/adapters/wire"
	"github.com/dkeye/chatmesh/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type Options struct {
	Codec      wire.Codec
	ReadLimit  int64
	PingPeriod time.Duration
	// WriteTimeout bounds a single frame write in the write pump.
	WriteTimeout time.Duration
	QueueSize    int
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = wire.JSONCodec{}
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = wire.DefaultMaxFrame
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 32
	}
	return o
}

// Conn is a core.Link over a WebSocket. Writes go through a buffered queue
// drained by writePump; a full queue fails the send instead of blocking.
type Conn struct {
	conn *websocket.Conn
	opts Options
	send chan []byte
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewConn(c *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	wc := &Conn{
		conn: c,
		opts: opts,
		send: make(chan []byte, opts.QueueSize),
		done: make(chan struct{}),
	}
	c.SetReadLimit(opts.ReadLimit)
	if opts.PingPeriod > 0 {
		wait := opts.PingPeriod * 10 / 9
		_ = c.SetReadDeadline(time.Now().Add(wait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(wait))
		})
	}
	go wc.writePump()
	return wc
}

func (c *Conn) Send(env domain.Envelope) error {
	b, err := c.opts.Codec.Encode(env)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrProtocol, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", domain.ErrLink)
	}
	select {
	case <-c.done:
		return fmt.Errorf("%w: write pump stopped", domain.ErrLink)
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		return fmt.Errorf("%w: %w", domain.ErrLink, ErrBackpressure)
	}
}

func (c *Conn) Recv() (domain.Envelope, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return domain.Envelope{}, fmt.Errorf("%w: %w", domain.ErrLink, err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return c.opts.Codec.Decode(data)
	}
}

func (c *Conn) writePump() {
	defer close(c.done)
	var tick <-chan time.Time
	if c.opts.PingPeriod > 0 {
		t := time.NewTicker(c.opts.PingPeriod)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "adapters.ws").Msg("write failed")
				_ = c.conn.Close()
				return
			}
		case <-tick:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// Close lets the write pump flush what is already queued, then closes the
// socket. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(c.opts.WriteTimeout):
	}
	return c.conn.Close()
}

// Probe reports the local view only; a dead peer surfaces through Recv.
func (c *Conn) Probe() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Conn) LocalAddr() string  { return c.conn.LocalAddr().String() }
func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade turns an HTTP request into a Conn.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: ws upgrade: %w", domain.ErrLink, err)
	}
	return NewConn(c, opts), nil
}

// Dial connects to a ws:// URL.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: ws dial %s: %w", domain.ErrLink, url, err)
	}
	return NewConn(c, opts), nil
}
