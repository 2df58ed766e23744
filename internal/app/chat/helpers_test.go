package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/chatmesh/internal/adapters/tcp"
	"github.com/dkeye/chatmesh/internal/domain"
	"github.com/dkeye/chatmesh/internal/metrics"
)

// memLink is an in-memory core.Link that records what the server sends.
type memLink struct {
	mu       sync.Mutex
	sent     []domain.Envelope
	sendErr  error
	dead     atomic.Bool
	in       chan domain.Envelope
	closed   chan struct{}
	once     sync.Once
	closeCnt atomic.Int32
}

func newMemLink() *memLink {
	return &memLink{in: make(chan domain.Envelope, 16), closed: make(chan struct{})}
}

func (l *memLink) Send(env domain.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, env)
	return nil
}

func (l *memLink) Recv() (domain.Envelope, error) {
	select {
	case env := <-l.in:
		return env, nil
	case <-l.closed:
		return domain.Envelope{}, fmt.Errorf("%w: closed", domain.ErrLink)
	}
}

func (l *memLink) Close() error {
	l.closeCnt.Add(1)
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *memLink) LocalAddr() string  { return "mem-local" }
func (l *memLink) RemoteAddr() string { return "mem-remote" }
func (l *memLink) Probe() bool        { return !l.dead.Load() }

func (l *memLink) take() []domain.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.sent
	l.sent = nil
	return out
}

func kinds(envs []domain.Envelope) []domain.MessageKind {
	out := make([]domain.MessageKind, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Kind)
	}
	return out
}

func newTestServer(name string) *Server {
	return New(Options{Name: name, Advertise: "127.0.0.1:1"}, nil, metrics.NewServer(prometheus.NewRegistry(), name))
}

// join admits a session over a memLink without running its handler.
func join(s *Server) (domain.UserName, *memLink) {
	l := newMemLink()
	name, fx := s.admit(l, func() { _ = l.Close() })
	s.flush(fx)
	settle(s)
	return name, l
}

func do(s *Server, name domain.UserName, kind domain.MessageKind, payload string) sessionState {
	st, fx := s.dispatch(name, domain.NewEnvelope(kind, string(name), "", payload))
	s.flush(fx)
	settle(s)
	return st
}

// peerLink attaches a memLink as peer name and drains the state replay.
func peerLink(t *testing.T, s *Server, name string) *memLink {
	t.Helper()
	l := newMemLink()
	require.True(t, s.attachPeer(name, l))
	settle(s)
	l.take()
	return l
}

// settle waits until every queued replication event reached its peer link.
func settle(s *Server) {
	deadline := time.Now().Add(2 * time.Second)
	for !s.peers.idle() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

// gatedLink is a memLink whose Send blocks until the gate is opened.
type gatedLink struct {
	*memLink
	gate chan struct{}
}

func newGatedLink() *gatedLink {
	return &gatedLink{memLink: newMemLink(), gate: make(chan struct{})}
}

func (l *gatedLink) Send(env domain.Envelope) error {
	<-l.gate
	return l.memLink.Send(env)
}

func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	ln, err := tcp.Listen("127.0.0.1:0", tcp.Options{})
	require.NoError(t, err)
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 20 * time.Millisecond
	}
	opts.Advertise = ln.Addr()
	opts.PeerRetry = tcp.RetryPolicy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 5}
	opts.ProxyRetry = tcp.RetryPolicy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	s := New(opts, nil, metrics.NewServer(prometheus.NewRegistry(), opts.Name))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, ln.Addr()
}

type testClient struct {
	t    *testing.T
	conn *tcp.Conn
	got  chan domain.Envelope
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	c, err := tcp.Dial(context.Background(), addr, tcp.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	tc := &testClient{t: t, conn: c, got: make(chan domain.Envelope, 64)}
	go func() {
		defer close(tc.got)
		for {
			env, err := c.Recv()
			if err != nil {
				return
			}
			tc.got <- env
		}
	}()
	return tc
}

func (c *testClient) send(kind domain.MessageKind, payload string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.Send(domain.NewEnvelope(kind, "client", c.conn.LocalAddr(), payload)))
}

func (c *testClient) expect(kind domain.MessageKind) domain.Envelope {
	c.t.Helper()
	select {
	case env, ok := <-c.got:
		require.True(c.t, ok, "link closed while waiting for %s", kind)
		require.Equal(c.t, kind, env.Kind, "payload %q", env.Payload)
		return env
	case <-time.After(3 * time.Second):
		c.t.Fatalf("timed out waiting for %s", kind)
	}
	return domain.Envelope{}
}

func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	select {
	case env, ok := <-c.got:
		if ok {
			c.t.Fatalf("unexpected %s %q", env.Kind, env.Payload)
		}
	case <-time.After(d):
	}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	select {
	case env, ok := <-c.got:
		require.False(c.t, ok, "expected close, got %s", env.Kind)
	case <-time.After(3 * time.Second):
		c.t.Fatal("link still open")
	}
}

func sessionCount(s *Server) int { return len(s.Status().Sessions) }
