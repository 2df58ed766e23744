package client

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/chatmesh/internal/adapters/tcp"
	"github.com/dkeye/chatmesh/internal/app/chat"
	"github.com/dkeye/chatmesh/internal/app/proxy"
	"github.com/dkeye/chatmesh/internal/domain"
	"github.com/dkeye/chatmesh/internal/metrics"
)

var fast = tcp.RetryPolicy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}

func startProxy(t *testing.T) (*proxy.Proxy, string) {
	t.Helper()
	ln, err := tcp.Listen("127.0.0.1:0", tcp.Options{})
	require.NoError(t, err)
	p := proxy.New(proxy.Options{HeartbeatInterval: time.Hour}, metrics.NewProxy(prometheus.NewRegistry()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p, ln.Addr()
}

func startServer(t *testing.T, name, proxyAddr string) (*chat.Server, string) {
	t.Helper()
	ln, err := tcp.Listen("127.0.0.1:0", tcp.Options{})
	require.NoError(t, err)
	s := chat.New(chat.Options{
		Name:          name,
		Advertise:     ln.Addr(),
		ProxyAddr:     proxyAddr,
		SweepInterval: 20 * time.Millisecond,
		ProxyRetry:    fast,
		PeerRetry:     tcp.RetryPolicy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 5},
	}, nil, metrics.NewServer(prometheus.NewRegistry(), name))
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

type runResult struct {
	got  chan domain.Envelope
	done chan error
	in   chan domain.Envelope
}

func runClient(t *testing.T, opts Options) *runResult {
	t.Helper()
	r := &runResult{
		got:  make(chan domain.Envelope, 64),
		done: make(chan error, 1),
		in:   make(chan domain.Envelope),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		r.done <- New(opts).Run(ctx, r.in, func(env domain.Envelope) { r.got <- env })
	}()
	return r
}

func (r *runResult) expect(t *testing.T, kind domain.MessageKind) domain.Envelope {
	t.Helper()
	select {
	case env := <-r.got:
		require.Equal(t, kind, env.Kind, "payload %q", env.Payload)
		return env
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", kind)
	}
	return domain.Envelope{}
}

func (r *runResult) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("client did not stop")
	}
	return nil
}

func TestRedirectFollowsUserToOwner(t *testing.T) {
	p, proxyAddr := startProxy(t)
	s1, _ := startServer(t, "S1", proxyAddr)
	require.Eventually(t, func() bool { return p.Registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	s2, addr2 := startServer(t, "S2", proxyAddr)
	require.Eventually(t, func() bool {
		return len(s1.Status().Peers) == 1 && len(s2.Status().Peers) == 1 && len(s2.Status().Sessions) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Park a user on S2 so the proxy routes the new client to S1.
	parked, err := tcp.Dial(context.Background(), addr2, tcp.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = parked.Close() })
	require.Eventually(t, func() bool { return len(s2.Status().Sessions) == 1 }, 2*time.Second, 5*time.Millisecond)
	target := s2.Status().Sessions[0].Name
	require.Eventually(t, func() bool {
		rec, _ := p.Registry.Lookup("S2")
		return rec.LoadHint == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := s1.View().Locate(target)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	r := runClient(t, Options{ProxyAddr: proxyAddr, Retry: fast})
	require.Eventually(t, func() bool { return len(s1.Status().Sessions) == 1 }, 2*time.Second, 5*time.Millisecond)

	r.in <- ParseLine("chat with " + string(target))
	moved := r.expect(t, domain.KindChangeServer)
	assert.Equal(t, string(target), moved.Payload)

	joined := r.expect(t, domain.KindConfirmJoined)
	assert.Equal(t, "Joined MainHall. You both are in MainHall", joined.Payload)
	assert.Empty(t, s1.Status().Sessions)
	assert.Len(t, s2.Status().Sessions, 2)

	close(r.in)
	require.NoError(t, r.wait(t))
	require.Eventually(t, func() bool { return len(s2.Status().Sessions) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestNoServerReportsUnavailable(t *testing.T) {
	_, proxyAddr := startProxy(t)

	r := runClient(t, Options{ProxyAddr: proxyAddr, Retry: tcp.RetryPolicy{Initial: 5 * time.Millisecond, MaxAttempts: 1}})
	r.expect(t, domain.KindServerUnavailable)
	err := r.wait(t)
	require.ErrorIs(t, err, domain.ErrRouting)
}

func TestTerminateEndsSession(t *testing.T) {
	p, proxyAddr := startProxy(t)
	s1, _ := startServer(t, "S1", proxyAddr)
	require.Eventually(t, func() bool { return p.Registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	r := runClient(t, Options{ProxyAddr: proxyAddr, Retry: fast})
	require.Eventually(t, func() bool { return len(s1.Status().Sessions) == 1 }, 2*time.Second, 5*time.Millisecond)

	r.in <- ParseLine("create chat room")
	r.expect(t, domain.KindConfirmCreated)
	r.in <- ParseLine("terminate")
	require.NoError(t, r.wait(t))
	require.Eventually(t, func() bool { return len(s1.Status().Sessions) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestParseLine(t *testing.T) {
	cases := []struct {
		line    string
		kind    domain.MessageKind
		payload string
	}{
		{"create chat room", domain.KindNewChatroom, ""},
		{"Join Chat Room S1R0", domain.KindJoinChatroom, "S1R0"},
		{"add user S1C2", domain.KindAddUser, "S1C2"},
		{"kick user  S1C2 ", domain.KindRemoveUser, "S1C2"},
		{"chat with S2C0", domain.KindChatWithUser, "S2C0"},
		{"exit", domain.KindExitRoom, ""},
		{"terminate", domain.KindTerminateUser, ""},
		{"join chat room", domain.KindChatMessage, "join chat room"},
		{"hello there", domain.KindChatMessage, "hello there"},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			env := ParseLine(tc.line)
			assert.Equal(t, tc.kind, env.Kind)
			assert.Equal(t, tc.payload, env.Payload)
		})
	}
}

func TestRender(t *testing.T) {
	assert.Equal(t, "Changing server to reach S2C0...", Render(domain.NewEnvelope(domain.KindChangeServer, "S1", "", "S2C0")))
	assert.Equal(t, "hi", Render(domain.NewEnvelope(domain.KindChatMessage, "S1C0", "", "hi")))
}
