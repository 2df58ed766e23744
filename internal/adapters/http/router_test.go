package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/chatmesh/internal/adapters/ws"
	"github.com/dkeye/chatmesh/internal/core"
	"github.com/dkeye/chatmesh/internal/domain"
)

func testRouter(t *testing.T, d Deps) *httptest.Server {
	t.Helper()
	d.Mode = "test"
	srv := httptest.NewServer(SetupRouter(context.Background(), d))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestHealthzSetsClientToken(t *testing.T) {
	srv := testRouter(t, Deps{})
	resp, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	var token string
	for _, c := range resp.Cookies() {
		if c.Name == "ct" {
			token = c.Value
		}
	}
	assert.Len(t, token, 36)
}

func TestStatusRoomsAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	hits := prometheus.NewCounter(prometheus.CounterOpts{Name: "chatmesh_test_hits_total", Help: "test"})
	reg.MustRegister(hits)
	hits.Inc()

	srv := testRouter(t, Deps{
		Status:   func() any { return map[string]string{"server": "S1"} },
		Rooms:    func() []core.RoomInfo { return []core.RoomInfo{{Name: "S1R0", Kind: domain.RoomNamed.String(), MemberCount: 2}} },
		Gatherer: reg,
	})

	resp, body := get(t, srv.URL+"/api/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"server":"S1"}`, body)

	_, body = get(t, srv.URL+"/api/rooms")
	assert.Contains(t, body, `"S1R0"`)

	_, body = get(t, srv.URL+"/metrics")
	assert.Contains(t, body, "chatmesh_test_hits_total 1")
}

func TestMissingDepsHaveNoRoutes(t *testing.T) {
	srv := testRouter(t, Deps{})
	for _, path := range []string{"/api/status", "/api/rooms", "/metrics", "/api/ws"} {
		resp, _ := get(t, srv.URL+path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestWebSocketClientIsHandedOver(t *testing.T) {
	srv := testRouter(t, Deps{
		OnClient: func(ctx context.Context, link core.Link) {
			defer link.Close()
			for env, err := range core.Envelopes(link) {
				if err != nil {
					return
				}
				_ = link.Send(domain.NewEnvelope(domain.KindChatMessage, "S1", link.LocalAddr(), "You: "+env.Payload))
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", ws.Options{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(domain.NewEnvelope(domain.KindChatMessage, "client", c.LocalAddr(), "hello")))
	got, err := c.Recv()
	require.NoError(t, err)
	assert.Equal(t, "You: hello", got.Payload)
}
