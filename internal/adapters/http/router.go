// Package http is the admin and browser surface of a mesh process: status,
// health, Prometheus metrics and, on chat servers, a WebSocket entry for clients.
package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/adapters/ws"
	"github.com/dkeye/chatmesh/internal/core"
)

// Deps is what a process exposes over HTTP. Nil fields drop their routes.
type Deps struct {
	// Mode is the gin mode: release, debug or test.
	Mode     string
	Status   func() any
	Rooms    func() []core.RoomInfo
	Gatherer prometheus.Gatherer
	// OnClient serves an upgraded WebSocket until the session ends.
	OnClient func(ctx context.Context, link core.Link)
	WS       ws.Options
}

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware tags every caller with a long-lived "ct" cookie so
// WebSocket sessions can be correlated in logs across reconnects.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, d Deps) *gin.Engine {
	switch d.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if d.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	if d.Status != nil {
		api.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, d.Status())
		})
	}
	if d.Rooms != nil {
		api.GET("/rooms", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"rooms": d.Rooms()})
		})
	}
	if d.OnClient != nil {
		api.GET("/ws", func(c *gin.Context) {
			link, err := ws.Upgrade(c.Writer, c.Request, d.WS)
			if err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("ws upgrade failed")
				return
			}
			log.Info().Str("module", "adapters.http").Str("ct", c.GetString("client_token")).Str("remote", link.RemoteAddr()).Msg("ws client connected")
			d.OnClient(ctx, link)
		})
	}

	log.Info().Str("module", "adapters.http").Str("mode", d.Mode).Msg("router setup")
	return r
}
