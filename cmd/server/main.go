package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/chatmesh/internal/adapters/http"
	"github.com/dkeye/chatmesh/internal/adapters/tcp"
	"github.com/dkeye/chatmesh/internal/adapters/ws"
	"github.com/dkeye/chatmesh/internal/app"
	"github.com/dkeye/chatmesh/internal/app/chat"
	"github.com/dkeye/chatmesh/internal/config"
	"github.com/dkeye/chatmesh/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	sc := cfg.Server

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	linkOpts := tcp.Options{MaxFrame: sc.MaxFrame, WriteTimeout: sc.WriteTimeout}
	ln, err := tcp.Listen(sc.Listen, linkOpts)
	if err != nil {
		log.Fatal().Err(err).Str("addr", sc.Listen).Msg("cannot listen")
	}

	srv := chat.New(chat.Options{
		Name:          sc.Name,
		Advertise:     sc.Advertise,
		ProxyAddr:     sc.ProxyAddr,
		SweepInterval: sc.SweepInterval,
		ProxyRetry:    sc.ProxyRetry.Policy(),
		PeerRetry:     sc.PeerRetry.Policy(),
		Link:          linkOpts,
		RateLimit:     sc.RateLimit.Limit,
		RateWindow:    sc.RateLimit.Window,
	}, app.SimplePolicy{}, metrics.NewServer(reg, sc.Name))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := router.SetupRouter(ctx, router.Deps{
		Mode:     cfg.Mode,
		Status:   func() any { return srv.Status() },
		Rooms:    srv.Rooms,
		Gatherer: reg,
		OnClient: srv.Handle,
		WS:       ws.Options{ReadLimit: sc.ReadLimit, PingPeriod: sc.PingPeriod, WriteTimeout: sc.WriteTimeout},
	})
	admin := &http.Server{Addr: sc.HTTPListen, Handler: r}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := srv.Run(ctx, ln); err != nil && ctx.Err() == nil {
			log.Fatal().Err(err).Str("server", sc.Name).Msg("chat server stopped")
		}
	}()
	go func() {
		log.Info().Str("addr", sc.HTTPListen).Msg("admin http started")
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin http error")
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), shutdownTimeout, map[string]gfshutdown.Operation{
		"chat-server": func(ctx context.Context) error {
			cancel()
			select {
			case <-stopped:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		"admin-http": func(ctx context.Context) error {
			return admin.Shutdown(ctx)
		},
	})
	code := <-wait
	log.Info().Int("code", code).Msg("server exited")
	os.Exit(code)
}
