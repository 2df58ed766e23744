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
	"github.com/dkeye/chatmesh/internal/app/proxy"
	"github.com/dkeye/chatmesh/internal/config"
	"github.com/dkeye/chatmesh/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	pc := cfg.Proxy

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ln, err := tcp.Listen(pc.Listen, tcp.Options{MaxFrame: pc.MaxFrame, WriteTimeout: pc.WriteTimeout})
	if err != nil {
		log.Fatal().Err(err).Str("addr", pc.Listen).Msg("cannot listen")
	}
	p := proxy.New(proxy.Options{HeartbeatInterval: pc.HeartbeatInterval, MaxMissed: pc.MaxMissed}, metrics.NewProxy(reg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := router.SetupRouter(ctx, router.Deps{
		Mode:     cfg.Mode,
		Status:   func() any { return p.Status() },
		Gatherer: reg,
	})
	admin := &http.Server{Addr: pc.HTTPListen, Handler: r}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := p.Run(ctx, ln); err != nil && ctx.Err() == nil {
			log.Fatal().Err(err).Msg("proxy stopped")
		}
	}()
	go func() {
		log.Info().Str("addr", pc.HTTPListen).Msg("admin http started")
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin http error")
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), shutdownTimeout, map[string]gfshutdown.Operation{
		"proxy": func(ctx context.Context) error {
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
	log.Info().Int("code", code).Msg("proxy exited")
	os.Exit(code)
}
