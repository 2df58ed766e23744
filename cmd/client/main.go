package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/adapters/tcp"
	"github.com/dkeye/chatmesh/internal/app/client"
	"github.com/dkeye/chatmesh/internal/config"
	"github.com/dkeye/chatmesh/internal/domain"
)

const usage = `Commands:
  create chat room
  join chat room <room>
  add user <user>
  kick user <user>
  chat with <user>
  exit
  terminate
Anything else is sent to your current room.`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl := cfg.Level(); lvl > zerolog.InfoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	in := make(chan domain.Envelope)
	go func() {
		defer close(in)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case in <- client.ParseLine(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Println(usage)
	c := client.New(client.Options{
		ProxyAddr: cfg.Client.ProxyAddr,
		Retry:     cfg.Client.Retry.Policy(),
		Link:      tcp.Options{},
	})
	err = c.Run(ctx, in, func(env domain.Envelope) {
		fmt.Println(client.Render(env))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("client stopped")
		os.Exit(1)
	}
}
