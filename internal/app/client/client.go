// Package client drives one chat user: it asks the proxy for a server, keeps
// a long-lived session with it and follows change_server redirects.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/adapters/tcp"
	"github.com/dkeye/chatmesh/internal/core"
	"github.com/dkeye/chatmesh/internal/domain"
)

// Sender is the sender field of envelopes the client builds itself.
const Sender = "client"

var (
	errNoOwner    = errors.New("redirect target has no server")
	errServerLost = errors.New("server lost")
)

type Options struct {
	ProxyAddr string
	Retry     tcp.RetryPolicy
	Link      tcp.Options
}

type Client struct {
	opts Options
}

func New(opts Options) *Client {
	return &Client{opts: opts}
}

// Run forwards every envelope from in to the current server and hands every
// envelope the client receives to out, including proxy replies and the
// change_server notice. Closing in, or sending terminate_user, ends the
// session; Run then returns nil.
func (c *Client) Run(ctx context.Context, in <-chan domain.Envelope, out func(domain.Envelope)) error {
	req := domain.NewEnvelope(domain.KindConnectToServer, Sender, "", "")
	var resend *domain.Envelope
	relocate := c.opts.Retry.BackOff(ctx)

	for {
		endpoint, err := c.locate(ctx, req, out)
		if errors.Is(err, errNoOwner) {
			req, resend = domain.NewEnvelope(domain.KindConnectToServer, Sender, "", ""), nil
			continue
		}
		if err != nil {
			return err
		}

		link, err := tcp.Dial(ctx, endpoint, c.opts.Link)
		if err == nil {
			relocate.Reset()
			log.Info().Str("module", "app.client").Str("server", endpoint).Msg("connected to server")
			var target string
			target, err = c.session(ctx, link, resend, in, out)
			if err == nil && target == "" {
				return nil
			}
			if err == nil {
				log.Info().Str("module", "app.client").Str("target", target).Msg("changing server")
				req = domain.NewEnvelope(domain.KindChangeServer, Sender, "", target)
				again := domain.NewEnvelope(domain.KindChatWithUser, Sender, "", target)
				resend = &again
				continue
			}
			if !errors.Is(err, errServerLost) {
				return err
			}
		}

		log.Warn().Err(err).Str("module", "app.client").Str("server", endpoint).Msg("server lost, asking proxy again")
		wait := relocate.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: giving up on %s", domain.ErrLink, endpoint)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		req, resend = domain.NewEnvelope(domain.KindConnectToServer, Sender, "", ""), nil
	}
}

// locate performs one short proxy exchange per attempt. A connect request is
// retried while no server is registered; a redirect whose owner is gone is not.
func (c *Client) locate(ctx context.Context, req domain.Envelope, out func(domain.Envelope)) (string, error) {
	var endpoint string
	op := func() error {
		link, err := tcp.Dial(ctx, c.opts.ProxyAddr, c.opts.Link)
		if err != nil {
			return err
		}
		defer link.Close()

		req.Origin = link.LocalAddr()
		if err := link.Send(req); err != nil {
			return err
		}
		reply, err := link.Recv()
		if err != nil {
			return err
		}
		switch reply.Kind {
		case domain.KindServerInfo:
			if _, _, err := domain.ParseEndpoint(reply.Payload); err != nil {
				return backoff.Permanent(err)
			}
			endpoint = reply.Payload
			return nil
		case domain.KindServerUnavailable:
			out(reply)
			if req.Kind == domain.KindChangeServer {
				return backoff.Permanent(fmt.Errorf("%w: %s", errNoOwner, reply.Payload))
			}
			return fmt.Errorf("%w: %s", domain.ErrRouting, reply.Payload)
		default:
			return backoff.Permanent(fmt.Errorf("%w: unexpected %s from proxy", domain.ErrProtocol, reply.Kind))
		}
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("module", "app.client").Str("proxy", c.opts.ProxyAddr).Dur("retry_in", wait).Msg("no server yet")
	}
	if err := backoff.RetryNotify(op, c.opts.Retry.BackOff(ctx), notify); err != nil {
		return "", err
	}
	return endpoint, nil
}

// session pumps one server connection. It returns the redirect target when
// the server hands the user off, "" when the user is done, or errServerLost.
func (c *Client) session(ctx context.Context, link core.Link, resend *domain.Envelope, in <-chan domain.Envelope, out func(domain.Envelope)) (string, error) {
	redirect := make(chan string, 1)
	lost := make(chan error, 1)
	readerDone := make(chan struct{})
	defer func() {
		_ = link.Close()
		<-readerDone
	}()

	go func() {
		defer close(readerDone)
		for env, err := range core.Envelopes(link) {
			if err != nil {
				lost <- err
				return
			}
			out(env)
			if env.Kind == domain.KindChangeServer {
				redirect <- env.Payload
				return
			}
		}
	}()

	if resend != nil {
		env := *resend
		env.Origin = link.LocalAddr()
		if err := link.Send(env); err != nil {
			return "", fmt.Errorf("%w: %w", errServerLost, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case target := <-redirect:
			return target, nil
		case err := <-lost:
			return "", fmt.Errorf("%w: %w", errServerLost, err)
		case env, ok := <-in:
			if !ok {
				env = domain.NewEnvelope(domain.KindTerminateUser, Sender, "", "")
			}
			if env.Sender == "" {
				env.Sender = Sender
			}
			env.Origin = link.LocalAddr()
			if err := link.Send(env); err != nil {
				return "", fmt.Errorf("%w: %w", errServerLost, err)
			}
			if env.Kind == domain.KindTerminateUser {
				return "", nil
			}
		}
	}
}
