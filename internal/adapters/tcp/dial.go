package tcp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/chatmesh/internal/domain"
)

// RetryPolicy bounds reconnection. Zero MaxElapsed and zero MaxAttempts mean
// keep trying until ctx is done.
type RetryPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxElapsed  time.Duration
	MaxAttempts uint64
}

// BackOff builds the exponential schedule for p, bound to ctx.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		eb.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	eb.MaxElapsedTime = p.MaxElapsed
	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts)
	}
	return backoff.WithContext(b, ctx)
}

func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", domain.ErrLink, addr, err)
	}
	return NewConn(raw, opts), nil
}

// DialRetry dials addr until it succeeds or the policy gives up.
func DialRetry(ctx context.Context, addr string, policy RetryPolicy, opts Options) (*Conn, error) {
	var conn *Conn
	op := func() error {
		c, err := Dial(ctx, addr, opts)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("module", "adapters.tcp").Str("addr", addr).Dur("retry_in", wait).Msg("dial failed")
	}
	if err := backoff.RetryNotify(op, policy.BackOff(ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}
