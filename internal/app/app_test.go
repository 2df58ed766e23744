package app

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dkeye/chatmesh/internal/domain"
)

func TestSimplePolicy(t *testing.T) {
	p := SimplePolicy{}
	assert.Equal(t, KickMember, p.OnSendFailure("S1C0", fmt.Errorf("%w: reset", domain.ErrLink)))
	assert.Equal(t, DropMessage, p.OnSendFailure("S1C0", errors.New("encode")))
	assert.Equal(t, "kick", KickMember.String())
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("S1C0"))
	assert.True(t, rl.Allow("S1C0"))
	assert.False(t, rl.Allow("S1C0"))
	assert.True(t, rl.Allow("S1C1"), "limits are per user")

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.Allow("S1C0"))

	rl.Forget("S1C0")
	assert.True(t, rl.Allow("S1C0"))
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Second)
	for range 100 {
		assert.True(t, rl.Allow("S1C0"))
	}
	var nilLimiter *RateLimiter
	assert.True(t, nilLimiter.Allow("S1C0"))
}
