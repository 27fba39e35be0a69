package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

// GuardedSTT implements [stt.Provider] by forwarding StartStream through a
// [Breaker]. Starts cancelled by the caller do not count as failures.
type GuardedSTT struct {
	provider stt.Provider
	breaker  *Breaker
}

// Compile-time interface assertion.
var _ stt.Provider = (*GuardedSTT)(nil)

// GuardSTT wraps p with a breaker built from cfg.
func GuardSTT(p stt.Provider, cfg BreakerConfig) *GuardedSTT {
	return &GuardedSTT{provider: p, breaker: NewBreaker(cfg)}
}

// Breaker returns the breaker guarding p.
func (g *GuardedSTT) Breaker() *Breaker { return g.breaker }

// StartStream opens a session on the wrapped provider unless the breaker is
// open.
func (g *GuardedSTT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	sess, err := g.provider.StartStream(ctx, cfg)
	switch {
	case err == nil:
		g.breaker.Done(nil)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		g.breaker.Abandon()
	default:
		g.breaker.Done(err)
	}
	return sess, err
}
