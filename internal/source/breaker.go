package source

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/cascade"
)

// ErrProviderOpen is returned without calling the provider while its
// breaker is open.
var ErrProviderOpen = eris.New("source: provider circuit open")

// BreakerState is the state of a Guarded provider.
type BreakerState int

const (
	// BreakerClosed passes every lookup through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects lookups until the cooldown has elapsed.
	BreakerOpen
	// BreakerHalfOpen lets one probe lookup through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Guarded stops calling a provider after consecutive failures. A rejected
// lookup is still a provider error to the cascade, so the engine treats it
// as "no data" without waiting on a dead service once per feature.
type Guarded struct {
	inner     cascade.Provider
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time

	// now allows test injection of time.
	now func() time.Time
}

// NewGuarded wraps inner. Defaults: three failures, five minutes cooldown.
func NewGuarded(inner cascade.Provider, threshold int, cooldown time.Duration) *Guarded {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Guarded{inner: inner, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Name implements cascade.Provider with the inner provider's name.
func (g *Guarded) Name() string { return g.inner.Name() }

// State returns the current breaker state.
func (g *Guarded) State() BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == BreakerOpen && g.now().Sub(g.openedAt) >= g.cooldown {
		return BreakerHalfOpen
	}
	return g.state
}

// Lookup implements cascade.Provider.
func (g *Guarded) Lookup(ctx context.Context, req cascade.Request) (map[string]building.Value, error) {
	if err := g.allow(); err != nil {
		return nil, eris.Wrapf(err, "source: %s", g.inner.Name())
	}
	values, err := g.inner.Lookup(ctx, req)
	// a cancelled run says nothing about the provider
	if err != nil && ctx.Err() != nil {
		return values, err
	}
	g.record(err)
	return values, err
}

func (g *Guarded) allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case BreakerOpen:
		if g.now().Sub(g.openedAt) < g.cooldown {
			return ErrProviderOpen
		}
		g.transition(BreakerHalfOpen)
	}
	return nil
}

func (g *Guarded) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		g.failures = 0
		if g.state == BreakerHalfOpen {
			g.transition(BreakerClosed)
		}
		return
	}

	g.failures++
	switch g.state {
	case BreakerClosed:
		if g.failures >= g.threshold {
			g.openedAt = g.now()
			g.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		g.openedAt = g.now()
		g.transition(BreakerOpen)
	}
}

func (g *Guarded) transition(to BreakerState) {
	from := g.state
	g.state = to
	zap.L().Warn("source: provider breaker state change",
		zap.String("provider", g.inner.Name()),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failures", g.failures),
	)
}
