package cascade

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/feature"
)

// DefaultOrder is the provider priority used when none is configured.
var DefaultOrder = []string{"user", "database", "osm"}

// Attempt records one provider call.
type Attempt struct {
	Provider  string        `json:"provider"`
	Requested int           `json:"requested"`
	Supplied  int           `json:"supplied"`
	Accepted  int           `json:"accepted"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Result is the outcome of a cascade run.
type Result struct {
	// Values maps building id to the first accepted value.
	Values map[string]building.Value
	// Winners maps building id to the provider that supplied the value.
	Winners  map[string]string
	Attempts []Attempt
}

// Resolved counts values per winning provider.
func (r *Result) Resolved() map[string]int {
	out := make(map[string]int)
	for _, p := range r.Winners {
		out[p]++
	}
	return out
}

// ErrorHook is called for every provider failure.
type ErrorHook func(provider string, err error)

// Option configures a Cascade.
type Option func(*Cascade)

// WithOrder sets provider priority. Providers absent from the registry are
// skipped at run time.
func WithOrder(order []string) Option {
	return func(c *Cascade) {
		if len(order) > 0 {
			c.order = append([]string(nil), order...)
		}
	}
}

// WithErrorHook registers a callback for provider failures.
func WithErrorHook(h ErrorHook) Option {
	return func(c *Cascade) { c.onError = h }
}

// Cascade tries providers in priority order until every target has a value.
type Cascade struct {
	registry *Registry
	order    []string
	onError  ErrorHook
}

// New creates a Cascade over the registry.
func New(reg *Registry, opts ...Option) *Cascade {
	c := &Cascade{registry: reg, order: DefaultOrder}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Providers returns the providers that would be consulted for spec, in order.
// A spec without sources consults nothing.
func (c *Cascade) Providers(spec *feature.Spec) []string {
	var out []string
	for _, name := range c.order {
		if _, ok := spec.Source(name); !ok {
			continue
		}
		if c.registry == nil || c.registry.Get(name) == nil {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Run queries each provider at most once. For every target the first value
// passing accept wins; only unresolved targets are sent to the next
// provider. Provider errors are logged and contribute nothing.
func (c *Cascade) Run(ctx context.Context, spec *feature.Spec, targets []*building.Entity, epsg int, accept func(building.Value) bool) *Result {
	res := &Result{
		Values:  make(map[string]building.Value),
		Winners: make(map[string]string),
	}
	pending := targets

	for _, name := range c.Providers(spec) {
		if len(pending) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			zap.L().Warn("cascade: context done, stopping", zap.String("feature", spec.Name), zap.Error(err))
			break
		}

		src, _ := spec.Source(name)
		p := c.registry.Get(name)
		att := Attempt{Provider: name, Requested: len(pending)}
		start := time.Now()

		values, err := lookup(ctx, p, Request{
			Feature: spec.Name,
			Spec:    spec,
			Tag:     src.Tag,
			Targets: pending,
			CRS:     epsg,
		})
		att.Duration = time.Since(start)
		if err != nil {
			att.Err = err
			res.Attempts = append(res.Attempts, att)
			zap.L().Warn("cascade: provider error",
				zap.String("provider", name),
				zap.String("feature", spec.Name),
				zap.Int("requested", att.Requested),
				zap.Error(err),
			)
			if c.onError != nil {
				c.onError(name, err)
			}
			continue
		}

		att.Supplied = len(values)
		next := pending[:0:0]
		for _, e := range pending {
			v, ok := values[e.ID]
			if ok && !v.IsAbsent() && (accept == nil || accept(v)) {
				res.Values[e.ID] = v
				res.Winners[e.ID] = name
				att.Accepted++
				continue
			}
			next = append(next, e)
		}
		pending = next
		res.Attempts = append(res.Attempts, att)

		zap.L().Info("cascade: provider answered",
			zap.String("provider", name),
			zap.String("feature", spec.Name),
			zap.Int("requested", att.Requested),
			zap.Int("supplied", att.Supplied),
			zap.Int("accepted", att.Accepted),
			zap.Duration("duration", att.Duration),
		)
	}
	return res
}

// lookup calls the provider, turning a panic into an error so one broken
// provider cannot abort the run.
func lookup(ctx context.Context, p Provider, req Request) (values map[string]building.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			values = nil
			err = eris.Errorf("cascade: provider %s panicked: %v", p.Name(), rec)
		}
	}()
	return p.Lookup(ctx, req)
}
