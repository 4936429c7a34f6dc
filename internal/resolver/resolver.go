// Package resolver fills one building attribute at a time: it finds the
// buildings whose value is missing or invalid, asks the source cascade,
// falls back to interpolation, census allocation or a calculation rule, and
// finally validates the whole column.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/cascade"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/census"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/crs"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/feature"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/kriging"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/validate"
)

// Report summarises one feature resolution.
type Report struct {
	Feature  string `json:"feature"`
	Strategy string `json:"strategy"`
	Total    int    `json:"total"`
	WorkSet  int    `json:"work_set"`
	// Skipped lists buildings left out for missing required inputs.
	Skipped        []string       `json:"skipped,omitempty"`
	FromSources    map[string]int `json:"from_sources,omitempty"`
	ProviderErrors int            `json:"provider_errors"`
	FromFallback   int            `json:"from_fallback"`
	// Fallback names the method used after the cascade: kriging, mean,
	// allocate or rule:<name>. Empty when nothing was left to fill.
	Fallback   string         `json:"fallback,omitempty"`
	Validation validate.Stats `json:"validation"`
	// Unresolved lists buildings still invalid after validation.
	Unresolved []string      `json:"unresolved,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Observer receives every finished report.
type Observer interface {
	ObserveReport(r *Report)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCascade sets the source cascade. Without one only fallbacks run.
func WithCascade(c *cascade.Cascade) Option {
	return func(r *Resolver) { r.cascade = c }
}

// WithHarmonizer sets the geographic and projected CRS pair.
func WithHarmonizer(h *crs.Harmonizer) Option {
	return func(r *Resolver) { r.harmonizer = h }
}

// WithInterpolator sets the kriging estimator.
func WithInterpolator(in *kriging.Interpolator) Option {
	return func(r *Resolver) { r.interpolator = in }
}

// WithValidator sets the validator.
func WithValidator(v *validate.Validator) Option {
	return func(r *Resolver) { r.validator = v }
}

// WithRules replaces the calculation rule registry.
func WithRules(rules *Rules) Option {
	return func(r *Resolver) { r.rules = rules }
}

// WithCensus sets the census section layer used by census-aware rules.
func WithCensus(l *census.Layer) Option {
	return func(r *Resolver) { r.census = l }
}

// WithObserver registers a report observer such as the metrics collector.
func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.observers = append(r.observers, o) }
}

// ResolveOption adjusts a single Resolve call.
type ResolveOption func(*resolveOpts)

type resolveOpts struct {
	totals census.Totals
}

// WithGroupTotals supplies allocation aggregates directly instead of reading
// them from the aggregate attribute.
func WithGroupTotals(t census.Totals) ResolveOption {
	return func(o *resolveOpts) { o.totals = t }
}

// Resolver runs feature resolutions against a shared spec table. It is not
// safe to resolve on the same collection from several goroutines.
type Resolver struct {
	table        *feature.Table
	cascade      *cascade.Cascade
	harmonizer   *crs.Harmonizer
	interpolator *kriging.Interpolator
	validator    *validate.Validator
	rules        *Rules
	census       *census.Layer
	observers    []Observer
}

// New creates a Resolver. Defaults: WGS84 and UTM 32N, kriging with three
// minimum samples, built-in rules, no sources.
func New(table *feature.Table, opts ...Option) *Resolver {
	r := &Resolver{
		table:        table,
		harmonizer:   &crs.Harmonizer{Geographic: crs.WGS84, Projected: 32632},
		interpolator: kriging.New(),
		validator:    validate.New(),
		rules:        NewRules(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// IsConfigError reports whether err is a configuration defect that must
// stop the run.
func IsConfigError(err error) bool {
	return errors.Is(err, feature.ErrUnknownFeature) || errors.Is(err, feature.ErrInvalidSpec)
}

// Resolve fills the named feature on every building of c in place. The
// collection's CRS on return equals its CRS on entry. An unknown feature is
// a configuration error; source failures are logged and counted only.
func (r *Resolver) Resolve(ctx context.Context, c *building.Collection, name string, opts ...ResolveOption) (rep *Report, err error) {
	spec, err := r.table.Lookup(name)
	if err != nil {
		return nil, err
	}
	var ro resolveOpts
	for _, o := range opts {
		o(&ro)
	}

	start := time.Now()
	rep = &Report{
		Feature:     name,
		Strategy:    string(spec.Strategy),
		Total:       c.Len(),
		FromSources: map[string]int{},
	}

	c.EnsureColumn(name)
	restore := r.harmonizer.Scope(c)
	defer func() {
		if rerr := restore(); rerr != nil && err == nil {
			err = eris.Wrapf(rerr, "resolver: restore crs for %s", name)
		}
	}()

	if spec.Type != feature.TypePolygon {
		work := r.workSet(spec, c)
		rep.WorkSet = len(work)
		work, rep.Skipped = r.withInputs(spec, work)

		if len(work) > 0 && r.cascade != nil {
			if err := r.harmonizer.ToGeographic(c); err != nil {
				return rep, eris.Wrapf(err, "resolver: geographic crs for %s", name)
			}
			work = r.runCascade(ctx, spec, c, work, rep)
		}

		if len(work) > 0 {
			if err := r.harmonizer.ToProjected(c); err != nil {
				return rep, eris.Wrapf(err, "resolver: projected crs for %s", name)
			}
			if err := r.fallback(ctx, spec, c, work, ro, rep); err != nil {
				if IsConfigError(err) {
					return rep, err
				}
				zap.L().Warn("resolver: fallback failed", zap.String("feature", name), zap.Error(err))
			}
		}
	}

	rep.Validation = r.validator.Apply(c, spec)
	for _, e := range c.Entities {
		if !r.validator.Valid(spec, e) {
			rep.Unresolved = append(rep.Unresolved, e.ID)
		}
	}
	rep.Elapsed = time.Since(start)

	zap.L().Info("resolver: feature resolved",
		zap.String("feature", name),
		zap.Int("total", rep.Total),
		zap.Int("work_set", rep.WorkSet),
		zap.Int("skipped", len(rep.Skipped)),
		zap.Any("from_sources", rep.FromSources),
		zap.String("fallback", rep.Fallback),
		zap.Int("from_fallback", rep.FromFallback),
		zap.Int("unresolved", len(rep.Unresolved)),
		zap.Duration("elapsed", rep.Elapsed),
	)
	for _, o := range r.observers {
		o.ObserveReport(rep)
	}
	return rep, nil
}

// ResolveAll resolves features in the given order. Dependencies are not
// sequenced automatically. A configuration error stops the run; other
// failures are collected and the next feature proceeds.
func (r *Resolver) ResolveAll(ctx context.Context, c *building.Collection, names []string, opts ...ResolveOption) ([]*Report, error) {
	reports := make([]*Report, 0, len(names))
	var errs []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return reports, eris.Wrap(err, "resolver: cancelled")
		}
		rep, err := r.Resolve(ctx, c, name, opts...)
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			if IsConfigError(err) {
				return reports, err
			}
			zap.L().Error("resolver: feature failed", zap.String("feature", name), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

func (r *Resolver) workSet(spec *feature.Spec, c *building.Collection) []*building.Entity {
	var work []*building.Entity
	for _, e := range c.Entities {
		if !r.validator.Valid(spec, e) {
			work = append(work, e)
		}
	}
	return work
}

// withInputs splits off buildings missing a required input. An input counts
// as present when it is valid under its own spec, or merely non-absent when
// the table has no spec for it.
func (r *Resolver) withInputs(spec *feature.Spec, work []*building.Entity) (ready []*building.Entity, skipped []string) {
	if len(spec.Required) == 0 {
		return work, nil
	}
	reqSpecs := make([]*feature.Spec, len(spec.Required))
	for i, name := range spec.Required {
		if s, err := r.table.Lookup(name); err == nil {
			reqSpecs[i] = s
		}
	}
	for _, e := range work {
		ok := true
		for i, name := range spec.Required {
			if reqSpecs[i] != nil {
				ok = r.validator.Valid(reqSpecs[i], e)
			} else {
				ok = !e.Get(name).IsAbsent()
			}
			if !ok {
				break
			}
		}
		if ok {
			ready = append(ready, e)
		} else {
			skipped = append(skipped, e.ID)
		}
	}
	if len(skipped) > 0 {
		zap.L().Debug("resolver: skipped buildings missing inputs",
			zap.String("feature", spec.Name),
			zap.Strings("required", spec.Required),
			zap.Int("skipped", len(skipped)),
		)
	}
	return ready, skipped
}

func (r *Resolver) runCascade(ctx context.Context, spec *feature.Spec, c *building.Collection, work []*building.Entity, rep *Report) []*building.Entity {
	res := r.cascade.Run(ctx, spec, work, c.CRS, func(v building.Value) bool {
		return r.validator.Accept(spec, v)
	})
	for _, a := range res.Attempts {
		if a.Err != nil {
			rep.ProviderErrors++
		}
	}

	var rest []*building.Entity
	for _, e := range work {
		v, ok := res.Values[e.ID]
		if !ok {
			rest = append(rest, e)
			continue
		}
		coerced, _ := r.validator.Check(spec, v)
		e.Set(spec.Name, coerced)
	}
	for name, n := range res.Resolved() {
		rep.FromSources[name] += n
	}
	return rest
}

func (r *Resolver) fallback(ctx context.Context, spec *feature.Spec, c *building.Collection, work []*building.Entity, ro resolveOpts, rep *Report) error {
	switch spec.Strategy {
	case feature.StrategyInterpolate:
		return r.interpolate(spec, c, work, rep)
	case feature.StrategyAllocate:
		return r.allocate(spec, c, work, ro, rep)
	case feature.StrategyCalculate:
		return r.calculate(ctx, spec, c, work, rep)
	default:
		return nil
	}
}
