package resolver

import (
	"context"
	"errors"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/census"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/feature"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/geometry"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/kriging"
)

// interpolate estimates the work set from the valid non-negative values of
// the other buildings, at footprint centroids. A building without a centroid
// gets no location, which makes the interpolator use the plain mean.
func (r *Resolver) interpolate(spec *feature.Spec, c *building.Collection, work []*building.Entity, rep *Report) error {
	inWork := make(map[*building.Entity]bool, len(work))
	for _, e := range work {
		inWork[e] = true
	}

	var known []kriging.Sample
	for _, e := range c.Entities {
		if inWork[e] || !r.validator.Valid(spec, e) {
			continue
		}
		v, ok := number(e, spec.Name)
		if !ok || v < 0 {
			continue
		}
		x, y := centroidXY(e)
		known = append(known, kriging.Sample{X: x, Y: y, Value: v})
	}

	points := make([]kriging.Point, len(work))
	for i, e := range work {
		x, y := centroidXY(e)
		points[i] = kriging.Point{X: x, Y: y}
	}
	if len(points) == 0 {
		return nil
	}

	est, err := r.interpolator.Estimate(known, points)
	if errors.Is(err, kriging.ErrNoSamples) {
		zap.L().Warn("resolver: nothing to interpolate from", zap.String("feature", spec.Name), zap.Int("unknown", len(points)))
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "resolver: interpolate %s", spec.Name)
	}

	for i, e := range work {
		e.Set(spec.Name, building.Number(est.Values[i]))
	}
	rep.Fallback = string(est.Method)
	rep.FromFallback = len(work)
	return nil
}

// centroidXY returns NaN coordinates when the footprint has no centroid.
func centroidXY(e *building.Entity) (float64, float64) {
	p, err := geometry.Centroid(e.Geometry)
	if err != nil {
		zap.L().Debug("resolver: no centroid", zap.String("building", e.ID), zap.Error(err))
		return math.NaN(), math.NaN()
	}
	return p[0], p[1]
}

// allocate spreads each group's remaining aggregate over the work set. The
// remaining aggregate is the group total minus what valid group members
// already hold.
func (r *Resolver) allocate(spec *feature.Spec, c *building.Collection, work []*building.Entity, ro resolveOpts, rep *Report) error {
	weightAttr := spec.Params.String(feature.ParamWeight, "")
	groupAttr := spec.Params.String(feature.ParamGroup, "")
	aggregateAttr := spec.Params.String(feature.ParamAggregate, "")
	rounding := census.Rounding(spec.Params.String(feature.ParamRounding, string(census.RoundFloor)))
	if weightAttr == "" || groupAttr == "" {
		return eris.Wrapf(feature.ErrInvalidSpec, "resolver: allocate %s needs weight and group", spec.Name)
	}

	totals := ro.totals
	if totals == nil {
		totals = census.TotalsFromAttribute(c, groupAttr, aggregateAttr)
	}

	inWork := make(map[*building.Entity]bool, len(work))
	for _, e := range work {
		inWork[e] = true
	}
	remaining := make(census.Totals, len(totals))
	for k, v := range totals {
		remaining[k] = v
	}
	for _, e := range c.Entities {
		if inWork[e] || !r.validator.Valid(spec, e) {
			continue
		}
		key := e.Get(groupAttr).Text()
		if _, ok := remaining[key]; !ok {
			continue
		}
		if v, ok := number(e, spec.Name); ok {
			remaining[key] = max(0, remaining[key]-int(v))
		}
	}

	members := make([]census.Member, 0, len(work))
	for _, e := range work {
		w, _ := number(e, weightAttr)
		members = append(members, census.Member{ID: e.ID, Group: e.Get(groupAttr).Text(), Weight: w})
	}
	alloc, groups := census.Allocate(members, remaining, rounding)
	for _, e := range work {
		e.Set(spec.Name, building.Number(float64(alloc[e.ID])))
	}
	for _, g := range groups {
		zap.L().Debug("resolver: group allocated",
			zap.String("feature", spec.Name),
			zap.String("group", g.Group),
			zap.Int("aggregate", g.Aggregate),
			zap.Int("allocated", g.Allocated),
			zap.Int("members", g.Members),
		)
	}
	rep.Fallback = "allocate"
	rep.FromFallback = len(work)
	return nil
}

func (r *Resolver) calculate(ctx context.Context, spec *feature.Spec, c *building.Collection, work []*building.Entity, rep *Report) error {
	ruleName := spec.Params.String(feature.ParamRule, spec.Name)
	rule, ok := r.rules.Get(ruleName)
	if !ok {
		return eris.Wrapf(feature.ErrInvalidSpec, "resolver: no rule %q for feature %s", ruleName, spec.Name)
	}

	rc := &RuleContext{Ctx: ctx, Spec: spec, Collection: c}
	if r.census != nil {
		if err := r.census.Reproject(c.CRS); err != nil {
			return eris.Wrap(err, "resolver: census layer")
		}
		rc.Census = r.census
	}

	values, err := rule(rc, work)
	if err != nil {
		return eris.Wrapf(err, "resolver: rule %s", ruleName)
	}
	n := 0
	for _, e := range work {
		if v, ok := values[e.ID]; ok && !v.IsAbsent() {
			e.Set(spec.Name, v)
			n++
		}
	}
	rep.Fallback = "rule:" + ruleName
	rep.FromFallback = n
	return nil
}
