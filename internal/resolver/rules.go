package resolver

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/census"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/feature"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/geometry"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/kriging"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/validate"
)

// RuleContext is what a calculation rule sees. The collection is in the
// projected CRS.
type RuleContext struct {
	Ctx        context.Context
	Spec       *feature.Spec
	Collection *building.Collection
	// Census is the section layer when one was configured, in the
	// collection's CRS.
	Census *census.Layer
}

// Rule derives values for the targets. Targets missing inputs are left out
// of the result.
type Rule func(rc *RuleContext, targets []*building.Entity) (map[string]building.Value, error)

// Rules maps rule names to implementations.
type Rules struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRules returns a registry holding the built-in rules.
func NewRules() *Rules {
	r := &Rules{rules: make(map[string]Rule)}
	for name, fn := range builtinRules {
		r.rules[name] = fn
	}
	return r
}

// Register adds or replaces a rule.
func (r *Rules) Register(name string, fn Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[name] = fn
}

// Get returns a rule by name.
func (r *Rules) Get(name string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.rules[name]
	return fn, ok
}

// List returns the registered rule names, sorted.
func (r *Rules) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for n := range r.rules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var builtinRules = map[string]Rule{
	"building_id":          buildingIDRule,
	"area":                 areaRule,
	"volume":               productRule("area", "height"),
	"gross_floor_area":     productRule("area", "n_floor"),
	"net_leased_area":      netLeasedAreaRule,
	"n_floor":              nFloorRule,
	"census_id":            censusIDRule,
	"tot_area_per_cens_id": totalAreaPerCensusRule,
	"year_of_construction": yearOfConstructionRule,
	"usage":                usageRule,
	"tabula_id":            tabulaIDRule,
	"neighbours_ids":       neighboursRule,
	"choice":               choiceRule,
	"constant":             constantRule,
}

func number(e *building.Entity, attr string) (float64, bool) {
	v := e.Get(attr)
	switch v.Kind {
	case building.KindNumber:
		return v.Num, !math.IsNaN(v.Num)
	case building.KindString:
		return validate.ParseNumber(v.Str)
	default:
		return 0, false
	}
}

func buildingIDRule(_ *RuleContext, targets []*building.Entity) (map[string]building.Value, error) {
	out := make(map[string]building.Value, len(targets))
	for _, e := range targets {
		id := e.ID
		if id == "" {
			id = building.GeometryID(e.Geometry)
		}
		out[e.ID] = building.String(id)
	}
	return out, nil
}

func areaRule(_ *RuleContext, targets []*building.Entity) (map[string]building.Value, error) {
	out := make(map[string]building.Value, len(targets))
	for _, e := range targets {
		if !geometry.IsValidPolygon(e.Geometry) {
			continue
		}
		out[e.ID] = building.Number(kriging.Round2(geometry.Area(e.Geometry)))
	}
	return out, nil
}

func productRule(a, b string) Rule {
	return func(_ *RuleContext, targets []*building.Entity) (map[string]building.Value, error) {
		out := make(map[string]building.Value, len(targets))
		for _, e := range targets {
			x, ok1 := number(e, a)
			y, ok2 := number(e, b)
			if !ok1 || !ok2 {
				continue
			}
			out[e.ID] = building.Number(kriging.Round2(x * y))
		}
		return out, nil
	}
}

func netLeasedAreaRule(rc *RuleContext, targets []*building.Entity) (map[string]building.Value, error) {
	ratio := rc.Spec.Params.Float("ratio", 0.8)
	out := make(map[string]building.Value, len(targets))
	for _, e := range targets {
		gfa, ok := number(e, "gross_floor_area")
		if !ok {
			continue
		}
		out[e.ID] = building.Number(kriging.Round2(gfa * ratio))
	}
	return out, nil
}

func nFloorRule(rc *RuleContext, targets []*building.Entity) (map[string]building.Value, error) {
	floorHeight := rc.Spec.Params.Float("floor_height", 3)
	if floorHeight <= 0 {
		return nil, eris.Wrapf(feature.ErrInvalidSpec, "resolver: n_floor floor_height %v", floorHeight)
	}
	out := make(map[string]building.Value, len(targets))
	for _, e := range targets {
		h, ok := number(e, "height")
		if !ok || h <= 0 {
			continue
		}
		out[e.ID] = building.Number(math.Max(1, math.Round(h/floorHeight)))
	}
	return out, nil
}

// censusIDRule copies the section id carried in source_attr, falling back to
// a centroid lookup in the census layer.
func censusIDRule(rc *RuleContext, targets []*building.Entity) (map[string]building.Value, error) {
	attr := rc.Spec.Params.String("source_attr", "")
	out := make(map[string]building.Value, len(targets))
	for _, e := range targets {
		if attr != "" {
			if v := e.Get(attr); !v.IsAbsent() && v.Text() != "" {
				out[e.ID] = building.String(v.Text())
				continue
			}
		}
		if rc.Census == nil {
			continue
		}
		c, err := geometry.Centroid(e.Geometry)
		if err != nil {
			continue
		}
		if sec, ok := rc.Census.Find(c); ok {
			out[e.ID] = building.String(sec.ID)
		}
	}
	return out, nil
}

func totalAreaPerCensusRule(rc *RuleContext, targets []*building.Entity) (map[string]building.Value, error) {
	sums := make(map[string]float64)
	for _, g := range rc.Collection.Groups("census_id") {
		var total float64
		for _, e := range g.Entities {
			if a, ok := number(e, "area"); ok && a > 0 {
				total += a
			}
		}
		sums[g.Key] = total
	}
	out := make(map[string]building.Value, len(targets))
	for _, e := range targets {
		key := e.Get("census_id").Text()
		if total, ok := sums[key]; ok && key != "" {
			out[e.ID] = building.Number(kriging.Round2(total))
		}
	}
	return out, nil
}

type period struct {
	start, end int
	open       bool
}

// parsePeriod reads "1919-1945" or "2006+".
func parsePeriod(s string) (period, bool) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutSuffix(s, "+"); ok {
		start, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return period{}, false
		}
		return period{start: start, end: math.MaxInt, open: true}, true
	}
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return period{}, false
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(a))
	end, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil || end < start {
		return period{}, false
	}
	return period{start: start, end: end}, true
}

// yearOfConstructionRule assigns each section the average of its
// construction-period midpoints, weighted by the census building counts per
// period. Sections without counts get default_year.
func yearOfConstructionRule(rc *RuleContext, targets []*building.Entity) (map[string]building.Value, error) {
	periods := rc.Spec.Params.StringMap("periods")
	if len(periods) == 0 {
		return nil, eris.Wrap(feature.ErrInvalidSpec, "resolver: year_of_construction needs periods")
	}
	defaultYear := rc.Spec.Params.Float("default_year", 1900)

	medians := make(map[string]float64, len(periods))
	for attr, raw := range periods {
		p, ok := parsePeriod(raw)
		if !ok || p.open {
			zap.L().Warn("resolver: ignoring construction period", zap.String("attr", attr), zap.String("period", raw))
			continue
		}
		medians[attr] = float64((p.start + p.end) / 2)
	}
	attrs := make([]string, 0, len(medians))
	for attr := range medians {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)

	years := make(map[string]float64)
	for _, g := range rc.Collection.Groups("census_id") {
		var total, weighted float64
		for _, e := range g.Entities {
			for _, attr := range attrs {
				n, ok := number(e, attr)
				if !ok || n <= 0 {
					continue
				}
				total += n
				weighted += n * medians[attr]
			}
		}
		if total == 0 {
			years[g.Key] = defaultYear
			continue
		}
		years[g.Key] = math.Round(weighted / total)
	}

	out := make(map[string]building.Value, len(targets))
	for _, e := range targets {
		key := e.Get("census_id").Text()
		if y, ok := years[key]; ok && key != "" {
			out[e.ID] = building.Number(y)
			continue
		}
		out[e.ID] = building.Number(defaultYear)
	}
	return out, nil
}

// usageRule labels the targets of each section residential when the census
// counts at least as many residential as non-residential buildings.
func usageRule(rc *RuleContext, targets []*building.Entity) (map[string]building.Value, error) {
	resAttr := rc.Spec.Params.String("residential_attr", "E3")
	nonResAttr := rc.Spec.Params.String("non_residential_attr", "E4")
	fallback := rc.Spec.Default
	if fallback.IsAbsent() && len(rc.Spec.Allowed) > 0 {
		fallback = building.String(rc.Spec.Allowed[0])
	}
	nonResidential := "non residential"
	for _, a := range rc.Spec.Allowed {
		if a != fallback.Text() {
			nonResidential = a
			break
		}
	}

	sub := building.NewCollection(rc.Collection.CRS, targets...)
	out := make(map[string]building.Value, len(targets))
	for _, g := range sub.Groups("census_id") {
		var res, nonRes float64
		for _, e := range g.Entities {
			if n, ok := number(e, resAttr); ok {
				res += n
			}
			if n, ok := number(e, nonResAttr); ok {
				nonRes += n
			}
		}
		label := fallback
		if g.Key != "" && res+nonRes > 0 && nonRes > res {
			label = building.String(nonResidential)
		}
		for _, e := range g.Entities {
			out[e.ID] = label
		}
	}
	if !fallback.IsAbsent() {
		for _, e := range targets {
			if _, ok := out[e.ID]; !ok {
				out[e.ID] = fallback
			}
		}
	}
	return out, nil
}

type tabulaPeriod struct {
	period
	types map[string]string
}

// tabulaIDRule maps construction year and tabula type to a TABULA
// archetype identifier.
func tabulaIDRule(rc *RuleContext, targets []*building.Entity) (map[string]building.Value, error) {
	mapping := rc.Spec.Params.NestedStringMap("mapping")
	if len(mapping) == 0 {
		return nil, eris.Wrap(feature.ErrInvalidSpec, "resolver: tabula_id needs mapping")
	}
	table := make([]tabulaPeriod, 0, len(mapping))
	for raw, types := range mapping {
		p, ok := parsePeriod(raw)
		if !ok {
			return nil, eris.Wrapf(feature.ErrInvalidSpec, "resolver: tabula_id period %q", raw)
		}
		table = append(table, tabulaPeriod{period: p, types: types})
	}
	sort.Slice(table, func(i, j int) bool { return table[i].start < table[j].start })

	yearAttr, typeAttr := "year_of_construction", "tabula_type"
	if len(rc.Spec.Required) == 2 {
		yearAttr, typeAttr = rc.Spec.Required[0], rc.Spec.Required[1]
	}

	out := make(map[string]building.Value, len(targets))
	for _, e := range targets {
		y, ok := number(e, yearAttr)
		kind := strings.ToLower(strings.TrimSpace(e.Get(typeAttr).Text()))
		if !ok || kind == "" {
			continue
		}
		year := int(math.Round(y))
		for _, p := range table {
			if year < p.start || year > p.end {
				continue
			}
			if id, ok := p.types[kind]; ok && id != "" {
				out[e.ID] = building.String(id)
			}
			break
		}
	}
	return out, nil
}

// neighboursRule lists the ids of buildings within radius metres of each
// target, in collection order.
func neighboursRule(rc *RuleContext, targets []*building.Entity) (map[string]building.Value, error) {
	radius := rc.Spec.Params.Float("radius", 100)
	type item struct {
		e *building.Entity
		b *geom.Bounds
	}
	items := make([]item, 0, rc.Collection.Len())
	for _, e := range rc.Collection.Entities {
		if e.Geometry == nil || e.Geometry.Empty() {
			continue
		}
		items = append(items, item{e: e, b: e.Geometry.Bounds()})
	}

	out := make(map[string]building.Value, len(targets))
	for _, t := range targets {
		if t.Geometry == nil || t.Geometry.Empty() {
			continue
		}
		tb := t.Geometry.Bounds()
		var ids []string
		for _, it := range items {
			if it.e == t || it.e.ID == t.ID {
				continue
			}
			if it.b.Min(0) > tb.Max(0)+radius || it.b.Max(0) < tb.Min(0)-radius ||
				it.b.Min(1) > tb.Max(1)+radius || it.b.Max(1) < tb.Min(1)-radius {
				continue
			}
			if geometry.Distance(t.Geometry, it.e.Geometry) <= radius {
				ids = append(ids, it.e.ID)
			}
		}
		out[t.ID] = building.String("[" + strings.Join(ids, " ") + "]")
	}
	return out, nil
}

// choiceRule picks an allowed label per building from a hash of the
// feature name and building id, so reruns agree.
func choiceRule(rc *RuleContext, targets []*building.Entity) (map[string]building.Value, error) {
	allowed := rc.Spec.Allowed
	if len(allowed) == 0 {
		return nil, eris.Wrapf(feature.ErrInvalidSpec, "resolver: choice rule for %s needs allowed values", rc.Spec.Name)
	}
	out := make(map[string]building.Value, len(targets))
	for _, e := range targets {
		h := xxhash.Sum64String(rc.Spec.Name + "\x00" + e.ID)
		out[e.ID] = building.String(allowed[h%uint64(len(allowed))])
	}
	return out, nil
}

func constantRule(rc *RuleContext, targets []*building.Entity) (map[string]building.Value, error) {
	v := rc.Spec.Params.Value("value")
	if v.IsAbsent() {
		v = rc.Spec.Default
	}
	if v.IsAbsent() {
		return nil, eris.Wrapf(feature.ErrInvalidSpec, "resolver: constant rule for %s needs a value", rc.Spec.Name)
	}
	out := make(map[string]building.Value, len(targets))
	for _, e := range targets {
		out[e.ID] = v
	}
	return out, nil
}
