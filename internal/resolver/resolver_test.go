package resolver

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/cascade"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/census"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/crs"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/feature"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const (
	baseLon = 7.68
	baseLat = 45.07
	cell    = 0.0003
)

// block returns a footprint of roughly 24 x 33 metres near Turin.
func block(id string, col, row int) *building.Entity {
	x0 := baseLon + float64(col)*cell*2
	y0 := baseLat + float64(row)*cell*2
	x1, y1 := x0+cell, y0+cell
	return building.NewEntity(id, geom.NewPolygonFlat(geom.XY,
		[]float64{x0, y0, x1, y0, x1, y1, x0, y1, x0, y0}, []int{10}))
}

// clockwise returns block wound the other way round.
func clockwise(id string, col, row int) *building.Entity {
	x0 := baseLon + float64(col)*cell*2
	y0 := baseLat + float64(row)*cell*2
	x1, y1 := x0+cell, y0+cell
	return building.NewEntity(id, geom.NewPolygonFlat(geom.XY,
		[]float64{x0, y0, x0, y1, x1, y1, x1, y0, x0, y0}, []int{10}))
}

func with(e *building.Entity, attrs map[string]building.Value) *building.Entity {
	for k, v := range attrs {
		e.Set(k, v)
	}
	return e
}

func defaultTable(t *testing.T) *feature.Table {
	t.Helper()
	table, err := feature.DefaultTable()
	require.NoError(t, err)
	return table
}

func coords(c *building.Collection) [][]float64 {
	out := make([][]float64, len(c.Entities))
	for i, e := range c.Entities {
		out[i] = append([]float64(nil), e.Geometry.FlatCoords()...)
	}
	return out
}

func TestResolveUnknownFeature(t *testing.T) {
	r := New(defaultTable(t))
	c := building.NewCollection(4326, block("a", 0, 0))

	_, err := r.Resolve(context.Background(), c, "roof_colour")
	require.Error(t, err)
	assert.True(t, errors.Is(err, feature.ErrUnknownFeature))
	assert.True(t, IsConfigError(err))
}

func TestResolveHeightMeanFallback(t *testing.T) {
	c := building.NewCollection(4326,
		with(block("k1", 0, 0), map[string]building.Value{"height": building.Number(10)}),
		with(block("k2", 3, 0), map[string]building.Value{"height": building.Number(12)}),
		block("u1", 1, 1),
		with(block("u2", 2, 2), map[string]building.Value{"height": building.String("n/a")}),
		with(block("u3", 0, 3), map[string]building.Value{"height": building.Number(-4)}),
	)
	before := coords(c)

	rep, err := New(defaultTable(t)).Resolve(context.Background(), c, "height")
	require.NoError(t, err)

	assert.Equal(t, 3, rep.WorkSet)
	assert.Equal(t, "mean", rep.Fallback)
	assert.Equal(t, 3, rep.FromFallback)
	assert.Empty(t, rep.Unresolved)
	for _, id := range []string{"u1", "u2", "u3"} {
		assert.Equal(t, building.Number(11), c.ByID()[id].Get("height"), id)
	}
	assert.Equal(t, 4326, c.CRS)
	assert.Equal(t, before, coords(c))
}

func TestResolveHeightMeanWhenCentroidMissing(t *testing.T) {
	c := building.NewCollection(4326,
		with(block("k1", 0, 0), map[string]building.Value{"height": building.Number(10)}),
		with(block("k2", 3, 0), map[string]building.Value{"height": building.Number(12)}),
		with(block("k3", 0, 3), map[string]building.Value{"height": building.Number(14)}),
		with(building.NewEntity("k4", geom.NewPolygon(geom.XY)), map[string]building.Value{"height": building.Number(24)}),
		block("u1", 2, 2),
		building.NewEntity("u2", geom.NewPolygon(geom.XY)),
	)

	rep, err := New(defaultTable(t)).Resolve(context.Background(), c, "height")
	require.NoError(t, err)

	assert.Equal(t, 2, rep.WorkSet)
	assert.Equal(t, "mean", rep.Fallback)
	assert.Equal(t, 2, rep.FromFallback)
	assert.Empty(t, rep.Unresolved)
	for _, id := range []string{"u1", "u2"} {
		assert.Equal(t, building.Number(15), c.ByID()[id].Get("height"), id)
	}
}

func TestResolveHeightKriging(t *testing.T) {
	known := []struct {
		id       string
		col, row int
		h        float64
	}{
		{"k1", 0, 0, 10}, {"k2", 2, 0, 14}, {"k3", 4, 0, 18},
		{"k4", 0, 2, 12}, {"k5", 2, 2, 16}, {"k6", 4, 2, 20},
		{"k7", 0, 4, 14}, {"k8", 4, 4, 22},
	}
	var es []*building.Entity
	for _, k := range known {
		es = append(es, with(block(k.id, k.col, k.row), map[string]building.Value{"height": building.Number(k.h)}))
	}
	es = append(es, block("mid", 2, 4), block("centre", 1, 1))
	c := building.NewCollection(4326, es...)

	rep, err := New(defaultTable(t)).Resolve(context.Background(), c, "height")
	require.NoError(t, err)
	assert.Equal(t, "kriging", rep.Fallback)
	assert.Equal(t, 2, rep.FromFallback)

	for _, id := range []string{"mid", "centre"} {
		h, ok := c.ByID()[id].Number("height")
		require.True(t, ok, id)
		assert.GreaterOrEqual(t, h, 10.0)
		assert.LessOrEqual(t, h, 22.0)
	}
}

type stubProvider struct {
	name   string
	values map[string]building.Value
	err    error
	epsg   []int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Lookup(_ context.Context, req cascade.Request) (map[string]building.Value, error) {
	s.epsg = append(s.epsg, req.CRS)
	if s.err != nil {
		return nil, s.err
	}
	return s.values, nil
}

func TestResolveCascadeBeforeFallback(t *testing.T) {
	user := &stubProvider{name: "user", values: map[string]building.Value{
		"u1": building.String("15 m"),
		"u2": building.Number(900),
	}}
	db := &stubProvider{name: "database", err: errors.New("connection refused")}
	reg := cascade.NewRegistry()
	reg.Register(user)
	reg.Register(db)

	c := building.NewCollection(4326,
		with(block("k1", 0, 0), map[string]building.Value{"height": building.Number(10)}),
		with(block("k2", 3, 0), map[string]building.Value{"height": building.Number(12)}),
		block("u1", 1, 1),
		block("u2", 2, 2),
	)
	r := New(defaultTable(t), WithCascade(cascade.New(reg)))
	rep, err := r.Resolve(context.Background(), c, "height")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"user": 1}, rep.FromSources)
	assert.Equal(t, 1, rep.ProviderErrors)
	assert.Equal(t, building.Number(15), c.ByID()["u1"].Get("height"))
	// out of bounds source value rejected, filled by the mean of the others
	assert.Equal(t, building.Number(12.33), c.ByID()["u2"].Get("height"))
	assert.Equal(t, "mean", rep.Fallback)
	assert.Equal(t, []int{4326}, user.epsg)
}

func TestResolveCascadeRunsGeographic(t *testing.T) {
	user := &stubProvider{name: "user", values: map[string]building.Value{"a": building.Number(20)}}
	reg := cascade.NewRegistry()
	reg.Register(user)

	c := building.NewCollection(4326, block("a", 0, 0))
	require.NoError(t, crs.Transform(c, 32632))
	before := coords(c)

	_, err := New(defaultTable(t), WithCascade(cascade.New(reg))).Resolve(context.Background(), c, "height")
	require.NoError(t, err)
	assert.Equal(t, []int{4326}, user.epsg)
	assert.Equal(t, 32632, c.CRS)
	assert.Equal(t, before, coords(c))
}

func TestResolveAreaDropsOutOfRange(t *testing.T) {
	tiny := building.NewEntity("tiny", geom.NewPolygonFlat(geom.XY,
		[]float64{baseLon, baseLat, baseLon + 0.00001, baseLat, baseLon + 0.00001, baseLat + 0.00001, baseLon, baseLat + 0.00001, baseLon, baseLat},
		[]int{10}))
	c := building.NewCollection(4326, block("a", 0, 0), tiny, block("b", 1, 0), clockwise("cw", 2, 0))

	rep, err := New(defaultTable(t)).Resolve(context.Background(), c, "area")
	require.NoError(t, err)
	assert.Equal(t, "rule:area", rep.Fallback)
	assert.Equal(t, 1, rep.Validation.Dropped)
	assert.Equal(t, []string{"tiny"}, rep.Validation.DroppedIDs)
	require.Equal(t, 3, c.Len())

	area, ok := c.Entities[0].Number("area")
	require.True(t, ok)
	assert.InDelta(t, 780, area, 30)

	cwArea, ok := c.ByID()["cw"].Number("area")
	require.True(t, ok)
	assert.InDelta(t, area, cwArea, 1)
}

func familyBlocks() *building.Collection {
	vols := []float64{100, 200, 300, 400}
	es := make([]*building.Entity, len(vols))
	for i, v := range vols {
		es[i] = with(block(string(rune('a'+i)), i, 0), map[string]building.Value{
			"census_id": building.String("A"),
			"volume":    building.Number(v),
			"PF1":       building.Number(9),
		})
	}
	return building.NewCollection(4326, es...)
}

func TestResolveAllocateFamilies(t *testing.T) {
	c := familyBlocks()
	rep, err := New(defaultTable(t)).Resolve(context.Background(), c, "n_family")
	require.NoError(t, err)

	assert.Equal(t, "allocate", rep.Fallback)
	var got []float64
	for _, e := range c.Entities {
		v, _ := e.Number("n_family")
		got = append(got, v)
	}
	assert.Equal(t, []float64{0, 1, 2, 3}, got)
}

func TestResolveAllocateWithGroupTotals(t *testing.T) {
	c := familyBlocks()
	_, err := New(defaultTable(t)).Resolve(context.Background(), c, "n_family", WithGroupTotals(census.Totals{"A": 20}))
	require.NoError(t, err)

	sum := 0.0
	for _, e := range c.Entities {
		v, _ := e.Number("n_family")
		sum += v
	}
	assert.Equal(t, 20.0, sum)
}

func TestResolveAllocateUsesRemainingAggregate(t *testing.T) {
	c := familyBlocks()
	c.Entities[3].Set("n_family", building.Number(4))

	_, err := New(defaultTable(t)).Resolve(context.Background(), c, "n_family")
	require.NoError(t, err)

	// 9 - 4 = 5 over volumes 100, 200, 300 → floor 0.83, 1.67, 2.5
	var got []float64
	for _, e := range c.Entities {
		v, _ := e.Number("n_family")
		got = append(got, v)
	}
	assert.Equal(t, []float64{0, 1, 2, 4}, got)
}

func TestResolveSkipsMissingInputs(t *testing.T) {
	c := building.NewCollection(4326,
		with(block("a", 0, 0), map[string]building.Value{"area": building.Number(100), "height": building.Number(9)}),
		with(block("b", 1, 0), map[string]building.Value{"area": building.Number(100)}),
	)
	rep, err := New(defaultTable(t)).Resolve(context.Background(), c, "volume")
	require.NoError(t, err)

	assert.Equal(t, 2, rep.WorkSet)
	assert.Equal(t, []string{"b"}, rep.Skipped)
	assert.Equal(t, []string{"b"}, rep.Unresolved)
	assert.Equal(t, building.Number(900), c.Entities[0].Get("volume"))
	assert.True(t, c.Entities[1].Get("volume").IsAbsent())
}

func TestResolveMissingRuleIsConfigError(t *testing.T) {
	table, err := feature.ParseTable([]byte(`
features:
  custom:
    type: float
    policy: "null"
    strategy: calculate
    params:
      rule: nowhere
`))
	require.NoError(t, err)

	c := building.NewCollection(4326, block("a", 0, 0))
	_, err = New(table).Resolve(context.Background(), c, "custom")
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Equal(t, 4326, c.CRS)
}

func TestResolveRuleFailureIsNotFatal(t *testing.T) {
	table, err := feature.ParseTable([]byte(`
features:
  custom:
    type: float
    policy: "null"
    strategy: calculate
    params:
      rule: flaky
  area:
    type: float
    min: 50
    policy: drop
    strategy: calculate
`))
	require.NoError(t, err)

	rules := NewRules()
	rules.Register("flaky", func(*RuleContext, []*building.Entity) (map[string]building.Value, error) {
		return nil, errors.New("upstream table missing")
	})
	c := building.NewCollection(4326, block("a", 0, 0))

	reports, err := New(table, WithRules(rules)).ResolveAll(context.Background(), c, []string{"custom", "area"})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, []string{"a"}, reports[0].Unresolved)
	assert.Empty(t, reports[1].Unresolved)
}

func TestResolveAllStopsOnConfigError(t *testing.T) {
	c := building.NewCollection(4326, block("a", 0, 0))
	reports, err := New(defaultTable(t)).ResolveAll(context.Background(), c, []string{"area", "nope", "height"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, feature.ErrUnknownFeature))
	assert.Len(t, reports, 1)
}

type recorder struct{ reports []*Report }

func (r *recorder) ObserveReport(rep *Report) { r.reports = append(r.reports, rep) }

var pipeline = []string{
	"building_id", "area", "height", "n_floor", "volume", "gross_floor_area",
	"net_leased_area", "tabula_type", "construction_type", "hvac_type",
	"heating", "cooling", "w2w", "neighbours_ids",
}

func pipelineInput() *building.Collection {
	return building.NewCollection(4326,
		with(block("a", 0, 0), map[string]building.Value{"height": building.Number(9)}),
		with(block("b", 1, 0), map[string]building.Value{"height": building.Number(15)}),
		with(block("c", 0, 1), map[string]building.Value{"height": building.String("21")}),
		block("d", 1, 1),
		with(block("e", 5, 5), map[string]building.Value{"usage": building.String("House")}),
	)
}

func encode(t *testing.T, c *building.Collection) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, building.WriteGeoJSON(&buf, c))
	return buf.Bytes()
}

func TestResolveDeterministicAndIdempotent(t *testing.T) {
	table := defaultTable(t)
	rec := &recorder{}

	first := pipelineInput()
	_, err := New(table, WithObserver(rec)).ResolveAll(context.Background(), first, pipeline)
	require.NoError(t, err)
	assert.Len(t, rec.reports, len(pipeline))

	second := pipelineInput()
	_, err = New(table).ResolveAll(context.Background(), second, pipeline)
	require.NoError(t, err)
	out := encode(t, first)
	assert.Equal(t, out, encode(t, second))

	reports, err := New(table).ResolveAll(context.Background(), first, pipeline)
	require.NoError(t, err)
	for _, rep := range reports {
		assert.Zero(t, rep.WorkSet, rep.Feature)
	}
	assert.Equal(t, out, encode(t, first))
}

func TestResolveBoundsInvariant(t *testing.T) {
	table := defaultTable(t)
	c := pipelineInput()
	c.Entities[0].Set("height", building.Number(1000))
	c.Entities[1].Set("w2w", building.Number(3))

	_, err := New(table).ResolveAll(context.Background(), c, pipeline)
	require.NoError(t, err)

	for _, name := range pipeline {
		spec, err := table.Lookup(name)
		require.NoError(t, err)
		if !spec.Bounded() {
			continue
		}
		for _, e := range c.Entities {
			v, ok := e.Number(name)
			if !ok {
				continue
			}
			assert.True(t, spec.InBounds(v), "%s of %s = %v", name, e.ID, v)
		}
	}
	// out of range inputs are re-estimated, not kept
	assert.Equal(t, building.Number(0.5), c.Entities[1].Get("w2w"))
	h, ok := c.Entities[0].Number("height")
	require.True(t, ok)
	assert.NotEqual(t, 1000.0, h)
}
