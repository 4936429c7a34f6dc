package cascade

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/feature"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeProvider struct {
	name   string
	values map[string]building.Value
	err    error
	calls  int
	seen   [][]string
	tags   []string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Lookup(_ context.Context, req Request) (map[string]building.Value, error) {
	f.calls++
	ids := make([]string, len(req.Targets))
	for i, e := range req.Targets {
		ids[i] = e.ID
	}
	f.seen = append(f.seen, ids)
	f.tags = append(f.tags, req.Key())
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]building.Value)
	for _, id := range ids {
		if v, ok := f.values[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func heightSpec() *feature.Spec {
	return &feature.Spec{
		Name: "height",
		Type: feature.TypeFloat,
		Sources: []feature.SourceSpec{
			{Name: "user"},
			{Name: "database"},
			{Name: "osm", Tag: "height"},
		},
	}
}

func targets(ids ...string) []*building.Entity {
	out := make([]*building.Entity, len(ids))
	for i, id := range ids {
		out[i] = building.NewEntity(id, nil)
	}
	return out
}

func positive(v building.Value) bool {
	f, ok := v.Float()
	return ok && f > 0
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeProvider{name: "osm"})
	reg.Register(&fakeProvider{name: "user"})
	reg.Register(&fakeProvider{name: "database"})
	assert.Equal(t, []string{"osm", "user", "database"}, reg.List())

	reg.Register(&fakeProvider{name: "osm"})
	assert.Equal(t, []string{"osm", "user", "database"}, reg.List())

	assert.NotNil(t, reg.Get("user"))
	assert.Nil(t, reg.Get("nope"))
}

func TestRunFirstAcceptedValueWins(t *testing.T) {
	user := &fakeProvider{name: "user", values: map[string]building.Value{
		"a": building.Number(10),
		"b": building.Number(-1),
	}}
	db := &fakeProvider{name: "database", values: map[string]building.Value{
		"a": building.Number(99),
		"b": building.Number(12),
	}}
	osm := &fakeProvider{name: "osm", values: map[string]building.Value{
		"c": building.Number(7),
	}}
	reg := NewRegistry()
	for _, p := range []Provider{osm, db, user} {
		reg.Register(p)
	}

	res := New(reg).Run(context.Background(), heightSpec(), targets("a", "b", "c", "d"), 4326, positive)

	assert.Equal(t, building.Number(10), res.Values["a"])
	assert.Equal(t, building.Number(12), res.Values["b"])
	assert.Equal(t, building.Number(7), res.Values["c"])
	assert.NotContains(t, res.Values, "d")
	assert.Equal(t, map[string]string{"a": "user", "b": "database", "c": "osm"}, res.Winners)
	assert.Equal(t, map[string]int{"user": 1, "database": 1, "osm": 1}, res.Resolved())

	// each provider queried once with only the unresolved targets
	assert.Equal(t, [][]string{{"a", "b", "c", "d"}}, user.seen)
	assert.Equal(t, [][]string{{"b", "c", "d"}}, db.seen)
	assert.Equal(t, [][]string{{"c", "d"}}, osm.seen)
	assert.Equal(t, []string{"height"}, osm.tags)

	require.Len(t, res.Attempts, 3)
	assert.Equal(t, 1, res.Attempts[0].Accepted)
	assert.Equal(t, 2, res.Attempts[0].Supplied)
}

func TestRunProviderErrorIsNotFatal(t *testing.T) {
	user := &fakeProvider{name: "user", err: errors.New("boom")}
	db := &fakeProvider{name: "database", values: map[string]building.Value{"a": building.Number(5)}}
	reg := NewRegistry()
	reg.Register(user)
	reg.Register(db)

	var hooked []string
	c := New(reg, WithErrorHook(func(p string, _ error) { hooked = append(hooked, p) }))
	res := c.Run(context.Background(), heightSpec(), targets("a"), 4326, nil)

	assert.Equal(t, building.Number(5), res.Values["a"])
	assert.Equal(t, []string{"user"}, hooked)
	require.Len(t, res.Attempts, 2)
	assert.Error(t, res.Attempts[0].Err)
}

type panickingProvider struct{ name string }

func (p panickingProvider) Name() string { return p.name }

func (p panickingProvider) Lookup(context.Context, Request) (map[string]building.Value, error) {
	panic("decode: nil geometry")
}

func TestRunProviderPanicIsNotFatal(t *testing.T) {
	db := &fakeProvider{name: "database", values: map[string]building.Value{"a": building.Number(5)}}
	reg := NewRegistry()
	reg.Register(panickingProvider{name: "user"})
	reg.Register(db)

	var hooked []string
	c := New(reg, WithErrorHook(func(p string, _ error) { hooked = append(hooked, p) }))
	var res *Result
	require.NotPanics(t, func() {
		res = c.Run(context.Background(), heightSpec(), targets("a"), 4326, nil)
	})

	assert.Equal(t, building.Number(5), res.Values["a"])
	assert.Equal(t, map[string]int{"database": 1}, res.Resolved())
	assert.Equal(t, []string{"user"}, hooked)
	require.Len(t, res.Attempts, 2)
	require.Error(t, res.Attempts[0].Err)
	assert.Contains(t, res.Attempts[0].Err.Error(), "panicked")
}

func TestRunStopsWhenResolved(t *testing.T) {
	user := &fakeProvider{name: "user", values: map[string]building.Value{"a": building.Number(3)}}
	db := &fakeProvider{name: "database"}
	reg := NewRegistry()
	reg.Register(user)
	reg.Register(db)

	New(reg).Run(context.Background(), heightSpec(), targets("a"), 4326, nil)
	assert.Equal(t, 1, user.calls)
	assert.Equal(t, 0, db.calls)
}

func TestRunRespectsSpecSourcesAndOrder(t *testing.T) {
	user := &fakeProvider{name: "user", values: map[string]building.Value{"a": building.Number(1)}}
	osm := &fakeProvider{name: "osm", values: map[string]building.Value{"a": building.Number(2)}}
	reg := NewRegistry()
	reg.Register(user)
	reg.Register(osm)

	c := New(reg, WithOrder([]string{"osm", "user"}))
	spec := heightSpec()
	assert.Equal(t, []string{"osm", "user"}, c.Providers(spec))

	res := c.Run(context.Background(), spec, targets("a"), 4326, nil)
	assert.Equal(t, "osm", res.Winners["a"])

	onlyUser := &feature.Spec{Name: "usage", Sources: []feature.SourceSpec{{Name: "user"}}}
	assert.Equal(t, []string{"user"}, c.Providers(onlyUser))
	assert.Empty(t, c.Providers(&feature.Spec{Name: "area"}))
}

func TestRunCancelledContext(t *testing.T) {
	user := &fakeProvider{name: "user", values: map[string]building.Value{"a": building.Number(1)}}
	reg := NewRegistry()
	reg.Register(user)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := New(reg).Run(ctx, heightSpec(), targets("a"), 4326, nil)
	assert.Empty(t, res.Values)
	assert.Equal(t, 0, user.calls)
}
