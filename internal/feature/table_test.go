package feature

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTableCoversEveryColumn(t *testing.T) {
	table, err := DefaultTable()
	require.NoError(t, err)

	columns := []string{
		"height", "area", "volume", "n_floor", "gross_floor_area", "net_leased_area",
		"census_id", "tot_area_per_cens_id", "usage", "n_family", "year_of_construction",
		"construction_type", "heating", "cooling", "hvac_type", "tabula_type", "tabula_id",
		"w2w", "neighbours_ids", "building_id",
	}
	for _, name := range columns {
		_, err := table.Lookup(name)
		assert.NoError(t, err, name)
	}

	names := table.Names()
	assert.Equal(t, "building_id", names[0])
	assert.Equal(t, table.Len(), len(names))
}

func TestDefaultTableSpecs(t *testing.T) {
	table, err := DefaultTable()
	require.NoError(t, err)

	height, err := table.Lookup("height")
	require.NoError(t, err)
	assert.Equal(t, TypeFloat, height.Type)
	assert.Equal(t, StrategyInterpolate, height.Strategy)
	assert.Equal(t, PolicyClip, height.Policy)
	src, ok := height.Source("osm")
	require.True(t, ok)
	assert.Equal(t, "height", src.Tag)

	nFamily, err := table.Lookup("n_family")
	require.NoError(t, err)
	assert.Equal(t, StrategyAllocate, nFamily.Strategy)
	assert.Equal(t, "volume", nFamily.Params.String(ParamWeight, ""))
	assert.Equal(t, "PF1", nFamily.Params.String(ParamAggregate, ""))
	assert.Equal(t, []string{"census_id", "volume"}, nFamily.Required)

	usage, err := table.Lookup("usage")
	require.NoError(t, err)
	assert.Equal(t, "residential", usage.Canonical("yes"))
	assert.True(t, usage.Allows("non residential"))
	assert.False(t, usage.Allows("garage"))
	assert.Equal(t, "residential", usage.Default.Str)

	tabula, err := table.Lookup("tabula_id")
	require.NoError(t, err)
	mapping := tabula.Params.NestedStringMap("mapping")
	assert.Equal(t, "IT.MidClim.MFH.04.Gen", mapping["1946-1960"]["mfh"])

	year, err := table.Lookup("year_of_construction")
	require.NoError(t, err)
	assert.Equal(t, "1919-1945", year.Params.StringMap("periods")["E9"])
	assert.InDelta(t, 1900, year.Params.Float("default_year", 0), 1e-9)
}

func TestLookupUnknownFeature(t *testing.T) {
	table, err := DefaultTable()
	require.NoError(t, err)

	_, err = table.Lookup("roof_colour")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownFeature))
}

func TestSpecBounds(t *testing.T) {
	lo, hi := 3.0, 300.0
	s := &Spec{Min: &lo, Max: &hi}
	assert.True(t, s.InBounds(3))
	assert.True(t, s.InBounds(300))
	assert.False(t, s.InBounds(2.99))
	assert.False(t, s.InBounds(300.5))
	assert.InDelta(t, 3, s.Clamp(-1), 1e-9)
	assert.InDelta(t, 300, s.Clamp(1000), 1e-9)
	assert.InDelta(t, 12, s.Clamp(12), 1e-9)

	open := &Spec{}
	assert.False(t, open.Bounded())
	assert.True(t, open.InBounds(-1e9))
}

func TestParseTableRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{
			name: "unknown key",
			yaml: "features:\n  h:\n    type: float\n    policy: clip\n    min: 0\n    strategy: cascade\n    colour: red\n",
			msg:  "colour",
		},
		{
			name: "missing type",
			yaml: "features:\n  h:\n    policy: drop\n    strategy: cascade\n",
			msg:  "Type",
		},
		{
			name: "bad policy",
			yaml: "features:\n  h:\n    type: float\n    policy: ignore\n    strategy: cascade\n",
			msg:  "Policy",
		},
		{
			name: "min above max",
			yaml: "features:\n  h:\n    type: float\n    min: 10\n    max: 1\n    policy: drop\n    strategy: cascade\n",
			msg:  "greater than max",
		},
		{
			name: "clip without bounds",
			yaml: "features:\n  h:\n    type: float\n    policy: clip\n    strategy: cascade\n",
			msg:  "clip policy",
		},
		{
			name: "interpolate string",
			yaml: "features:\n  h:\n    type: string\n    policy: \"null\"\n    strategy: interpolate\n",
			msg:  "numeric type",
		},
		{
			name: "allocate without weight",
			yaml: "features:\n  n:\n    type: int\n    policy: \"null\"\n    strategy: allocate\n    params:\n      group: census_id\n",
			msg:  "requires",
		},
		{
			name: "category without allowed",
			yaml: "features:\n  c:\n    type: category\n    policy: \"null\"\n    strategy: cascade\n",
			msg:  "allowed values",
		},
		{
			name: "default outside bounds",
			yaml: "features:\n  h:\n    type: float\n    min: 0\n    max: 1\n    default: 5\n    policy: default\n    strategy: cascade\n",
			msg:  "outside bounds",
		},
		{
			name: "default policy without default",
			yaml: "features:\n  h:\n    type: float\n    policy: default\n    strategy: cascade\n",
			msg:  "requires a default",
		},
		{
			name: "unknown source",
			yaml: "features:\n  h:\n    type: float\n    policy: \"null\"\n    strategy: cascade\n    sources:\n      - name: lidar\n",
			msg:  "Name",
		},
		{
			name: "order lists unknown",
			yaml: "order: [x]\nfeatures:\n  h:\n    type: float\n    policy: \"null\"\n    strategy: cascade\n",
			msg:  "unknown feature",
		},
		{
			name: "empty",
			yaml: "features: {}\n",
			msg:  "Features",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTable([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSpec))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadTableFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	yaml := `
features:
  height:
    type: float
    min: 2
    max: 150
    policy: drop
    strategy: interpolate
    sources:
      - name: osm
        tag: height
  usage:
    type: category
    allowed: [Residential, Non Residential]
    default: Residential
    policy: default
    strategy: cascade
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"height", "usage"}, table.Names())

	usage, err := table.Lookup("usage")
	require.NoError(t, err)
	assert.Equal(t, []string{"residential", "non residential"}, usage.Allowed)
	assert.Equal(t, "residential", usage.Default.Str)

	_, err = LoadTable(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	def, err := LoadTable("")
	require.NoError(t, err)
	assert.Greater(t, def.Len(), 2)
}
