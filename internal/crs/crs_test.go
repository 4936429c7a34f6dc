package crs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestUTMForwardKnownPoints(t *testing.T) {
	p, err := Lookup(32632)
	require.NoError(t, err)

	x, y := p.Forward(9, 0)
	assert.InDelta(t, 500000, x, 0.01)
	assert.InDelta(t, 0, y, 0.01)

	x, y = p.Forward(9, 45)
	assert.InDelta(t, 500000, x, 0.01)
	assert.InDelta(t, 4982950.4, y, 1)
}

func TestUTMSouthernHemisphere(t *testing.T) {
	p, err := Lookup(32733)
	require.NoError(t, err)

	x, y := p.Forward(15, 0)
	assert.InDelta(t, 500000, x, 0.01)
	assert.InDelta(t, 10000000, y, 0.01)

	lon, lat := p.Inverse(p.Forward(16.2, -33.5))
	assert.InDelta(t, 16.2, lon, 1e-7)
	assert.InDelta(t, -33.5, lat, 1e-7)
}

func TestRoundTrips(t *testing.T) {
	codes := []int{32632, 25832, 3857, 3395}
	for _, code := range codes {
		p, err := Lookup(code)
		require.NoError(t, err)
		lon, lat := p.Inverse(p.Forward(7.6869, 45.0703))
		assert.InDelta(t, 7.6869, lon, 1e-7, "EPSG:%d lon", code)
		assert.InDelta(t, 45.0703, lat, 1e-7, "EPSG:%d lat", code)
	}
}

func TestLookupUnsupported(t *testing.T) {
	_, err := Lookup(2154)
	assert.Error(t, err)
}

func TestNewHarmonizer(t *testing.T) {
	h, err := NewHarmonizer(4326, 32632)
	require.NoError(t, err)
	assert.Equal(t, 32632, h.Projected)

	_, err = NewHarmonizer(32632, 32632)
	assert.Error(t, err)
	_, err = NewHarmonizer(4326, 4326)
	assert.Error(t, err)
	_, err = NewHarmonizer(4326, 99999)
	assert.Error(t, err)
}

func turinBlock() *building.Collection {
	poly := geom.NewPolygonFlat(geom.XY, []float64{
		7.6860, 45.0700, 7.6870, 45.0700, 7.6870, 45.0710, 7.6860, 45.0710, 7.6860, 45.0700,
	}, []int{10})
	return building.NewCollection(4326, building.NewEntity("b1", poly), building.NewEntity("b2", nil))
}

func TestTransformAndScopeRestore(t *testing.T) {
	h, err := NewHarmonizer(4326, 32632)
	require.NoError(t, err)

	c := turinBlock()
	orig := append([]float64(nil), c.Entities[0].Geometry.FlatCoords()...)
	restore := h.Scope(c)

	require.NoError(t, h.ToProjected(c))
	assert.Equal(t, 32632, c.CRS)
	x := c.Entities[0].Geometry.FlatCoords()[0]
	assert.Greater(t, x, 390000.0)
	assert.Less(t, x, 400000.0)

	require.NoError(t, h.ToGeographic(c))
	require.NoError(t, h.ToProjected(c))

	require.NoError(t, restore())
	assert.Equal(t, 4326, c.CRS)
	got := c.Entities[0].Geometry.FlatCoords()
	assert.Equal(t, orig, got)
}

func TestScopeNoopWhenUnchanged(t *testing.T) {
	h, err := NewHarmonizer(4326, 32632)
	require.NoError(t, err)
	c := turinBlock()
	restore := h.Scope(c)
	require.NoError(t, restore())
	assert.Equal(t, 4326, c.CRS)
}

func TestTransformUnsupported(t *testing.T) {
	c := turinBlock()
	err := Transform(c, 2154)
	assert.Error(t, err)
	assert.Equal(t, 4326, c.CRS)
}

func TestTransformGeometry(t *testing.T) {
	p := geom.NewPointFlat(geom.XY, []float64{9, 0})
	require.NoError(t, TransformGeometry(p, 4326, 32632))
	assert.InDelta(t, 500000, p.FlatCoords()[0], 0.01)
	require.NoError(t, TransformGeometry(p, 4326, 4326))
}
