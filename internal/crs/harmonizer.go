package crs

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
)

// Harmonizer switches a collection between its geographic and projected CRS.
type Harmonizer struct {
	Geographic int
	Projected  int
}

// NewHarmonizer validates both codes up front so misconfiguration fails
// before any data is touched.
func NewHarmonizer(geographic, projected int) (*Harmonizer, error) {
	if _, err := Lookup(geographic); err != nil {
		return nil, eris.Wrap(err, "crs: geographic")
	}
	if !IsGeographic(geographic) {
		return nil, eris.Errorf("crs: EPSG:%d is not geographic", geographic)
	}
	if _, err := Lookup(projected); err != nil {
		return nil, eris.Wrap(err, "crs: projected")
	}
	if IsGeographic(projected) {
		return nil, eris.Errorf("crs: EPSG:%d is not projected", projected)
	}
	return &Harmonizer{Geographic: geographic, Projected: projected}, nil
}

// ToGeographic moves the collection into the geographic CRS.
func (h *Harmonizer) ToGeographic(c *building.Collection) error {
	return Transform(c, h.Geographic)
}

// ToProjected moves the collection into the projected CRS. Collections that
// already sit in some other projected CRS are converted as well so metric
// computations always use the configured one.
func (h *Harmonizer) ToProjected(c *building.Collection) error {
	return Transform(c, h.Projected)
}

// Scope records the collection's current CRS and coordinates and returns a
// function that restores them. Geometries that still have their original
// shape get their exact input coordinates back; any other geometry is
// reprojected.
func (h *Harmonizer) Scope(c *building.Collection) func() error {
	original := c.CRS
	saved := make(map[*building.Entity][]float64, len(c.Entities))
	for _, e := range c.Entities {
		if e.Geometry != nil {
			saved[e] = append([]float64(nil), e.Geometry.FlatCoords()...)
		}
	}
	return func() error {
		if c.CRS == original {
			return nil
		}
		fn, err := Transformer(c.CRS, original)
		if err != nil {
			return err
		}
		for _, e := range c.Entities {
			if e.Geometry == nil {
				continue
			}
			flat := e.Geometry.FlatCoords()
			if orig, ok := saved[e]; ok && len(orig) == len(flat) {
				copy(flat, orig)
				continue
			}
			if err := apply(e.Geometry, fn); err != nil {
				return eris.Wrapf(err, "crs: restore building %s", e.ID)
			}
		}
		c.CRS = original
		return nil
	}
}

// Transform reprojects every entity geometry in place and updates c.CRS.
func Transform(c *building.Collection, to int) error {
	if c.CRS == to {
		return nil
	}
	fn, err := Transformer(c.CRS, to)
	if err != nil {
		return err
	}
	for _, e := range c.Entities {
		if err := apply(e.Geometry, fn); err != nil {
			return eris.Wrapf(err, "crs: transform building %s", e.ID)
		}
	}
	zap.L().Debug("crs: transformed collection",
		zap.Int("from", c.CRS),
		zap.Int("to", to),
		zap.Int("buildings", c.Len()),
	)
	c.CRS = to
	return nil
}

// TransformGeometry reprojects a single geometry in place.
func TransformGeometry(g geom.T, from, to int) error {
	if from == to {
		return nil
	}
	fn, err := Transformer(from, to)
	if err != nil {
		return err
	}
	return apply(g, fn)
}

// Transformer composes the inverse of the source projection with the
// forward of the target projection.
func Transformer(from, to int) (func(x, y float64) (float64, float64), error) {
	src, err := Lookup(from)
	if err != nil {
		return nil, err
	}
	dst, err := Lookup(to)
	if err != nil {
		return nil, err
	}
	return func(x, y float64) (float64, float64) {
		lon, lat := src.Inverse(x, y)
		return dst.Forward(lon, lat)
	}, nil
}

func apply(g geom.T, fn func(x, y float64) (float64, float64)) error {
	if g == nil {
		return nil
	}
	stride := g.Stride()
	if stride < 2 {
		return eris.Errorf("crs: unsupported layout %v", g.Layout())
	}
	flat := g.FlatCoords()
	for i := 0; i+1 < len(flat); i += stride {
		flat[i], flat[i+1] = fn(flat[i], flat[i+1])
	}
	return nil
}
