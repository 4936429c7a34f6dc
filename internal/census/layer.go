package census

import (
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/crs"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/geometry"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/validate"
)

// Section is one census area with its statistics.
type Section struct {
	ID       string
	Geometry *geom.MultiPolygon
	Attrs    map[string]building.Value
}

// Layer is the set of census sections in one CRS.
type Layer struct {
	CRS      int
	Sections []*Section
}

// LoadShapefile reads census sections from a polygon shapefile. idField
// names the attribute holding the section id; every other attribute is kept
// on the section, numeric when it parses as a number.
func LoadShapefile(path, idField string, epsg int) (*Layer, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "census: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	idIdx := -1
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
		if strings.EqualFold(names[i], idField) {
			idIdx = i
		}
	}
	if idIdx < 0 {
		return nil, eris.Errorf("census: shapefile %s has no field %q", path, idField)
	}

	layer := &Layer{CRS: epsg}
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok {
			skipped++
			continue
		}
		mp := polygonToMultiPolygon(poly)
		if mp == nil {
			skipped++
			continue
		}

		sec := &Section{Geometry: mp, Attrs: make(map[string]building.Value, len(fields))}
		for i, name := range names {
			raw := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
			if i == idIdx {
				sec.ID = raw
				continue
			}
			if raw == "" {
				continue
			}
			if f, ok := validate.ParseNumber(raw); ok && isNumeric(raw) {
				sec.Attrs[name] = building.Number(f)
			} else {
				sec.Attrs[name] = building.String(raw)
			}
		}
		if sec.ID == "" {
			skipped++
			continue
		}
		layer.Sections = append(layer.Sections, sec)
	}

	if skipped > 0 {
		zap.L().Debug("census: skipped shapefile records", zap.String("path", path), zap.Int("skipped", skipped))
	}
	zap.L().Info("census: loaded sections", zap.String("path", path), zap.Int("sections", len(layer.Sections)))
	return layer, nil
}

func isNumeric(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != '-' && r != '+' && r != 'e' && r != 'E' {
			return false
		}
	}
	return true
}

// polygonToMultiPolygon converts a shapefile polygon to a MultiPolygon.
// Clockwise parts start new polygons; counter-clockwise parts are holes of
// the polygon before them.
func polygonToMultiPolygon(p *shp.Polygon) *geom.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY)
	var current *geom.Polygon
	flush := func() {
		if current == nil {
			return
		}
		if err := mp.Push(current); err != nil {
			zap.L().Debug("census: skipping malformed polygon", zap.Error(err))
		}
		current = nil
	}

	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if end-start < 4 {
			continue
		}
		flat := make([]float64, 0, 2*(end-start))
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		ring := geom.NewLinearRingFlat(geom.XY, flat)

		if geometry.SignedRingArea(flat, 2) > 0 && current != nil {
			if err := current.Push(ring); err != nil {
				zap.L().Debug("census: skipping malformed hole", zap.Int32("part", i), zap.Error(err))
			}
			continue
		}
		flush()
		current = geom.NewPolygon(geom.XY)
		if err := current.Push(ring); err != nil {
			zap.L().Debug("census: skipping malformed ring", zap.Int32("part", i), zap.Error(err))
			current = nil
		}
	}
	flush()

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

// Find returns the section containing the point.
func (l *Layer) Find(p geom.Coord) (*Section, bool) {
	for _, s := range l.Sections {
		b := s.Geometry.Bounds()
		if p[0] < b.Min(0) || p[0] > b.Max(0) || p[1] < b.Min(1) || p[1] > b.Max(1) {
			continue
		}
		if geometry.Contains(s.Geometry, p) {
			return s, true
		}
	}
	return nil, false
}

// Reproject converts the layer to another CRS in place.
func (l *Layer) Reproject(to int) error {
	if l.CRS == to {
		return nil
	}
	for _, s := range l.Sections {
		if err := crs.TransformGeometry(s.Geometry, l.CRS, to); err != nil {
			return eris.Wrapf(err, "census: reproject section %s", s.ID)
		}
	}
	l.CRS = to
	return nil
}

// Assign sets attr on every building whose centroid falls in a section, and
// copies the listed section attributes alongside. Buildings outside every
// section are left untouched. The layer is reprojected to the collection's
// CRS when they differ.
func (l *Layer) Assign(c *building.Collection, attr string, copyAttrs []string) (int, error) {
	if err := l.Reproject(c.CRS); err != nil {
		return 0, err
	}
	assigned := 0
	for _, e := range c.Entities {
		centroid, err := geometry.Centroid(e.Geometry)
		if err != nil {
			zap.L().Debug("census: no centroid", zap.String("building", e.ID), zap.Error(err))
			continue
		}
		sec, ok := l.Find(centroid)
		if !ok {
			continue
		}
		e.Set(attr, building.String(sec.ID))
		for _, name := range copyAttrs {
			if v, ok := sec.Attrs[name]; ok {
				e.Set(name, v)
			}
		}
		assigned++
	}
	zap.L().Info("census: assigned buildings to sections",
		zap.Int("assigned", assigned),
		zap.Int("buildings", c.Len()),
	)
	return assigned, nil
}
