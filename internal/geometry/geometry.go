// Package geometry provides the planar predicates the resolution engine
// needs on building footprints. Inputs are expected in a projected CRS
// whenever a metric result is wanted.
package geometry

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
)

// Polygons flattens polygonal geometries into their polygons.
func Polygons(g geom.T) []*geom.Polygon {
	switch t := g.(type) {
	case *geom.Polygon:
		if t.Empty() {
			return nil
		}
		return []*geom.Polygon{t}
	case *geom.MultiPolygon:
		out := make([]*geom.Polygon, 0, t.NumPolygons())
		for i := 0; i < t.NumPolygons(); i++ {
			if p := t.Polygon(i); !p.Empty() {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

// Area returns the planar area of a polygonal geometry, holes excluded.
// Ring orientation does not matter.
func Area(g geom.T) float64 {
	var a float64
	for _, p := range Polygons(g) {
		a += polygonArea(p)
	}
	return a
}

func polygonArea(p *geom.Polygon) float64 {
	var a float64
	for i := 0; i < p.NumLinearRings(); i++ {
		r := math.Abs(SignedRingArea(p.LinearRing(i).FlatCoords(), p.Stride()))
		if i == 0 {
			a = r
		} else {
			a -= r
		}
	}
	return a
}

// SignedRingArea is the shoelace area of a closed ring in flat coordinates,
// positive for counter-clockwise rings.
func SignedRingArea(flat []float64, stride int) float64 {
	var a float64
	for i := 0; i+stride+1 < len(flat); i += stride {
		a += flat[i]*flat[i+stride+1] - flat[i+stride]*flat[i+1]
	}
	return a / 2
}

// Centroid returns the area-weighted centroid.
func Centroid(g geom.T) (geom.Coord, error) {
	if g == nil || g.Empty() {
		return nil, eris.New("geometry: centroid of empty geometry")
	}
	c, err := xy.Centroid(g)
	if err != nil {
		return nil, eris.Wrap(err, "geometry: centroid")
	}
	return c, nil
}

// Contains reports whether the point lies inside the geometry's area.
func Contains(g geom.T, p geom.Coord) bool {
	for _, poly := range Polygons(g) {
		if polygonContains(poly, p) {
			return true
		}
	}
	return false
}

func polygonContains(p *geom.Polygon, c geom.Coord) bool {
	if p.NumLinearRings() == 0 {
		return false
	}
	if !xy.IsPointInRing(p.Layout(), c, p.LinearRing(0).FlatCoords()) {
		return false
	}
	for i := 1; i < p.NumLinearRings(); i++ {
		if xy.IsPointInRing(p.Layout(), c, p.LinearRing(i).FlatCoords()) {
			return false
		}
	}
	return true
}

// Intersects reports whether two polygonal geometries share any area or
// boundary point.
func Intersects(a, b geom.T) bool {
	if a == nil || b == nil || a.Empty() || b.Empty() {
		return false
	}
	if !a.Bounds().Overlaps(geom.XY, b.Bounds()) {
		return false
	}
	pa, pb := Polygons(a), Polygons(b)
	for _, p := range pa {
		for _, q := range pb {
			if polygonsIntersect(p, q) {
				return true
			}
		}
	}
	return false
}

func polygonsIntersect(p, q *geom.Polygon) bool {
	if !p.Bounds().Overlaps(geom.XY, q.Bounds()) {
		return false
	}
	if anyVertexInside(p, q) || anyVertexInside(q, p) {
		return true
	}
	return edgesCross(p, q)
}

func anyVertexInside(p, q *geom.Polygon) bool {
	flat, stride := p.FlatCoords(), p.Stride()
	for i := 0; i+1 < len(flat); i += stride {
		if polygonContains(q, geom.Coord{flat[i], flat[i+1]}) {
			return true
		}
	}
	return false
}

func edgesCross(p, q *geom.Polygon) bool {
	for i := 0; i < p.NumLinearRings(); i++ {
		r := p.LinearRing(i)
		for j := 0; j < q.NumLinearRings(); j++ {
			s := q.LinearRing(j)
			if ringsCross(r.FlatCoords(), r.Stride(), s.FlatCoords(), s.Stride()) {
				return true
			}
		}
	}
	return false
}

func ringsCross(a []float64, sa int, b []float64, sb int) bool {
	for i := 0; i+sa+1 < len(a); i += sa {
		for j := 0; j+sb+1 < len(b); j += sb {
			if segmentsIntersect(a[i], a[i+1], a[i+sa], a[i+sa+1], b[j], b[j+1], b[j+sb], b[j+sb+1]) {
				return true
			}
		}
	}
	return false
}

func orient(ax, ay, bx, by, cx, cy float64) float64 {
	return (bx-ax)*(cy-ay) - (by-ay)*(cx-ax)
}

func onSegment(ax, ay, bx, by, cx, cy float64) bool {
	return math.Min(ax, bx) <= cx && cx <= math.Max(ax, bx) &&
		math.Min(ay, by) <= cy && cy <= math.Max(ay, by)
}

func segmentsIntersect(ax, ay, bx, by, cx, cy, dx, dy float64) bool {
	d1 := orient(cx, cy, dx, dy, ax, ay)
	d2 := orient(cx, cy, dx, dy, bx, by)
	d3 := orient(ax, ay, bx, by, cx, cy)
	d4 := orient(ax, ay, bx, by, dx, dy)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	switch {
	case d1 == 0 && onSegment(cx, cy, dx, dy, ax, ay):
		return true
	case d2 == 0 && onSegment(cx, cy, dx, dy, bx, by):
		return true
	case d3 == 0 && onSegment(ax, ay, bx, by, cx, cy):
		return true
	case d4 == 0 && onSegment(ax, ay, bx, by, dx, dy):
		return true
	}
	return false
}

// Distance returns the minimum planar distance between two polygonal
// geometries, zero when they intersect.
func Distance(a, b geom.T) float64 {
	if Intersects(a, b) {
		return 0
	}
	best := math.Inf(1)
	for _, p := range Polygons(a) {
		for _, q := range Polygons(b) {
			best = math.Min(best, vertexToRings(p, q))
			best = math.Min(best, vertexToRings(q, p))
		}
	}
	return best
}

func vertexToRings(p, q *geom.Polygon) float64 {
	best := math.Inf(1)
	flat, stride := p.FlatCoords(), p.Stride()
	for i := 0; i+1 < len(flat); i += stride {
		c := geom.Coord{flat[i], flat[i+1]}
		for j := 0; j < q.NumLinearRings(); j++ {
			r := q.LinearRing(j)
			best = math.Min(best, xy.DistanceFromPointToLineString(r.Layout(), c, r.FlatCoords()))
		}
	}
	return best
}

// IsValidPolygon reports whether g is a non-empty polygonal geometry with
// closed rings of at least four finite coordinates and positive area.
func IsValidPolygon(g geom.T) bool {
	polys := Polygons(g)
	if len(polys) == 0 {
		return false
	}
	for _, p := range polys {
		for i := 0; i < p.NumLinearRings(); i++ {
			if !validRing(p.LinearRing(i)) {
				return false
			}
		}
		if polygonArea(p) <= 0 {
			return false
		}
	}
	return true
}

func validRing(r *geom.LinearRing) bool {
	flat, stride := r.FlatCoords(), r.Stride()
	if len(flat) < 4*stride {
		return false
	}
	for _, f := range flat {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	n := len(flat)
	return flat[0] == flat[n-stride] && flat[1] == flat[n-stride+1]
}

// Envelope returns the bounding box of all geometries as a closed ring of
// five XY coordinates, counter-clockwise from the lower-left corner.
func Envelope(gs ...geom.T) ([]geom.Coord, bool) {
	b := geom.NewBounds(geom.XY)
	found := false
	for _, g := range gs {
		if g == nil || g.Empty() {
			continue
		}
		b.Extend(g)
		found = true
	}
	if !found {
		return nil, false
	}
	minX, minY, maxX, maxY := b.Min(0), b.Min(1), b.Max(0), b.Max(1)
	return []geom.Coord{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY}}, true
}
