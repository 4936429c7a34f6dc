// Package source implements the attribute providers consulted by the
// cascade: the user's own building file, the building database service and
// OpenStreetMap, plus a Redis-backed cache for the remote ones.
package source

import (
	"github.com/twpayne/go-geom"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/geometry"
)

type candidate struct {
	geom   geom.T
	bounds *geom.Bounds
	value  building.Value
}

// spatialMatcher picks, for a target footprint, the value of an overlapping
// candidate footprint.
type spatialMatcher struct {
	items []candidate
}

func (m *spatialMatcher) add(g geom.T, v building.Value) {
	if g == nil || g.Empty() || v.IsAbsent() {
		return
	}
	m.items = append(m.items, candidate{geom: g, bounds: g.Bounds(), value: v})
}

func (m *spatialMatcher) len() int { return len(m.items) }

// match returns the value of the candidate containing the target centroid,
// else of the first intersecting candidate in insertion order.
func (m *spatialMatcher) match(target geom.T) (building.Value, bool) {
	if target == nil || target.Empty() {
		return building.Absent(), false
	}
	tb := target.Bounds()
	centroid, cerr := geometry.Centroid(target)

	first := -1
	for i, c := range m.items {
		if !c.bounds.Overlaps(geom.XY, tb) {
			continue
		}
		if !geometry.Intersects(c.geom, target) {
			continue
		}
		if cerr == nil && geometry.Contains(c.geom, centroid) {
			return c.value, true
		}
		if first < 0 {
			first = i
		}
	}
	if first < 0 {
		return building.Absent(), false
	}
	return m.items[first].value, true
}
