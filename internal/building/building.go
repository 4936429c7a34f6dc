// Package building holds the footprint entity model shared by every stage of
// feature resolution.
package building

import (
	"github.com/twpayne/go-geom"
)

// Entity is one building footprint with its attribute row.
type Entity struct {
	ID       string
	Geometry geom.T
	Attrs    map[string]Value
}

// NewEntity returns an entity with an empty attribute row.
func NewEntity(id string, g geom.T) *Entity {
	return &Entity{ID: id, Geometry: g, Attrs: make(map[string]Value)}
}

// Get returns the attribute value, absent when unset.
func (e *Entity) Get(name string) Value {
	if e.Attrs == nil {
		return Absent()
	}
	return e.Attrs[name]
}

// Set writes an attribute value.
func (e *Entity) Set(name string, v Value) {
	if e.Attrs == nil {
		e.Attrs = make(map[string]Value)
	}
	e.Attrs[name] = v
}

// Has reports whether the attribute column exists on this entity.
func (e *Entity) Has(name string) bool {
	_, ok := e.Attrs[name]
	return ok
}

// Number returns the attribute as a float when it holds a number.
func (e *Entity) Number(name string) (float64, bool) {
	return e.Get(name).Float()
}

// Collection is an ordered set of entities in a single CRS.
type Collection struct {
	CRS      int
	Entities []*Entity
}

// NewCollection returns a collection in the given EPSG code.
func NewCollection(epsg int, entities ...*Entity) *Collection {
	return &Collection{CRS: epsg, Entities: entities}
}

// Len returns the number of entities.
func (c *Collection) Len() int { return len(c.Entities) }

// EnsureColumn adds the attribute column as absent on every entity missing it.
func (c *Collection) EnsureColumn(name string) {
	for _, e := range c.Entities {
		if !e.Has(name) {
			e.Set(name, Absent())
		}
	}
}

// ByID indexes entities by id. Later duplicates do not replace earlier ones.
func (c *Collection) ByID() map[string]*Entity {
	idx := make(map[string]*Entity, len(c.Entities))
	for _, e := range c.Entities {
		if _, ok := idx[e.ID]; !ok {
			idx[e.ID] = e
		}
	}
	return idx
}

// Filter keeps only entities for which keep returns true, preserving order.
// It returns the ids of removed entities.
func (c *Collection) Filter(keep func(*Entity) bool) []string {
	var removed []string
	kept := c.Entities[:0]
	for _, e := range c.Entities {
		if keep(e) {
			kept = append(kept, e)
			continue
		}
		removed = append(removed, e.ID)
	}
	for i := len(kept); i < len(c.Entities); i++ {
		c.Entities[i] = nil
	}
	c.Entities = kept
	return removed
}

// Group is an ordered run of entities sharing a key.
type Group struct {
	Key      string
	Entities []*Entity
}

// Groups partitions entities by the text of an attribute. Groups appear in
// order of first occurrence. Entities with an absent key are skipped.
func (c *Collection) Groups(attr string) []Group {
	pos := make(map[string]int)
	var out []Group
	for _, e := range c.Entities {
		v := e.Get(attr)
		if v.IsAbsent() {
			continue
		}
		key := v.Text()
		i, ok := pos[key]
		if !ok {
			i = len(out)
			pos[key] = i
			out = append(out, Group{Key: key})
		}
		out[i].Entities = append(out[i].Entities, e)
	}
	return out
}

// Clone deep-copies attributes and geometry coordinates.
func (c *Collection) Clone() *Collection {
	out := &Collection{CRS: c.CRS, Entities: make([]*Entity, len(c.Entities))}
	for i, e := range c.Entities {
		ne := &Entity{ID: e.ID, Geometry: CloneGeometry(e.Geometry), Attrs: make(map[string]Value, len(e.Attrs))}
		for k, v := range e.Attrs {
			ne.Attrs[k] = v
		}
		out.Entities[i] = ne
	}
	return out
}

// CloneGeometry copies the flat coordinates of polygonal geometries. Other
// geometry types are returned as is.
func CloneGeometry(g geom.T) geom.T {
	switch t := g.(type) {
	case *geom.Polygon:
		return geom.NewPolygonFlat(t.Layout(), append([]float64(nil), t.FlatCoords()...), append([]int(nil), t.Ends()...)).SetSRID(t.SRID())
	case *geom.MultiPolygon:
		endss := make([][]int, len(t.Endss()))
		for i, ends := range t.Endss() {
			endss[i] = append([]int(nil), ends...)
		}
		return geom.NewMultiPolygonFlat(t.Layout(), append([]float64(nil), t.FlatCoords()...), endss).SetSRID(t.SRID())
	case *geom.Point:
		return geom.NewPointFlat(t.Layout(), append([]float64(nil), t.FlatCoords()...)).SetSRID(t.SRID())
	default:
		return g
	}
}
