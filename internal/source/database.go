package source

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/cascade"
	"github.com/saeidz70/urban-energy-simulation-backend/pkg/buildingdb"
)

// Database serves attributes from the building database service.
type Database struct {
	client       buildingdb.Client
	sendGeometry bool
}

// DatabaseOption configures the Database provider.
type DatabaseOption func(*Database)

// WithFootprints sends the target footprints along with their ids, for
// services that match by geometry.
func WithFootprints() DatabaseOption {
	return func(d *Database) { d.sendGeometry = true }
}

// NewDatabase creates the provider over a buildingdb client.
func NewDatabase(client buildingdb.Client, opts ...DatabaseOption) *Database {
	d := &Database{client: client}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name implements cascade.Provider.
func (d *Database) Name() string { return "database" }

// Lookup asks the service for the feature on the targets. Records are
// matched by building id, then by footprint overlap when the service
// returned geometries.
func (d *Database) Lookup(ctx context.Context, req cascade.Request) (map[string]building.Value, error) {
	q := buildingdb.Query{Feature: req.Feature, BuildingIDs: make([]string, len(req.Targets))}
	for i, t := range req.Targets {
		q.BuildingIDs[i] = t.ID
	}
	if d.sendGeometry {
		fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(req.Targets))}
		for _, t := range req.Targets {
			if t.Geometry == nil {
				continue
			}
			fc.Features = append(fc.Features, &geojson.Feature{
				ID:         t.ID,
				Geometry:   t.Geometry,
				Properties: map[string]any{building.IDProperty: t.ID},
			})
		}
		q.Buildings = fc
	}

	recs, err := d.client.Fetch(ctx, q)
	if err != nil {
		return nil, eris.Wrapf(err, "source: database lookup %s", req.Feature)
	}

	key := req.Key()
	byID := make(map[string]building.Value, len(recs))
	var m spatialMatcher
	for _, r := range recs {
		raw, ok := r.Value(key)
		if !ok {
			continue
		}
		v := building.FromAny(raw)
		if r.BuildingID != "" {
			byID[r.BuildingID] = v
		}
		m.add(r.Geometry, v)
	}

	out := make(map[string]building.Value)
	for _, t := range req.Targets {
		if v, ok := byID[t.ID]; ok && !v.IsAbsent() {
			out[t.ID] = v
			continue
		}
		if m.len() > 0 {
			if v, ok := m.match(t.Geometry); ok {
				out[t.ID] = v
			}
		}
	}
	return out, nil
}
