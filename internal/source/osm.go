package source

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/cascade"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/crs"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/geometry"
	"github.com/saeidz70/urban-energy-simulation-backend/pkg/overpass"
)

// OSM serves tag values of OpenStreetMap buildings overlapping the targets.
type OSM struct {
	client overpass.Client
}

// NewOSM creates the provider over an Overpass client.
func NewOSM(client overpass.Client) *OSM {
	return &OSM{client: client}
}

// Name implements cascade.Provider.
func (o *OSM) Name() string { return "osm" }

// Lookup queries buildings carrying the request tag inside the targets'
// bounding box and matches them by overlap. Values are the raw tag strings.
func (o *OSM) Lookup(ctx context.Context, req cascade.Request) (map[string]building.Value, error) {
	if !crs.IsGeographic(req.CRS) {
		return nil, eris.Errorf("source: osm lookup needs geographic coordinates, got EPSG:%d", req.CRS)
	}
	gs := make([]geom.T, 0, len(req.Targets))
	for _, t := range req.Targets {
		if t.Geometry != nil {
			gs = append(gs, t.Geometry)
		}
	}
	ring, ok := geometry.Envelope(gs...)
	if !ok {
		return map[string]building.Value{}, nil
	}

	key := req.Key()
	ways, err := o.client.Buildings(ctx, overpass.Query{Ring: ring, Tag: key})
	if err != nil {
		return nil, eris.Wrapf(err, "source: osm lookup %s", key)
	}

	var m spatialMatcher
	for _, w := range ways {
		tag, ok := w.Tags[key]
		if !ok || tag == "" {
			continue
		}
		if p := w.Polygon(); p != nil {
			m.add(p, building.String(tag))
		}
	}
	zap.L().Debug("source: osm ways", zap.String("tag", key), zap.Int("ways", len(ways)), zap.Int("tagged", m.len()))

	out := make(map[string]building.Value)
	if m.len() == 0 {
		return out, nil
	}
	for _, t := range req.Targets {
		if v, ok := m.match(t.Geometry); ok {
			out[t.ID] = v
		}
	}
	return out, nil
}
