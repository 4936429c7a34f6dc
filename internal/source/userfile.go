package source

import (
	"context"
	"os"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/cascade"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/crs"
)

// UserFile serves attributes from a building file the user supplied next to
// the footprints being enriched.
type UserFile struct {
	mu   sync.Mutex
	data *building.Collection
	byID map[string]*building.Entity
	// reprojected copies keyed by EPSG
	views map[int]*building.Collection
}

// NewUserFile wraps an already loaded collection.
func NewUserFile(c *building.Collection) *UserFile {
	return &UserFile{
		data:  c,
		byID:  c.ByID(),
		views: map[int]*building.Collection{c.CRS: c},
	}
}

// LoadUserFile reads a GeoJSON building file. Files without a crs member
// are taken as EPSG:4326.
func LoadUserFile(path string) (*UserFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open user file %s", path)
	}
	defer f.Close() //nolint:errcheck

	c, err := building.ReadGeoJSON(f, crs.WGS84)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read user file %s", path)
	}
	zap.L().Info("source: loaded user file", zap.String("path", path), zap.Int("buildings", c.Len()))
	return NewUserFile(c), nil
}

// Name implements cascade.Provider.
func (u *UserFile) Name() string { return "user" }

// Len returns the number of buildings in the file.
func (u *UserFile) Len() int { return u.data.Len() }

func (u *UserFile) view(epsg int) (*building.Collection, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if v, ok := u.views[epsg]; ok {
		return v, nil
	}
	v := u.data.Clone()
	if err := crs.Transform(v, epsg); err != nil {
		return nil, eris.Wrapf(err, "source: reproject user file to EPSG:%d", epsg)
	}
	u.views[epsg] = v
	return v, nil
}

// Lookup matches targets by building id first, then by footprint overlap.
func (u *UserFile) Lookup(_ context.Context, req cascade.Request) (map[string]building.Value, error) {
	key := req.Key()
	out := make(map[string]building.Value)

	var rest []*building.Entity
	for _, t := range req.Targets {
		if e, ok := u.byID[t.ID]; ok {
			if v := e.Get(key); !v.IsAbsent() {
				out[t.ID] = v
				continue
			}
		}
		rest = append(rest, t)
	}
	if len(rest) == 0 {
		return out, nil
	}

	view, err := u.view(req.CRS)
	if err != nil {
		return out, err
	}
	var m spatialMatcher
	for _, e := range view.Entities {
		m.add(e.Geometry, e.Get(key))
	}
	if m.len() == 0 {
		return out, nil
	}
	for _, t := range rest {
		if v, ok := m.match(t.Geometry); ok {
			out[t.ID] = v
		}
	}
	return out, nil
}
