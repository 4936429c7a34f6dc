package building

import (
	"bytes"
	"encoding/json"
	"io"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// IDProperty is the attribute holding a stable building identifier.
const IDProperty = "building_id"

var geometryNamespace = uuid.MustParse("6f1c3a52-9d43-4c39-8f7e-1c2b4d5e6f70")

type crsMember struct {
	Type       string `json:"type"`
	Properties struct {
		Name string `json:"name"`
	} `json:"properties"`
}

type featureJSON struct {
	Type       string          `json:"type"`
	ID         json.RawMessage `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type collectionJSON struct {
	Type     string        `json:"type"`
	CRS      *crsMember    `json:"crs,omitempty"`
	Features []featureJSON `json:"features"`
}

var epsgPattern = regexp.MustCompile(`EPSG:{1,2}(\d+)$`)

// ParseCRSName extracts the EPSG code from a GeoJSON named CRS such as
// "EPSG:32632", "urn:ogc:def:crs:EPSG::32632" or the CRS84 urn.
func ParseCRSName(name string) (int, error) {
	if name == "urn:ogc:def:crs:OGC:1.3:CRS84" || name == "urn:ogc:def:crs:OGC::CRS84" {
		return 4326, nil
	}
	m := epsgPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, eris.Errorf("building: unrecognised crs name %q", name)
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, eris.Wrapf(err, "building: parse crs code %q", m[1])
	}
	return code, nil
}

// ReadGeoJSON decodes a FeatureCollection. The legacy "crs" member selects
// the collection CRS; without it defaultEPSG applies.
func ReadGeoJSON(r io.Reader, defaultEPSG int) (*Collection, error) {
	var raw collectionJSON
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, eris.Wrap(err, "building: decode geojson")
	}
	if raw.Type != "FeatureCollection" {
		return nil, eris.Errorf("building: expected FeatureCollection, got %q", raw.Type)
	}

	coll := &Collection{CRS: defaultEPSG, Entities: make([]*Entity, 0, len(raw.Features))}
	if raw.CRS != nil && raw.CRS.Properties.Name != "" {
		code, err := ParseCRSName(raw.CRS.Properties.Name)
		if err != nil {
			return nil, err
		}
		coll.CRS = code
	}

	for i, f := range raw.Features {
		var g geom.T
		if len(f.Geometry) > 0 && !bytes.Equal(f.Geometry, []byte("null")) {
			if err := geojson.Unmarshal(f.Geometry, &g); err != nil {
				return nil, eris.Wrapf(err, "building: decode geometry of feature %d", i)
			}
		}
		e := NewEntity("", g)
		for k, v := range f.Properties {
			e.Attrs[k] = FromAny(v)
		}
		e.ID = entityID(f.ID, e)
		coll.Entities = append(coll.Entities, e)
	}
	return coll, nil
}

func entityID(rawID json.RawMessage, e *Entity) string {
	if len(rawID) > 0 && !bytes.Equal(rawID, []byte("null")) {
		var s string
		if err := json.Unmarshal(rawID, &s); err == nil && s != "" {
			return s
		}
		if id := string(bytes.TrimSpace(rawID)); id != "" && id[0] != '"' {
			return id
		}
	}
	if v := e.Get(IDProperty); !v.IsAbsent() && v.Text() != "" {
		return v.Text()
	}
	return GeometryID(e.Geometry)
}

// GeometryID derives a deterministic identifier from the geometry's WKB.
// Identical footprints yield identical ids.
func GeometryID(g geom.T) string {
	if g == nil {
		return uuid.NewSHA1(geometryNamespace, nil).String()
	}
	b, err := wkb.Marshal(g, wkb.NDR)
	if err != nil {
		return uuid.NewSHA1(geometryNamespace, []byte(err.Error())).String()
	}
	return uuid.NewSHA1(geometryNamespace, b).String()
}

// WriteGeoJSON encodes the collection. A "crs" member is written for any
// CRS other than EPSG:4326.
func WriteGeoJSON(w io.Writer, c *Collection) error {
	out := collectionJSON{Type: "FeatureCollection", Features: make([]featureJSON, 0, len(c.Entities))}
	if c.CRS != 0 && c.CRS != 4326 {
		out.CRS = &crsMember{Type: "name"}
		out.CRS.Properties.Name = "urn:ogc:def:crs:EPSG::" + strconv.Itoa(c.CRS)
	}

	for _, e := range c.Entities {
		f := featureJSON{Type: "Feature", Properties: make(map[string]any, len(e.Attrs))}
		id, err := json.Marshal(e.ID)
		if err != nil {
			return eris.Wrapf(err, "building: encode id %s", e.ID)
		}
		f.ID = id
		if e.Geometry == nil {
			f.Geometry = json.RawMessage("null")
		} else {
			g, err := geojson.Marshal(e.Geometry)
			if err != nil {
				return eris.Wrapf(err, "building: encode geometry of %s", e.ID)
			}
			f.Geometry = g
		}
		for k, v := range e.Attrs {
			f.Properties[k] = v.Any()
		}
		out.Features = append(out.Features, f)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(out); err != nil {
		return eris.Wrap(err, "building: encode geojson")
	}
	return nil
}
