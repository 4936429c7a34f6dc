// Package buildingdb provides a client for the building attribute database
// service.
package buildingdb

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// Client fetches stored building attributes.
type Client interface {
	// Fetch returns the records the service holds for the query.
	Fetch(ctx context.Context, q Query) ([]Record, error)
}

// Query asks for one feature on a set of buildings.
type Query struct {
	Feature     string
	BuildingIDs []string
	// Buildings optionally carries the footprints for services matching
	// by geometry.
	Buildings *geojson.FeatureCollection
}

// Record is one building answer. Geometry is set only when the service
// replied with a feature collection.
type Record struct {
	BuildingID string
	Properties map[string]any
	Geometry   geom.T
}

// Value returns the named property.
func (r Record) Value(name string) (any, bool) {
	v, ok := r.Properties[name]
	return v, ok
}

type requestBody struct {
	Feature     string                     `json:"feature"`
	BuildingIDs []string                   `json:"building_ids"`
	Buildings   *geojson.FeatureCollection `json:"user_building_file,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Fetch(ctx context.Context, q Query) ([]Record, error) {
	if q.Feature == "" {
		return nil, eris.New("buildingdb: feature is required")
	}
	payload, err := json.Marshal(requestBody{
		Feature:     q.Feature,
		BuildingIDs: q.BuildingIDs,
		Buildings:   q.Buildings,
	})
	if err != nil {
		return nil, eris.Wrap(err, "buildingdb: marshal request")
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, eris.Wrapf(err, "buildingdb: parse url %s", c.baseURL)
	}
	params := u.Query()
	params.Set("feature_name", q.Feature)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "buildingdb: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "buildingdb: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "buildingdb: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("buildingdb: status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return parseResponse(body)
}

type envelope struct {
	Results            []map[string]any  `json:"results"`
	Features           []json.RawMessage `json:"features"`
	FeaturesCollection *struct {
		Features []json.RawMessage `json:"features"`
	} `json:"features_collection"`
}

// parseResponse accepts a bare array of records, {"results": [...]}, or a
// GeoJSON feature collection (optionally under "features_collection").
func parseResponse(body []byte) ([]Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	if body[0] == '[' {
		var rows []map[string]any
		if err := decode(body, &rows); err != nil {
			return nil, eris.Wrap(err, "buildingdb: parse records")
		}
		return fromRows(rows), nil
	}

	var env envelope
	if err := decode(body, &env); err != nil {
		return nil, eris.Wrap(err, "buildingdb: parse response")
	}
	switch {
	case env.Results != nil:
		return fromRows(env.Results), nil
	case env.Features != nil:
		return fromFeatures(env.Features)
	case env.FeaturesCollection != nil:
		return fromFeatures(env.FeaturesCollection.Features)
	default:
		return nil, nil
	}
}

func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func fromRows(rows []map[string]any) []Record {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, Record{BuildingID: idOf(row["building_id"]), Properties: row})
	}
	return out
}

func fromFeatures(raw []json.RawMessage) ([]Record, error) {
	out := make([]Record, 0, len(raw))
	for i, r := range raw {
		var f struct {
			ID         any             `json:"id"`
			Geometry   json.RawMessage `json:"geometry"`
			Properties map[string]any  `json:"properties"`
		}
		if err := decode(r, &f); err != nil {
			return nil, eris.Wrapf(err, "buildingdb: parse feature %d", i)
		}
		rec := Record{Properties: f.Properties}
		if rec.Properties == nil {
			rec.Properties = map[string]any{}
		}
		rec.BuildingID = idOf(rec.Properties["building_id"])
		if rec.BuildingID == "" {
			rec.BuildingID = idOf(f.ID)
		}
		if len(f.Geometry) > 0 && string(f.Geometry) != "null" {
			var g geom.T
			if err := geojson.Unmarshal(f.Geometry, &g); err != nil {
				return nil, eris.Wrapf(err, "buildingdb: parse geometry of feature %d", i)
			}
			rec.Geometry = g
		}
		out = append(out, rec)
	}
	return out, nil
}

func idOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
