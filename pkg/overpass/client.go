// Package overpass queries OpenStreetMap building ways through the Overpass
// API.
package overpass

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"golang.org/x/time/rate"
)

// DefaultURL is the public Overpass interpreter endpoint.
const DefaultURL = "https://overpass-api.de/api/interpreter"

// Client fetches building ways.
type Client interface {
	// Buildings returns the building ways inside the query ring that carry
	// the query tag.
	Buildings(ctx context.Context, q Query) ([]Way, error)
}

// Query selects buildings inside Ring (lon/lat, closed) carrying Tag.
type Query struct {
	Ring []geom.Coord
	Tag  string
}

// Way is one building outline with its tags. Ring is lon/lat and closed.
type Way struct {
	ID   int64
	Tags map[string]string
	Ring []geom.Coord
}

// Polygon returns the way outline as a polygon, or nil when the ring is too
// short.
func (w Way) Polygon() *geom.Polygon {
	if len(w.Ring) < 4 {
		return nil
	}
	flat := make([]float64, 0, 2*len(w.Ring))
	for _, c := range w.Ring {
		flat = append(flat, c[0], c[1])
	}
	return geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)})
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets the interpreter URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the requests-per-second limit. Non-positive values
// disable limiting.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

// WithTimeout sets the request timeout of the HTTP client.
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
	limiter *rate.Limiter
}

// NewClient creates an Overpass client. The public instance asks for at
// most one request per second.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: DefaultURL,
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(1, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BuildQuery renders the Overpass QL for q. Overpass polygons are "lat lon"
// pairs.
func BuildQuery(q Query) string {
	pairs := make([]string, 0, len(q.Ring))
	for _, c := range q.Ring {
		pairs = append(pairs,
			strconv.FormatFloat(c[1], 'f', 7, 64)+" "+strconv.FormatFloat(c[0], 'f', 7, 64))
	}
	filter := ""
	if q.Tag != "" && q.Tag != "building" {
		filter = fmt.Sprintf("[%q]", q.Tag)
	}
	return fmt.Sprintf(`[out:json];(way["building"]%s(poly:"%s"););out body;>;out skel qt;`,
		filter, strings.Join(pairs, " "))
}

type response struct {
	Elements []element `json:"elements"`
}

type element struct {
	Type  string            `json:"type"`
	ID    int64             `json:"id"`
	Lat   float64           `json:"lat"`
	Lon   float64           `json:"lon"`
	Nodes []int64           `json:"nodes"`
	Tags  map[string]string `json:"tags"`
}

func (c *httpClient) Buildings(ctx context.Context, q Query) ([]Way, error) {
	if len(q.Ring) < 4 {
		return nil, eris.New("overpass: query ring needs at least 4 coordinates")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "overpass: rate limit")
	}

	form := url.Values{"data": {BuildQuery(q)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "overpass: build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "overpass: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("overpass: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "overpass: read body")
	}

	var parsed response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "overpass: parse response")
	}
	return assemble(parsed.Elements), nil
}

// assemble joins ways with their nodes. Ways referencing unknown nodes or
// not forming a closed ring are skipped.
func assemble(elems []element) []Way {
	nodes := make(map[int64]geom.Coord)
	for _, e := range elems {
		if e.Type == "node" {
			nodes[e.ID] = geom.Coord{e.Lon, e.Lat}
		}
	}

	var ways []Way
	for _, e := range elems {
		if e.Type != "way" || len(e.Nodes) < 4 {
			continue
		}
		ring := make([]geom.Coord, 0, len(e.Nodes))
		complete := true
		for _, id := range e.Nodes {
			c, ok := nodes[id]
			if !ok {
				complete = false
				break
			}
			ring = append(ring, c)
		}
		if !complete || e.Nodes[0] != e.Nodes[len(e.Nodes)-1] {
			continue
		}
		tags := e.Tags
		if tags == nil {
			tags = map[string]string{}
		}
		ways = append(ways, Way{ID: e.ID, Tags: tags, Ring: ring})
	}
	return ways
}
