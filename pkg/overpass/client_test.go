package overpass

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

var testRing = []geom.Coord{{7.0, 45.0}, {7.1, 45.0}, {7.1, 45.1}, {7.0, 45.1}, {7.0, 45.0}}

const sampleResponse = `{"elements":[
	{"type":"way","id":10,"nodes":[1,2,3,4,1],"tags":{"building":"yes","height":"12"}},
	{"type":"way","id":11,"nodes":[1,2,99,1],"tags":{"building":"yes","height":"5"}},
	{"type":"way","id":12,"nodes":[1,2,3,4],"tags":{"building":"yes"}},
	{"type":"node","id":1,"lat":45.01,"lon":7.01},
	{"type":"node","id":2,"lat":45.01,"lon":7.02},
	{"type":"node","id":3,"lat":45.02,"lon":7.02},
	{"type":"node","id":4,"lat":45.02,"lon":7.01}
]}`

func TestBuildQuery(t *testing.T) {
	q := BuildQuery(Query{Ring: testRing[:2], Tag: "height"})
	assert.Equal(t,
		`[out:json];(way["building"]["height"](poly:"45.0000000 7.0000000 45.0000000 7.1000000"););out body;>;out skel qt;`,
		q)

	q = BuildQuery(Query{Ring: testRing[:1], Tag: "building"})
	assert.Contains(t, q, `way["building"](poly:`)
}

func TestBuildings(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Contains(t, r.PostForm.Get("data"), `["building:levels"]`)
		_, _ = io.WriteString(w, sampleResponse)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithRateLimit(0))
	ways, err := c.Buildings(context.Background(), Query{Ring: testRing, Tag: "building:levels"})
	require.NoError(t, err)
	require.Len(t, ways, 1)
	assert.Equal(t, int64(10), ways[0].ID)
	assert.Equal(t, "12", ways[0].Tags["height"])
	assert.Equal(t, geom.Coord{7.01, 45.01}, ways[0].Ring[0])

	poly := ways[0].Polygon()
	require.NotNil(t, poly)
	assert.InDelta(t, 0.0001, poly.Area(), 1e-9)
}

func TestBuildingsErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithRateLimit(0))
	_, err := c.Buildings(context.Background(), Query{Ring: testRing, Tag: "height"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	_, err = c.Buildings(context.Background(), Query{Ring: testRing[:2]})
	assert.Error(t, err)
}

func TestBuildingsMalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"elements": [`)
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL), WithRateLimit(0)).Buildings(context.Background(), Query{Ring: testRing})
	assert.Error(t, err)
}

func TestWayPolygonTooShort(t *testing.T) {
	assert.Nil(t, Way{Ring: testRing[:3]}.Polygon())
}
