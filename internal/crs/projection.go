// Package crs converts building geometries between the geographic CRS used
// to query attribute sources and the projected CRS used for metric work.
package crs

import (
	"math"

	"github.com/rotisserie/eris"
)

// WGS84 ellipsoid.
const (
	semiMajor  = 6378137.0
	flattening = 1 / 298.257223563
)

// EPSG codes with dedicated handling.
const (
	WGS84         = 4326
	WebMercator   = 3857
	WorldMercator = 3395
)

// Projection maps geographic degrees to projected metres and back.
type Projection interface {
	Forward(lon, lat float64) (x, y float64)
	Inverse(x, y float64) (lon, lat float64)
}

// IsGeographic reports whether the code denotes longitude/latitude degrees.
func IsGeographic(epsg int) bool {
	return epsg == WGS84 || epsg == 4258
}

// Lookup returns the projection for a supported EPSG code.
func Lookup(epsg int) (Projection, error) {
	switch {
	case IsGeographic(epsg):
		return identity{}, nil
	case epsg == WebMercator:
		return webMercator{}, nil
	case epsg == WorldMercator:
		return newWorldMercator(), nil
	case epsg >= 32601 && epsg <= 32660:
		return newUTM(epsg-32600, false), nil
	case epsg >= 32701 && epsg <= 32760:
		return newUTM(epsg-32700, true), nil
	case epsg >= 25828 && epsg <= 25838:
		// ETRS89 / UTM; GRS80 and WGS84 differ by under a millimetre here.
		return newUTM(epsg-25800, false), nil
	default:
		return nil, eris.Errorf("crs: unsupported EPSG:%d", epsg)
	}
}

type identity struct{}

func (identity) Forward(lon, lat float64) (float64, float64) { return lon, lat }
func (identity) Inverse(x, y float64) (float64, float64)     { return x, y }

type webMercator struct{}

func (webMercator) Forward(lon, lat float64) (float64, float64) {
	x := semiMajor * lon * math.Pi / 180
	y := semiMajor * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

func (webMercator) Inverse(x, y float64) (float64, float64) {
	lon := x / semiMajor * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(y/semiMajor)) - math.Pi/2) * 180 / math.Pi
	return lon, lat
}

type worldMercator struct {
	e float64
}

func newWorldMercator() worldMercator {
	return worldMercator{e: math.Sqrt(flattening * (2 - flattening))}
}

func (m worldMercator) Forward(lon, lat float64) (float64, float64) {
	phi := lat * math.Pi / 180
	es := m.e * math.Sin(phi)
	x := semiMajor * lon * math.Pi / 180
	y := semiMajor * math.Log(math.Tan(math.Pi/4+phi/2)*math.Pow((1-es)/(1+es), m.e/2))
	return x, y
}

func (m worldMercator) Inverse(x, y float64) (float64, float64) {
	t := math.Exp(-y / semiMajor)
	phi := math.Pi/2 - 2*math.Atan(t)
	for i := 0; i < 15; i++ {
		es := m.e * math.Sin(phi)
		next := math.Pi/2 - 2*math.Atan(t*math.Pow((1-es)/(1+es), m.e/2))
		if math.Abs(next-phi) < 1e-12 {
			phi = next
			break
		}
		phi = next
	}
	return x / semiMajor * 180 / math.Pi, phi * 180 / math.Pi
}

// utm is a transverse Mercator projection on the WGS84 ellipsoid using the
// series expansions of Snyder's "Map Projections: A Working Manual".
type utm struct {
	lon0  float64
	south bool
	k0    float64
	e2    float64
	ep2   float64
	e1    float64
	m1    float64
	m2    float64
	m3    float64
	m4    float64
}

func newUTM(zone int, south bool) utm {
	e2 := flattening * (2 - flattening)
	e4 := e2 * e2
	e6 := e4 * e2
	sq := math.Sqrt(1 - e2)
	return utm{
		lon0:  float64((zone-1)*6-180+3) * math.Pi / 180,
		south: south,
		k0:    0.9996,
		e2:    e2,
		ep2:   e2 / (1 - e2),
		e1:    (1 - sq) / (1 + sq),
		m1:    1 - e2/4 - 3*e4/64 - 5*e6/256,
		m2:    3*e2/8 + 3*e4/32 + 45*e6/1024,
		m3:    15*e4/256 + 45*e6/1024,
		m4:    35 * e6 / 3072,
	}
}

func (u utm) meridian(phi float64) float64 {
	return semiMajor * (u.m1*phi - u.m2*math.Sin(2*phi) + u.m3*math.Sin(4*phi) - u.m4*math.Sin(6*phi))
}

func (u utm) Forward(lon, lat float64) (float64, float64) {
	phi := lat * math.Pi / 180
	lam := lon * math.Pi / 180
	sin, cos, tan := math.Sin(phi), math.Cos(phi), math.Tan(phi)

	n := semiMajor / math.Sqrt(1-u.e2*sin*sin)
	t := tan * tan
	c := u.ep2 * cos * cos
	a := cos * (lam - u.lon0)
	m := u.meridian(phi)

	a2 := a * a
	a3 := a2 * a
	a4 := a3 * a
	a5 := a4 * a
	a6 := a5 * a

	x := u.k0*n*(a+(1-t+c)*a3/6+(5-18*t+t*t+72*c-58*u.ep2)*a5/120) + 500000
	y := u.k0 * (m + n*tan*(a2/2+(5-t+9*c+4*c*c)*a4/24+(61-58*t+t*t+600*c-330*u.ep2)*a6/720))
	if u.south {
		y += 10000000
	}
	return x, y
}

func (u utm) Inverse(x, y float64) (float64, float64) {
	x -= 500000
	if u.south {
		y -= 10000000
	}
	m := y / u.k0
	mu := m / (semiMajor * u.m1)
	e1 := u.e1
	phi1 := mu +
		(3*e1/2-27*e1*e1*e1/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*e1*e1*e1*e1/32)*math.Sin(4*mu) +
		(151*e1*e1*e1/96)*math.Sin(6*mu) +
		(1097*e1*e1*e1*e1/512)*math.Sin(8*mu)

	sin, cos, tan := math.Sin(phi1), math.Cos(phi1), math.Tan(phi1)
	den := 1 - u.e2*sin*sin
	n1 := semiMajor / math.Sqrt(den)
	t1 := tan * tan
	c1 := u.ep2 * cos * cos
	r1 := semiMajor * (1 - u.e2) / math.Pow(den, 1.5)
	d := x / (n1 * u.k0)

	d2 := d * d
	d3 := d2 * d
	d4 := d3 * d
	d5 := d4 * d
	d6 := d5 * d

	phi := phi1 - (n1*tan/r1)*(d2/2-(5+3*t1+10*c1-4*c1*c1-9*u.ep2)*d4/24+
		(61+90*t1+298*c1+45*t1*t1-252*u.ep2-3*c1*c1)*d6/720)
	lam := u.lon0 + (d-(1+2*t1+c1)*d3/6+(5-2*c1+28*t1-3*c1*c1+8*u.ep2+24*t1*t1)*d5/120)/cos

	return lam * 180 / math.Pi, phi * 180 / math.Pi
}
