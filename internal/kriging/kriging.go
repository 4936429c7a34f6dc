// Package kriging estimates scalar attributes at unsampled locations by
// ordinary kriging with a linear variogram.
package kriging

import (
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// ErrNoSamples is returned when there are no known values to estimate from.
var ErrNoSamples = eris.New("kriging: no known samples")

// Method names how an estimate was produced.
type Method string

// Estimation methods.
const (
	MethodKriging Method = "kriging"
	MethodMean    Method = "mean"
)

// Sample is a known value at a projected location.
type Sample struct {
	X, Y  float64
	Value float64
}

// Point is a projected location to estimate at.
type Point struct {
	X, Y float64
}

// Estimate holds one prediction per requested point, in request order.
type Estimate struct {
	Values  []float64
	Method  Method
	Nugget  float64
	Slope   float64
	Samples int
}

// Interpolator configures the estimator.
type Interpolator struct {
	minSamples int
	lags       int
	maxCond    float64
}

// Option configures an Interpolator.
type Option func(*Interpolator)

// WithMinSamples sets the number of known points below which the mean is
// used instead of kriging.
func WithMinSamples(n int) Option {
	return func(in *Interpolator) {
		if n > 0 {
			in.minSamples = n
		}
	}
}

// WithLags sets the number of distance bins of the experimental variogram.
func WithLags(n int) Option {
	return func(in *Interpolator) {
		if n > 0 {
			in.lags = n
		}
	}
}

// New returns an Interpolator with 3 minimum samples and 6 variogram lags.
func New(opts ...Option) *Interpolator {
	in := &Interpolator{minSamples: 3, lags: 6, maxCond: 1e12}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Round2 rounds to two decimal places.
func Round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// Estimate predicts a value at every point. Samples with non-finite or
// negative values are ignored. A sample or point with non-finite
// coordinates has no location; then, as with fewer usable samples than the
// minimum or on any numerical failure, every point receives the mean of the
// known values.
func (in *Interpolator) Estimate(known []Sample, points []Point) (*Estimate, error) {
	samples := make([]Sample, 0, len(known))
	located := true
	for _, s := range known {
		if !finite(s.Value) || s.Value < 0 {
			continue
		}
		if !finite(s.X) || !finite(s.Y) {
			located = false
		}
		samples = append(samples, s)
	}
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	if len(samples) < in.minSamples {
		return in.mean(samples, points), nil
	}
	if !located {
		zap.L().Debug("kriging: sample without location, using mean", zap.Int("samples", len(samples)))
		return in.mean(samples, points), nil
	}
	for _, p := range points {
		if !finite(p.X) || !finite(p.Y) {
			zap.L().Debug("kriging: non-finite target, using mean")
			return in.mean(samples, points), nil
		}
	}

	est, err := in.krige(samples, points)
	if err != nil {
		zap.L().Warn("kriging: falling back to mean", zap.Int("samples", len(samples)), zap.Error(err))
		return in.mean(samples, points), nil
	}
	return est, nil
}

func (in *Interpolator) mean(samples []Sample, points []Point) *Estimate {
	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	m := Round2(sum / float64(len(samples)))
	out := &Estimate{Values: make([]float64, len(points)), Method: MethodMean, Samples: len(samples)}
	for i := range out.Values {
		out.Values[i] = m
	}
	return out
}

func (in *Interpolator) krige(samples []Sample, points []Point) (*Estimate, error) {
	nugget, slope := in.fitLinear(samples)
	gamma := func(h float64) float64 {
		if h == 0 {
			return 0
		}
		return nugget + slope*h
	}

	n := len(samples)
	a := mat.NewDense(n+1, n+1, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			g := gamma(dist(samples[i].X, samples[i].Y, samples[j].X, samples[j].Y))
			a.Set(i, j, g)
			a.Set(j, i, g)
		}
		a.Set(i, n, 1)
		a.Set(n, i, 1)
	}

	var lu mat.LU
	lu.Factorize(a)
	if cond := lu.Cond(); math.IsInf(cond, 1) || math.IsNaN(cond) || cond > in.maxCond {
		return nil, eris.Errorf("kriging: ill-conditioned system (cond %.3g)", cond)
	}

	out := &Estimate{Values: make([]float64, len(points)), Method: MethodKriging, Nugget: nugget, Slope: slope, Samples: n}
	b := mat.NewVecDense(n+1, nil)
	w := mat.NewVecDense(n+1, nil)
	for k, p := range points {
		for i, s := range samples {
			b.SetVec(i, gamma(dist(p.X, p.Y, s.X, s.Y)))
		}
		b.SetVec(n, 1)
		if err := lu.SolveVecTo(w, false, b); err != nil {
			return nil, eris.Wrap(err, "kriging: solve")
		}
		var z float64
		for i, s := range samples {
			z += w.AtVec(i) * s.Value
		}
		if !finite(z) {
			return nil, eris.New("kriging: non-finite prediction")
		}
		out.Values[k] = Round2(z)
	}
	return out, nil
}

// fitLinear fits nugget and slope by least squares on the binned
// experimental semivariogram. Both are kept non-negative and the slope
// positive so the kriging system stays non-singular.
func (in *Interpolator) fitLinear(samples []Sample) (nugget, slope float64) {
	n := len(samples)
	var maxD float64
	type pair struct{ h, g float64 }
	pairs := make([]pair, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			h := dist(samples[i].X, samples[i].Y, samples[j].X, samples[j].Y)
			d := samples[i].Value - samples[j].Value
			pairs = append(pairs, pair{h: h, g: 0.5 * d * d})
			maxD = math.Max(maxD, h)
		}
	}
	if maxD == 0 {
		return 0, 1
	}

	lags := in.lags
	sumH := make([]float64, lags)
	sumG := make([]float64, lags)
	count := make([]int, lags)
	width := maxD / float64(lags)
	for _, p := range pairs {
		k := int(p.h / width)
		if k >= lags {
			k = lags - 1
		}
		sumH[k] += p.h
		sumG[k] += p.g
		count[k]++
	}

	var xs, ys []float64
	for k := 0; k < lags; k++ {
		if count[k] == 0 {
			continue
		}
		xs = append(xs, sumH[k]/float64(count[k]))
		ys = append(ys, sumG[k]/float64(count[k]))
	}

	slope, nugget = leastSquares(xs, ys)
	if nugget < 0 {
		// refit through the origin
		var sxy, sxx float64
		for i := range xs {
			sxy += xs[i] * ys[i]
			sxx += xs[i] * xs[i]
		}
		nugget = 0
		slope = 0
		if sxx > 0 {
			slope = sxy / sxx
		}
	}
	if !(slope > 0) || !finite(slope) || !finite(nugget) {
		return 0, 1
	}
	return nugget, slope
}

func leastSquares(xs, ys []float64) (slope, intercept float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, sy / n
	}
	slope = (n*sxy - sx*sy) / den
	intercept = (sy - slope*sx) / n
	return slope, intercept
}

func dist(x1, y1, x2, y2 float64) float64 {
	return math.Hypot(x1-x2, y1-y2)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
