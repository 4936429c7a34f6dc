// Package validate enforces feature types and domains on attribute values.
package validate

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/feature"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/geometry"
)

// Verdict classifies a single value against its spec.
type Verdict int

// Verdicts, from best to worst.
const (
	// Valid values pass unchanged (after coercion of their representation).
	Valid Verdict = iota
	// OutOfBounds numeric values parse but fall outside [min, max].
	OutOfBounds
	// Invalid values cannot be coerced to the feature type or domain.
	Invalid
	// Missing values are absent.
	Missing
)

// Stats counts what Apply changed.
type Stats struct {
	Coerced   int `json:"coerced"`
	Clipped   int `json:"clipped"`
	Defaulted int `json:"defaulted"`
	Nulled    int `json:"nulled"`
	Dropped   int `json:"dropped"`
	// DroppedIDs lists the buildings removed under the drop policy.
	DroppedIDs []string `json:"dropped_ids,omitempty"`
}

// Validator coerces and checks values. The zero value is not usable; use New.
type Validator struct {
	fold cases.Caser
}

// New returns a Validator using Unicode case folding.
func New() *Validator {
	return &Validator{fold: cases.Lower(language.Und)}
}

var leadingNumber = regexp.MustCompile(`^[-+]?(\d+(\.\d*)?|\.\d+)([eE][-+]?\d+)?`)

// ParseNumber reads the leading number of a string such as "12.5 m". A
// decimal comma is accepted when no dot is present.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if !strings.Contains(s, ".") && strings.Count(s, ",") == 1 {
		s = strings.Replace(s, ",", ".", 1)
	}
	m := leadingNumber.FindString(s)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// Coerce converts a value to the spec's type without applying bounds. It
// returns the converted value and Valid, or Invalid/Missing when conversion
// is impossible. Bool conversion never fails: anything unrecognised is false.
func (v *Validator) Coerce(spec *feature.Spec, val building.Value) (building.Value, Verdict) {
	switch spec.Type {
	case feature.TypeInt, feature.TypeFloat:
		var f float64
		switch val.Kind {
		case building.KindAbsent:
			return building.Absent(), Missing
		case building.KindNumber:
			f = val.Num
		case building.KindString:
			parsed, ok := ParseNumber(val.Str)
			if !ok {
				return building.Absent(), Invalid
			}
			f = parsed
		case building.KindBool:
			return building.Absent(), Invalid
		}
		if math.IsInf(f, 0) {
			return building.Absent(), Invalid
		}
		if spec.Type == feature.TypeInt {
			f = math.Round(f)
		}
		return building.Number(f), Valid

	case feature.TypeBool:
		switch val.Kind {
		case building.KindAbsent:
			return building.Absent(), Missing
		case building.KindBool:
			return val, Valid
		case building.KindNumber:
			return building.Bool(val.Num == 1), Valid
		default:
			switch v.fold.String(strings.TrimSpace(val.Str)) {
			case "true", "yes", "1", "y", "t":
				return building.Bool(true), Valid
			default:
				return building.Bool(false), Valid
			}
		}

	case feature.TypeString:
		if val.IsAbsent() {
			return building.Absent(), Missing
		}
		text := strings.TrimSpace(val.Text())
		if !spec.PreserveCase {
			text = v.fold.String(text)
		}
		if text == "" {
			return building.Absent(), Missing
		}
		return building.String(text), Valid

	case feature.TypeCategory:
		if val.IsAbsent() {
			return building.Absent(), Missing
		}
		label := spec.Canonical(v.fold.String(strings.TrimSpace(val.Text())))
		if label == "" {
			return building.Absent(), Missing
		}
		if !spec.Allows(label) {
			return building.String(label), Invalid
		}
		return building.String(label), Valid

	default:
		return val, Valid
	}
}

// Check coerces a value and tests it against the spec's bounds.
func (v *Validator) Check(spec *feature.Spec, val building.Value) (building.Value, Verdict) {
	out, verdict := v.Coerce(spec, val)
	if verdict != Valid {
		return out, verdict
	}
	if spec.Type.Numeric() {
		if !spec.InBounds(out.Num) {
			return out, OutOfBounds
		}
	}
	return out, Valid
}

// Valid reports whether the entity's attribute satisfies the spec. Polygon
// features are judged on the entity geometry.
func (v *Validator) Valid(spec *feature.Spec, e *building.Entity) bool {
	if spec.Type == feature.TypePolygon {
		return geometry.IsValidPolygon(e.Geometry)
	}
	_, verdict := v.Check(spec, e.Get(spec.Name))
	return verdict == Valid
}

// Accept reports whether a candidate value from a source would be valid.
func (v *Validator) Accept(spec *feature.Spec, val building.Value) bool {
	_, verdict := v.Check(spec, val)
	return verdict == Valid
}

// Apply validates the feature column of every entity in place, applying
// the spec's policy to values that fail. Rows are removed only under the
// drop policy.
func (v *Validator) Apply(c *building.Collection, spec *feature.Spec) Stats {
	var stats Stats
	drop := make(map[*building.Entity]bool)

	for _, e := range c.Entities {
		if spec.Type == feature.TypePolygon {
			if !geometry.IsValidPolygon(e.Geometry) && spec.Policy == feature.PolicyDrop {
				drop[e] = true
			}
			continue
		}

		orig := e.Get(spec.Name)
		out, verdict := v.Check(spec, orig)
		switch verdict {
		case Valid:
			if !out.Equal(orig) {
				stats.Coerced++
			}
			e.Set(spec.Name, out)

		case OutOfBounds:
			v.applyPolicy(spec, e, out, &stats, drop)

		case Invalid, Missing:
			switch {
			case spec.Policy == feature.PolicyDrop:
				drop[e] = true
			case !spec.Default.IsAbsent() && (spec.Policy == feature.PolicyDefault || verdict == Invalid && spec.Type.Numeric()):
				// non-numeric input to a numeric feature takes the documented default
				e.Set(spec.Name, spec.Default)
				stats.Defaulted++
			default:
				if !orig.IsAbsent() {
					stats.Nulled++
				}
				e.Set(spec.Name, building.Absent())
			}
		}
	}

	if len(drop) > 0 {
		stats.DroppedIDs = c.Filter(func(e *building.Entity) bool { return !drop[e] })
		stats.Dropped = len(stats.DroppedIDs)
	}

	zap.L().Info("validate: column checked",
		zap.String("feature", spec.Name),
		zap.String("policy", string(spec.Policy)),
		zap.Int("coerced", stats.Coerced),
		zap.Int("clipped", stats.Clipped),
		zap.Int("defaulted", stats.Defaulted),
		zap.Int("nulled", stats.Nulled),
		zap.Int("dropped", stats.Dropped),
	)
	return stats
}

func (v *Validator) applyPolicy(spec *feature.Spec, e *building.Entity, out building.Value, stats *Stats, drop map[*building.Entity]bool) {
	switch spec.Policy {
	case feature.PolicyClip:
		e.Set(spec.Name, building.Number(spec.Clamp(out.Num)))
		stats.Clipped++
	case feature.PolicyDrop:
		drop[e] = true
	case feature.PolicyDefault:
		e.Set(spec.Name, spec.Default)
		stats.Defaulted++
	default:
		e.Set(spec.Name, building.Absent())
		stats.Nulled++
	}
}
