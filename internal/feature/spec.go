// Package feature defines the declarative attribute descriptors that drive
// resolution. A Table is loaded once and shared read-only.
package feature

import (
	"math"
	"slices"
	"strings"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
)

// Type is the declared value type of a feature.
type Type string

// Supported feature types.
const (
	TypeInt      Type = "int"
	TypeFloat    Type = "float"
	TypeString   Type = "string"
	TypeBool     Type = "bool"
	TypeCategory Type = "category"
	TypePolygon  Type = "polygon"
)

// Numeric reports whether values of this type are numbers.
func (t Type) Numeric() bool { return t == TypeInt || t == TypeFloat }

// Policy says what validation does with a value outside the feature domain.
type Policy string

// Validation policies.
const (
	// PolicyClip moves numeric values to the nearest bound.
	PolicyClip Policy = "clip"
	// PolicyDrop removes the building from the collection.
	PolicyDrop Policy = "drop"
	// PolicyDefault replaces the value with the feature default.
	PolicyDefault Policy = "default"
	// PolicyNull clears the value so a later round can resolve it.
	PolicyNull Policy = "null"
)

// Strategy selects the fallback run after the source cascade.
type Strategy string

// Resolution strategies.
const (
	StrategyCascade     Strategy = "cascade"
	StrategyInterpolate Strategy = "interpolate"
	StrategyAllocate    Strategy = "allocate"
	StrategyCalculate   Strategy = "calculate"
)

// SourceSpec names a provider allowed to supply the feature, with the
// provider-specific tag (e.g. the OSM key) to read.
type SourceSpec struct {
	Name string
	Tag  string
}

// Spec describes one attribute.
type Spec struct {
	Name         string
	Type         Type
	Min          *float64
	Max          *float64
	Allowed      []string
	Aliases      map[string]string
	Default      building.Value
	Policy       Policy
	Strategy     Strategy
	Required     []string
	Sources      []SourceSpec
	PreserveCase bool
	Params       Params
}

// Bounded reports whether the spec has at least one numeric bound.
func (s *Spec) Bounded() bool { return s.Min != nil || s.Max != nil }

// InBounds reports whether f lies within [Min, Max].
func (s *Spec) InBounds(f float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return false
	}
	if s.Min != nil && f < *s.Min {
		return false
	}
	if s.Max != nil && f > *s.Max {
		return false
	}
	return true
}

// Clamp moves f to the nearest bound.
func (s *Spec) Clamp(f float64) float64 {
	if s.Min != nil && f < *s.Min {
		return *s.Min
	}
	if s.Max != nil && f > *s.Max {
		return *s.Max
	}
	return f
}

// Canonical maps a category label through the alias table.
func (s *Spec) Canonical(label string) string {
	if v, ok := s.Aliases[label]; ok {
		return v
	}
	return label
}

// Allows reports whether a (folded, canonical) label is in the allowed set.
// An empty allowed set admits every label.
func (s *Spec) Allows(label string) bool {
	if len(s.Allowed) == 0 {
		return label != ""
	}
	return slices.Contains(s.Allowed, label)
}

// Source returns the source entry for a provider name.
func (s *Spec) Source(name string) (SourceSpec, bool) {
	for _, src := range s.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return SourceSpec{}, false
}

// Param keys shared by several strategies.
const (
	ParamRule      = "rule"
	ParamWeight    = "weight"
	ParamGroup     = "group"
	ParamAggregate = "aggregate"
	ParamRounding  = "rounding"
)

// Params holds feature-specific parameters decoded from YAML.
type Params map[string]any

// Has reports whether the key is set.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Float returns a numeric parameter.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	default:
		return def
	}
}

// String returns a string parameter.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Bool returns a boolean parameter.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// Value returns a scalar parameter as a building value.
func (p Params) Value(key string) building.Value {
	return building.FromAny(p[key])
}

// StringMap returns a flat string mapping, stringifying scalar values.
func (p Params) StringMap(key string) map[string]string {
	raw, ok := p[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = building.FromAny(v).Text()
	}
	return out
}

// NestedStringMap returns a two-level string mapping such as a table of
// period → type → identifier.
func (p Params) NestedStringMap(key string) map[string]map[string]string {
	raw, ok := p[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]map[string]string, len(raw))
	for k, v := range raw {
		inner, ok := v.(map[string]any)
		if !ok {
			continue
		}
		m := make(map[string]string, len(inner))
		for ik, iv := range inner {
			m[strings.ToLower(ik)] = building.FromAny(iv).Text()
		}
		out[k] = m
	}
	return out
}
