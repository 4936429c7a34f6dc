package feature

import (
	"bytes"
	_ "embed"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
)

// ErrUnknownFeature is returned when a feature name has no spec.
var ErrUnknownFeature = eris.New("feature: unknown feature")

// ErrInvalidSpec is returned when the table fails validation.
var ErrInvalidSpec = eris.New("feature: invalid spec")

//go:embed features.yaml
var defaultTableYAML []byte

// Table is the immutable set of feature specs.
type Table struct {
	specs map[string]*Spec
	order []string
}

type rawSource struct {
	Name string `yaml:"name" validate:"required,oneof=user database osm"`
	Tag  string `yaml:"tag"`
}

type rawSpec struct {
	Type         string            `yaml:"type" validate:"required,oneof=int float string bool category polygon"`
	Min          *float64          `yaml:"min"`
	Max          *float64          `yaml:"max"`
	Allowed      []string          `yaml:"allowed" validate:"omitempty,dive,required"`
	Aliases      map[string]string `yaml:"aliases"`
	Default      any               `yaml:"default"`
	Policy       string            `yaml:"policy" validate:"required,oneof=clip drop default null"`
	Strategy     string            `yaml:"strategy" validate:"required,oneof=cascade interpolate allocate calculate"`
	Required     []string          `yaml:"required" validate:"omitempty,dive,required"`
	Sources      []rawSource       `yaml:"sources" validate:"omitempty,dive"`
	PreserveCase bool              `yaml:"preserve_case"`
	Params       map[string]any    `yaml:"params"`
}

type rawTable struct {
	Order    []string           `yaml:"order"`
	Features map[string]rawSpec `yaml:"features" validate:"required,min=1,dive"`
}

var specValidate = validator.New()

// DefaultTable returns the table compiled into the binary.
func DefaultTable() (*Table, error) {
	return ParseTable(defaultTableYAML)
}

// LoadTable reads a table from a YAML file. An empty path selects the
// default table.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "feature: read table %s", path)
	}
	return ParseTable(data)
}

// ParseTable decodes and validates a table. Unknown keys are rejected.
func ParseTable(data []byte) (*Table, error) {
	var raw rawTable
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, eris.Wrapf(ErrInvalidSpec, "parse table: %v", err)
	}
	if err := specValidate.Struct(raw); err != nil {
		return nil, eris.Wrapf(ErrInvalidSpec, "%v", err)
	}

	t := &Table{specs: make(map[string]*Spec, len(raw.Features))}
	for name, rs := range raw.Features {
		spec, err := buildSpec(name, rs)
		if err != nil {
			return nil, err
		}
		t.specs[name] = spec
	}

	if len(raw.Order) > 0 {
		for _, name := range raw.Order {
			if _, ok := t.specs[name]; !ok {
				return nil, eris.Wrapf(ErrInvalidSpec, "order lists unknown feature %q", name)
			}
		}
		t.order = append(t.order, raw.Order...)
	}
	seen := make(map[string]bool, len(t.order))
	for _, name := range t.order {
		seen[name] = true
	}
	var rest []string
	for name := range t.specs {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	t.order = append(t.order, rest...)

	return t, nil
}

func buildSpec(name string, rs rawSpec) (*Spec, error) {
	invalid := func(format string, args ...any) error {
		return eris.Wrapf(ErrInvalidSpec, "%s: "+format, append([]any{name}, args...)...)
	}

	s := &Spec{
		Name:         name,
		Type:         Type(rs.Type),
		Min:          rs.Min,
		Max:          rs.Max,
		Policy:       Policy(rs.Policy),
		Strategy:     Strategy(rs.Strategy),
		Required:     append([]string(nil), rs.Required...),
		PreserveCase: rs.PreserveCase,
		Params:       Params(rs.Params),
	}
	if s.Params == nil {
		s.Params = Params{}
	}
	for _, a := range rs.Allowed {
		s.Allowed = append(s.Allowed, strings.ToLower(strings.TrimSpace(a)))
	}
	if len(rs.Aliases) > 0 {
		s.Aliases = make(map[string]string, len(rs.Aliases))
		for k, v := range rs.Aliases {
			s.Aliases[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
		}
	}
	for _, src := range rs.Sources {
		s.Sources = append(s.Sources, SourceSpec(src))
	}

	if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
		return nil, invalid("min %v greater than max %v", *s.Min, *s.Max)
	}
	if s.Bounded() && !s.Type.Numeric() {
		return nil, invalid("bounds on non-numeric type %s", s.Type)
	}
	if s.Policy == PolicyClip && !s.Bounded() {
		return nil, invalid("clip policy requires min or max")
	}
	if s.Type == TypeCategory && len(s.Allowed) == 0 {
		return nil, invalid("category type requires allowed values")
	}

	switch s.Strategy {
	case StrategyInterpolate:
		if !s.Type.Numeric() {
			return nil, invalid("interpolate strategy requires a numeric type")
		}
	case StrategyAllocate:
		if s.Type != TypeInt {
			return nil, invalid("allocate strategy requires int type")
		}
		if s.Params.String(ParamWeight, "") == "" || s.Params.String(ParamGroup, "") == "" {
			return nil, invalid("allocate strategy requires %q and %q params", ParamWeight, ParamGroup)
		}
		switch s.Params.String(ParamRounding, "floor") {
		case "floor", "nearest":
		default:
			return nil, invalid("unknown rounding %q", s.Params.String(ParamRounding, ""))
		}
	}

	if rs.Default != nil {
		def, err := defaultValue(s, rs.Default)
		if err != nil {
			return nil, invalid("%v", err)
		}
		s.Default = def
	}
	if s.Policy == PolicyDefault && s.Default.IsAbsent() {
		return nil, invalid("default policy requires a default value")
	}
	return s, nil
}

func defaultValue(s *Spec, raw any) (building.Value, error) {
	v := building.FromAny(raw)
	switch {
	case s.Type.Numeric():
		f, ok := v.Float()
		if !ok {
			return building.Value{}, eris.Errorf("default %v is not numeric", raw)
		}
		if !s.InBounds(f) {
			return building.Value{}, eris.Errorf("default %v outside bounds", f)
		}
		return v, nil
	case s.Type == TypeBool:
		if v.Kind != building.KindBool {
			return building.Value{}, eris.Errorf("default %v is not a bool", raw)
		}
		return v, nil
	case s.Type == TypeCategory:
		label := s.Canonical(strings.ToLower(strings.TrimSpace(v.Text())))
		if !s.Allows(label) {
			return building.Value{}, eris.Errorf("default %q not in allowed set", label)
		}
		return building.String(label), nil
	case s.Type == TypeString:
		text := strings.TrimSpace(v.Text())
		if !s.PreserveCase {
			text = strings.ToLower(text)
		}
		return building.String(text), nil
	default:
		return building.Value{}, eris.Errorf("type %s takes no default", s.Type)
	}
}

// Lookup returns the spec for a feature. A miss is a configuration error.
func (t *Table) Lookup(name string) (*Spec, error) {
	s, ok := t.specs[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownFeature, "%q", name)
	}
	return s, nil
}

// Names returns feature names in resolution order: the table's explicit
// order first, then the remaining names sorted.
func (t *Table) Names() []string {
	return append([]string(nil), t.order...)
}

// Len returns the number of specs.
func (t *Table) Len() int { return len(t.specs) }
