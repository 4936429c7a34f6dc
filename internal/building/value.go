package building

import (
	"encoding/json"
	"math"
	"strconv"
)

// Kind discriminates the payload carried by a Value.
type Kind uint8

// Value kinds. KindAbsent is the zero value so an unset attribute is absent.
const (
	KindAbsent Kind = iota
	KindNumber
	KindString
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "absent"
	}
}

// Value is a single attribute cell. Category values are carried as strings.
type Value struct {
	Kind Kind
	Num  float64
	Str  string
	Bool bool
}

// Absent returns the missing value.
func Absent() Value { return Value{} }

// Number wraps a float. NaN is treated as absent.
func Number(f float64) Value {
	if math.IsNaN(f) {
		return Value{}
	}
	return Value{Kind: KindNumber, Num: f}
}

// String wraps a string.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IsAbsent reports whether the value is missing.
func (v Value) IsAbsent() bool { return v.Kind == KindAbsent }

// Float returns the numeric payload. Strings are not parsed here; the
// validator owns coercion.
func (v Value) Float() (float64, bool) {
	if v.Kind != KindNumber {
		return 0, false
	}
	return v.Num, true
}

// Text renders the value the way it is written to output files.
func (v Value) Text() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindString:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num == o.Num
	case KindString:
		return v.Str == o.Str
	case KindBool:
		return v.Bool == o.Bool
	default:
		return true
	}
}

// Any converts the value back to a JSON-compatible Go value.
func (v Value) Any() any {
	switch v.Kind {
	case KindNumber:
		if math.IsInf(v.Num, 0) {
			return nil
		}
		return v.Num
	case KindString:
		return v.Str
	case KindBool:
		return v.Bool
	default:
		return nil
	}
}

// FromAny converts a decoded JSON property into a Value. Nested objects and
// arrays are kept as their JSON text.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Absent()
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case string:
		return String(t)
	case bool:
		return Bool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return Absent()
		}
		return String(string(b))
	}
}
