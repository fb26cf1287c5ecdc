package revision

import (
	"math"
	"strconv"
	"strings"

	"github.com/javanhut/Ivaldi-graph/internal/ident"
)

// ValueKind tags the content of a Value.
type ValueKind uint8

const (
	NullValue ValueKind = iota
	StringValue
	IntValue
	FloatValue
	BoolValue
	RefValue
)

// Value is one scalar or reference held by a feature. Values are comparable with ==.
type Value struct {
	kind ValueKind
	s    string
	i    int64
	f    float64
	ref  ident.ID
}

// Null is the absent value.
var Null = Value{}

func String(s string) Value   { return Value{kind: StringValue, s: s} }
func Int(n int64) Value       { return Value{kind: IntValue, i: n} }
func Float(f float64) Value   { return Value{kind: FloatValue, f: f} }
func Ref(id ident.ID) Value   { return Value{kind: RefValue, ref: id} }
func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool  { return v.kind == NullValue }

func Bool(b bool) Value {
	if b {
		return Value{kind: BoolValue, i: 1}
	}
	return Value{kind: BoolValue}
}

func (v Value) AsString() (string, bool) { return v.s, v.kind == StringValue }
func (v Value) AsInt() (int64, bool)     { return v.i, v.kind == IntValue }
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == FloatValue }
func (v Value) AsBool() (bool, bool)     { return v.i != 0, v.kind == BoolValue }

// AsRef returns the referenced id.
func (v Value) AsRef() (ident.ID, bool) { return v.ref, v.kind == RefValue }

// References reports whether v is a reference to id.
func (v Value) References(id ident.ID) bool { return v.kind == RefValue && v.ref == id }

func (v Value) remap(m ident.Mapping) Value {
	if v.kind == RefValue {
		v.ref = m.Lookup(v.ref)
	}
	return v
}

func (v Value) String() string {
	switch v.kind {
	case StringValue:
		return strconv.Quote(v.s)
	case IntValue:
		return strconv.FormatInt(v.i, 10)
	case FloatValue:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case BoolValue:
		return strconv.FormatBool(v.i != 0)
	case RefValue:
		return "@" + v.ref.String()
	default:
		return "null"
	}
}

// ParseValue reads the CLI form of a value: "@p:12" is a reference, "null", "true"/"false",
// integers and floats parse as such, a double-quoted string is unquoted, anything else is a
// plain string.
func ParseValue(s string) (Value, error) {
	switch {
	case s == "null":
		return Null, nil
	case s == "true" || s == "false":
		return Bool(s == "true"), nil
	case strings.HasPrefix(s, "@"):
		id, err := ident.Parse(s[1:])
		if err != nil {
			return Null, err
		}
		return Ref(id), nil
	case strings.HasPrefix(s, `"`):
		u, err := strconv.Unquote(s)
		if err != nil {
			return Null, err
		}
		return String(u), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(n), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) {
		return Float(f), nil
	}
	return String(s), nil
}
