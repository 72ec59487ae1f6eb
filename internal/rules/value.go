package rules

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Kind enumerates the JSON-like value domain plus a distinguished absent
// marker. Absent (an unresolved path) is distinct from an explicit null.
type Kind int

const (
	KindAbsent Kind = iota
	KindNull
	KindBool
	KindNum
	KindStr
	KindList
	KindMap
)

// Value is a tagged union over the JSON value domain. The zero value is Absent.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

func Absent() Value          { return Value{kind: KindAbsent} }
func Null() Value            { return Value{kind: KindNull} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Num(n float64) Value    { return Value{kind: KindNum, n: n} }
func Str(s string) Value     { return Value{kind: KindStr, s: s} }
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// FromAny converts a decoded-JSON value (the result of json.Unmarshal into
// any) to a Value. Unsupported types map to Absent.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Num(t)
	case int:
		return Num(float64(t))
	case int64:
		return Num(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Absent()
		}
		return Num(f)
	case string:
		return Str(t)
	case []any:
		list := make([]Value, len(t))
		for i, e := range t {
			list[i] = FromAny(e)
		}
		return Value{kind: KindList, list: list}
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Value{kind: KindMap, m: m}
	default:
		return Absent()
	}
}

// FromJSON parses raw JSON into a Value. Invalid JSON yields Absent.
func FromJSON(raw []byte) Value {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Absent()
	}
	return FromAny(v)
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// Present reports whether the value resolved to anything, including null.
func (v Value) Present() bool { return v.kind != KindAbsent }

// AsString returns the string payload for string values.
func (v Value) AsString() (string, bool) {
	if v.kind != KindStr {
		return "", false
	}
	return v.s, true
}

// AsNumber returns the numeric payload for numeric values.
func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNum {
		return 0, false
	}
	return v.n, true
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// Equal performs deep equality. Absent never equals anything, including
// another Absent, so rules cannot match on unresolved paths by accident.
func (v Value) Equal(o Value) bool {
	if v.kind == KindAbsent || o.kind == KindAbsent {
		return false
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNum:
		return v.n == o.n
	case KindStr:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// Get descends into the value by one path segment. The segment may be a plain
// map key or "key[idx]" for list indexing. Missing keys, out-of-range indexes,
// and descents into scalars resolve to Absent.
func (v Value) Get(segment string) Value {
	if idx := strings.IndexByte(segment, '['); idx >= 0 && strings.HasSuffix(segment, "]") {
		key := segment[:idx]
		i, err := strconv.Atoi(segment[idx+1 : len(segment)-1])
		if err != nil {
			return Absent()
		}
		inner := v
		if key != "" {
			inner = v.Get(key)
		}
		if inner.kind != KindList || i < 0 || i >= len(inner.list) {
			return Absent()
		}
		return inner.list[i]
	}
	if v.kind != KindMap {
		return Absent()
	}
	e, ok := v.m[segment]
	if !ok {
		return Absent()
	}
	return e
}

// Path resolves a dotted path of segments against the value.
func (v Value) Path(segments ...string) Value {
	cur := v
	for _, seg := range segments {
		cur = cur.Get(seg)
		if cur.kind == KindAbsent {
			return cur
		}
	}
	return cur
}
