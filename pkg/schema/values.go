package schema

import (
	"encoding/json"
	"reflect"
)

// ValuesEqual reports whether two field values are strictly equal.
//
// Numbers compare by value regardless of their Go representation, so a seed
// row decoded as float64 matches a lookup value passed as an int. Strings,
// booleans and nil compare with ==. Maps and slices have reference identity
// and never compare equal.
func ValuesEqual(a, b any) bool {
	if fa, ok := AsNumber(a); ok {
		fb, ok := AsNumber(b)
		return ok && fa == fb
	}
	if _, ok := AsNumber(b); ok {
		return false
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	switch ta.Kind() {
	case reflect.Map, reflect.Slice, reflect.Func:
		return false
	}
	return a == b
}

// AsNumber returns v as a float64 if it holds any numeric type.
func AsNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ValidKey reports whether v may be used as a primary key: a string or a number.
func ValidKey(v any) bool {
	if _, ok := v.(string); ok {
		return true
	}
	_, ok := AsNumber(v)
	return ok
}

// CompareKeys orders two valid keys the way the bundled engines iterate
// them: numbers before strings, each ascending.
func CompareKeys(a, b any) int {
	fa, aNum := AsNumber(a)
	fb, bNum := AsNumber(b)
	switch {
	case aNum && bNum:
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	}
	sa, _ := a.(string)
	sb, _ := b.(string)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

// ParseValue interprets a command-line or bridge argument as a JSON value,
// falling back to the raw string when it is not valid JSON.
func ParseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
