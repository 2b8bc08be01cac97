package mcp

import (
	"fmt"
	"math"
	"reflect"
)

// ValidateArgs checks tool arguments against the declared input schema
// before anything touches the transport. A malformed call to a stdio
// tool can hang the child process, so this gate is hard: validation
// failure means the request is never sent.
//
// Supported subset: required presence, type (string, number, integer,
// boolean, array, object), enum membership, numeric minimum/maximum and
// string minLength/maxLength. Unknown schema keywords are ignored.
func ValidateArgs(args map[string]any, schema map[string]any) error {
	if schema == nil {
		return nil
	}

	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	}

	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for name, v := range args {
		spec, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}
		if err := checkValue(name, v, spec); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(name string, v any, spec map[string]any) error {
	if typ, ok := spec["type"].(string); ok {
		if err := checkType(name, v, typ); err != nil {
			return err
		}
	}

	if enum, ok := spec["enum"].([]any); ok {
		found := false
		for _, allowed := range enum {
			if reflect.DeepEqual(v, allowed) || looseNumberEqual(v, allowed) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("argument %q: value %v not in enum %v", name, v, enum)
		}
	}

	if n, isNum := asFloat(v); isNum {
		if min, ok := asFloat(spec["minimum"]); ok && n < min {
			return fmt.Errorf("argument %q: %v below minimum %v", name, n, min)
		}
		if max, ok := asFloat(spec["maximum"]); ok && n > max {
			return fmt.Errorf("argument %q: %v above maximum %v", name, n, max)
		}
	}

	if s, isStr := v.(string); isStr {
		length := len([]rune(s))
		if min, ok := asFloat(spec["minLength"]); ok && float64(length) < min {
			return fmt.Errorf("argument %q: length %d below minLength %v", name, length, min)
		}
		if max, ok := asFloat(spec["maxLength"]); ok && float64(length) > max {
			return fmt.Errorf("argument %q: length %d above maxLength %v", name, length, max)
		}
	}
	return nil
}

func checkType(name string, v any, typ string) error {
	ok := false
	switch typ {
	case "string":
		_, ok = v.(string)
	case "number":
		_, ok = asFloat(v)
	case "integer":
		if n, isNum := asFloat(v); isNum {
			ok = n == math.Trunc(n)
		}
	case "boolean":
		_, ok = v.(bool)
	case "array":
		_, ok = v.([]any)
	case "object":
		_, ok = v.(map[string]any)
	default:
		// Unknown declared type: accept anything.
		ok = true
	}
	if !ok {
		return fmt.Errorf("argument %q: expected %s, got %T", name, typ, v)
	}
	return nil
}

// asFloat normalizes the numeric shapes seen from JSON decoding and
// direct Go callers.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// looseNumberEqual compares enum members numerically so a decoded 2.0
// matches a declared 2.
func looseNumberEqual(a, b any) bool {
	fa, okA := asFloat(a)
	fb, okB := asFloat(b)
	return okA && okB && fa == fb
}
