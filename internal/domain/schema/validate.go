package schema

import (
	"fmt"
	"math"
	"strings"
)

// FieldError describes one validation failure.
type FieldError struct {
	Path    string
	Message string
}

// ValidationError aggregates every field failure for one request body.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		if f.Path == "" {
			msgs[i] = f.Message
		} else {
			msgs[i] = f.Path + ": " + f.Message
		}
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationError) add(path, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Canonicalize validates args against the schema and returns the
// canonical argument map keyed by wire names, ready for upstream
// dispatch. Aliased fields are accepted under either their wire or
// stored name; undeclared keys are dropped.
func (s *Schema) Canonicalize(args map[string]any) (map[string]any, error) {
	verr := &ValidationError{}
	out := s.canonicalizeObject(s.arena[s.root], args, "", verr)
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	return out, nil
}

func (s *Schema) canonicalizeObject(node Node, args map[string]any, path string, verr *ValidationError) map[string]any {
	out := map[string]any{}
	for _, f := range node.Fields {
		val, present := args[f.Wire]
		if !present && f.Name != f.Wire {
			val, present = args[f.Name]
		}

		fieldPath := childPath(path, f.Wire)
		child := s.arena[f.Node]

		if !present {
			if f.Required {
				verr.add(fieldPath, "field is required")
			} else if child.HasDefault && child.Default != nil {
				out[f.Wire] = child.Default
			}
			continue
		}

		out[f.Wire] = s.canonicalizeValue(child, val, fieldPath, verr)
	}
	return out
}

func (s *Schema) canonicalizeValue(node Node, val any, path string, verr *ValidationError) any {
	if val == nil {
		if node.Nullable || node.Kind == KindAny || (node.Kind == KindPrim && node.Prim == PrimNull) {
			return nil
		}
		verr.add(path, "null is not allowed")
		return nil
	}

	switch node.Kind {
	case KindAny:
		return val

	case KindPrim:
		if !matchesPrim(node.Prim, val) {
			verr.add(path, "expected %s", node.Prim)
		}
		return val

	case KindEnum:
		for _, allowed := range node.Enum {
			if literalEqual(allowed, val) {
				return val
			}
		}
		verr.add(path, "value is not one of the allowed literals")
		return val

	case KindObj:
		m, ok := val.(map[string]any)
		if !ok {
			verr.add(path, "expected object")
			return val
		}
		return s.canonicalizeObject(node, m, path, verr)

	case KindArr:
		list, ok := val.([]any)
		if !ok {
			verr.add(path, "expected array")
			return val
		}
		if node.Items < 0 {
			return list
		}
		item := s.arena[node.Items]
		out := make([]any, len(list))
		for i, v := range list {
			out[i] = s.canonicalizeValue(item, v, fmt.Sprintf("%s[%d]", path, i), verr)
		}
		return out

	case KindUnion:
		for _, alt := range node.Alts {
			probe := &ValidationError{}
			result := s.canonicalizeValue(s.arena[alt], val, path, probe)
			if len(probe.Fields) == 0 {
				return result
			}
		}
		verr.add(path, "value matches no alternative")
		return val

	default:
		return val
	}
}

// matchesPrim reports whether a decoded JSON value fits the primitive.
// Integers arrive as float64 and are accepted when integral.
func matchesPrim(prim string, val any) bool {
	switch prim {
	case PrimString:
		_, ok := val.(string)
		return ok
	case PrimBoolean:
		_, ok := val.(bool)
		return ok
	case PrimNumber:
		return isNumeric(val)
	case PrimInteger:
		switch n := val.(type) {
		case float64:
			return n == math.Trunc(n)
		case int, int64:
			return true
		default:
			return false
		}
	case PrimNull:
		return val == nil
	default:
		return true
	}
}

func isNumeric(val any) bool {
	switch val.(type) {
	case float64, int, int64:
		return true
	default:
		return false
	}
}

// literalEqual compares enum literals, treating all numeric types alike.
func literalEqual(a, b any) bool {
	if isNumeric(a) && isNumeric(b) {
		return toFloat(a) == toFloat(b)
	}
	return a == b
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return math.NaN()
	}
}
