package schema

// JSONSchema re-emits the compiled schema as a JSON Schema fragment for
// OpenAPI documents. Field names are the stored (aliased) names so the
// document never shows underscore-prefixed parameters. Recursive nodes
// emit an unconstrained schema at the point of re-entry.
func (s *Schema) JSONSchema() map[string]any {
	return s.emit(s.root, map[int]bool{})
}

func (s *Schema) emit(idx int, visiting map[int]bool) map[string]any {
	if visiting[idx] {
		return map[string]any{}
	}
	visiting[idx] = true
	defer delete(visiting, idx)

	node := s.arena[idx]
	out := map[string]any{}
	if node.Description != "" {
		out["description"] = node.Description
	}
	if node.HasDefault {
		out["default"] = node.Default
	}

	switch node.Kind {
	case KindPrim:
		if node.Nullable {
			out["type"] = []any{node.Prim, PrimNull}
		} else {
			out["type"] = node.Prim
		}

	case KindEnum:
		out["type"] = node.Prim
		out["enum"] = node.Enum

	case KindObj:
		out["type"] = "object"
		props := map[string]any{}
		var required []string
		for _, f := range node.Fields {
			props[f.Name] = s.emit(f.Node, visiting)
			if f.Required {
				required = append(required, f.Name)
			}
		}
		out["properties"] = props
		if len(required) > 0 {
			out["required"] = required
		}

	case KindArr:
		out["type"] = "array"
		if node.Items >= 0 {
			out["items"] = s.emit(node.Items, visiting)
		}

	case KindUnion:
		alts := make([]any, 0, len(node.Alts)+1)
		for _, alt := range node.Alts {
			alts = append(alts, s.emit(alt, visiting))
		}
		if node.Nullable {
			alts = append(alts, map[string]any{"type": PrimNull})
		}
		out["anyOf"] = alts
	}

	return out
}
