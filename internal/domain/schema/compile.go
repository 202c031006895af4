package schema

import (
	"fmt"
	"sort"
	"strings"
)

type compiler struct {
	arena []Node

	defs     map[string]map[string]any
	defIndex map[string]int
}

// Compile turns a tool's input schema into a Schema. A nil or empty
// input compiles to a parameterless object.
func Compile(input map[string]any) (*Schema, error) {
	c := &compiler{
		defs:     collectDefs(input),
		defIndex: map[string]int{},
	}

	root, err := c.buildObject(input, "")
	if err != nil {
		return nil, err
	}

	s := &Schema{
		arena:        c.arena,
		root:         root,
		storedToWire: map[string]string{},
		wireToStored: map[string]string{},
	}
	for _, f := range c.arena[root].Fields {
		if f.Name != f.Wire {
			s.storedToWire[f.Name] = f.Wire
			s.wireToStored[f.Wire] = f.Name
		}
	}
	return s, nil
}

// collectDefs gathers $defs (or legacy definitions) as raw schemas.
func collectDefs(input map[string]any) map[string]map[string]any {
	out := map[string]map[string]any{}
	if input == nil {
		return out
	}
	for _, key := range []string{"$defs", "definitions"} {
		raw, ok := input[key].(map[string]any)
		if !ok {
			continue
		}
		for name, def := range raw {
			if m, ok := def.(map[string]any); ok {
				out[name] = m
			}
		}
	}
	return out
}

// alloc reserves an arena slot and returns its index. Callers fill the
// node afterwards, which is what makes forward references to recursive
// definitions possible.
func (c *compiler) alloc() int {
	c.arena = append(c.arena, Node{Kind: KindAny, Items: -1})
	return len(c.arena) - 1
}

// buildObject compiles an object schema (properties + required) rooted
// at a fresh arena node.
func (c *compiler) buildObject(prop map[string]any, path string) (int, error) {
	idx := c.alloc()

	properties, _ := prop["properties"].(map[string]any)
	required := stringSet(prop["required"])

	taken := map[string]struct{}{}
	for name := range properties {
		taken[name] = struct{}{}
	}

	fields := make([]Field, 0, len(properties))
	for _, wire := range sortedNames(properties) {
		fieldSchema, ok := properties[wire].(map[string]any)
		if !ok {
			fieldSchema = map[string]any{}
		}

		child, err := c.buildNode(fieldSchema, childPath(path, wire), false)
		if err != nil {
			return 0, err
		}

		stored := wire
		if needsAlias(wire) {
			stored = aliasName(wire, taken)
			taken[stored] = struct{}{}
		}

		_, isRequired := required[wire]
		fields = append(fields, Field{Name: stored, Wire: wire, Node: child, Required: isRequired})
	}

	node := Node{Kind: KindObj, Fields: fields, Items: -1}
	if desc, ok := prop["description"].(string); ok {
		node.Description = desc
	}
	c.arena[idx] = node
	return idx, nil
}

// buildNode compiles an arbitrary property schema. inUnion coarsens
// enum alternatives to their base primitive type.
func (c *compiler) buildNode(prop map[string]any, path string, inUnion bool) (int, error) {
	if ref, ok := prop["$ref"].(string); ok {
		return c.buildRef(ref, path)
	}

	if alts := unionAlternatives(prop); alts != nil {
		return c.buildUnion(alts, path)
	}

	if branches, ok := prop["allOf"].([]any); ok && len(branches) > 0 {
		return c.buildAllOf(branches, path)
	}

	if typeList, ok := prop["type"].([]any); ok {
		return c.buildTypeList(prop, typeList, path)
	}

	if enumVals, ok := prop["enum"].([]any); ok && len(enumVals) > 0 {
		return c.buildEnum(prop, enumVals, inUnion)
	}

	return c.buildTyped(prop, path)
}

// buildRef resolves a $ref. References to $defs entries are compiled
// once and shared; a reference hit while its target is still being
// compiled returns the reserved index. Property-path references that
// would loop back onto their own prefix compile to Any.
func (c *compiler) buildRef(ref, path string) (int, error) {
	if strings.HasPrefix(ref, "#/properties/") {
		refPath := strings.TrimPrefix(ref, "#/properties/")
		refPath = strings.ReplaceAll(refPath, "/properties/", ".")
		refPath = strings.ReplaceAll(refPath, "/items", ".item")
		if strings.HasPrefix(path, refPath) {
			return c.alloc(), nil
		}
	}

	name := ref[strings.LastIndex(ref, "/")+1:]
	if idx, ok := c.defIndex[name]; ok {
		return idx, nil
	}

	def, ok := c.defs[name]
	if !ok {
		return 0, fmt.Errorf("unresolvable $ref %q", ref)
	}

	// Reserve the slot first so self-references resolve forward.
	idx := c.alloc()
	c.defIndex[name] = idx

	built, err := c.buildNode(def, name, false)
	if err != nil {
		return 0, err
	}
	if built != idx {
		c.arena[idx] = c.arena[built]
	}
	return idx, nil
}

// unionAlternatives returns the anyOf or oneOf branch list, or nil.
func unionAlternatives(prop map[string]any) []any {
	if alts, ok := prop["anyOf"].([]any); ok && len(alts) > 0 {
		return alts
	}
	if alts, ok := prop["oneOf"].([]any); ok && len(alts) > 0 {
		return alts
	}
	return nil
}

func (c *compiler) buildUnion(alts []any, path string) (int, error) {
	idx := c.alloc()

	indices := make([]int, 0, len(alts))
	nullable := false
	for i, alt := range alts {
		m, ok := alt.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := m["type"].(string); t == PrimNull {
			nullable = true
			continue
		}
		child, err := c.buildNode(m, fmt.Sprintf("%s.choice_%d", path, i), true)
		if err != nil {
			return 0, err
		}
		indices = append(indices, child)
	}

	switch len(indices) {
	case 0:
		c.arena[idx] = Node{Kind: KindPrim, Prim: PrimNull, Items: -1}
	case 1:
		c.arena[idx] = c.arena[indices[0]]
		n := c.arena[idx]
		n.Nullable = n.Nullable || nullable
		c.arena[idx] = n
	default:
		c.arena[idx] = Node{Kind: KindUnion, Alts: indices, Nullable: nullable, Items: -1}
	}
	return idx, nil
}

// buildAllOf merges object branches into one object. A non-object
// branch short-circuits the merge and is compiled on its own.
func (c *compiler) buildAllOf(branches []any, path string) (int, error) {
	merged := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	var required []any

	for _, branch := range branches {
		m, ok := branch.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := m["type"].(string); t != "object" && t != "" {
			return c.buildNode(m, path, false)
		}
		if props, ok := m["properties"].(map[string]any); ok {
			target := merged["properties"].(map[string]any)
			for name, sub := range props {
				target[name] = sub
			}
		}
		if req, ok := m["required"].([]any); ok {
			required = append(required, req...)
		}
	}
	if len(required) > 0 {
		merged["required"] = required
	}
	return c.buildObject(merged, path)
}

// buildTypeList handles type arrays like ["string","null"]. Null
// membership marks the result nullable; multiple concrete types form a
// union.
func (c *compiler) buildTypeList(prop map[string]any, typeList []any, path string) (int, error) {
	nullable := false
	concrete := make([]string, 0, len(typeList))
	for _, t := range typeList {
		s, ok := t.(string)
		if !ok {
			continue
		}
		if s == PrimNull {
			nullable = true
			continue
		}
		concrete = append(concrete, s)
	}

	if len(concrete) == 0 {
		idx := c.alloc()
		c.arena[idx] = Node{Kind: KindPrim, Prim: PrimNull, Items: -1}
		return idx, nil
	}

	if len(concrete) == 1 {
		narrowed := cloneSchema(prop)
		narrowed["type"] = concrete[0]
		idx, err := c.buildNode(narrowed, path, false)
		if err != nil {
			return 0, err
		}
		n := c.arena[idx]
		n.Nullable = n.Nullable || nullable
		c.arena[idx] = n
		return idx, nil
	}

	idx := c.alloc()
	alts := make([]int, 0, len(concrete))
	for _, t := range concrete {
		narrowed := cloneSchema(prop)
		narrowed["type"] = t
		child, err := c.buildNode(narrowed, path, true)
		if err != nil {
			return 0, err
		}
		alts = append(alts, child)
	}
	c.arena[idx] = Node{Kind: KindUnion, Alts: alts, Nullable: nullable, Items: -1}
	return idx, nil
}

// buildEnum compiles a homogeneous enum into a closed literal set.
// Inside a union the enum is coarsened to its base primitive type;
// heterogeneous enums degrade to Any.
func (c *compiler) buildEnum(prop map[string]any, vals []any, inUnion bool) (int, error) {
	base, homogeneous := enumBase(vals)
	idx := c.alloc()

	if !homogeneous {
		c.arena[idx] = Node{Kind: KindAny, Items: -1}
		return idx, nil
	}

	node := Node{Kind: KindEnum, Prim: base, Enum: vals, Items: -1}
	if inUnion {
		node = Node{Kind: KindPrim, Prim: base, Items: -1}
	}
	applyMetadata(&node, prop)
	c.arena[idx] = node
	return idx, nil
}

// enumBase returns the shared primitive type of the enum values.
func enumBase(vals []any) (string, bool) {
	base := ""
	for _, v := range vals {
		var t string
		switch v.(type) {
		case string:
			t = PrimString
		case bool:
			t = PrimBoolean
		case float64, int, int64:
			t = PrimNumber
		case nil:
			t = PrimNull
		default:
			return "", false
		}
		if base == "" {
			base = t
		} else if base != t {
			return "", false
		}
	}
	return base, base != ""
}

// buildTyped compiles a single-type schema (or Any when no type given).
func (c *compiler) buildTyped(prop map[string]any, path string) (int, error) {
	t, _ := prop["type"].(string)
	switch t {
	case "object":
		return c.buildObject(prop, path)
	case "array":
		idx := c.alloc()
		items := -1
		if itemSchema, ok := prop["items"].(map[string]any); ok {
			child, err := c.buildNode(itemSchema, path+".item", false)
			if err != nil {
				return 0, err
			}
			items = child
		}
		node := Node{Kind: KindArr, Items: items}
		applyMetadata(&node, prop)
		c.arena[idx] = node
		return idx, nil
	case PrimString, PrimInteger, PrimNumber, PrimBoolean, PrimNull:
		idx := c.alloc()
		node := Node{Kind: KindPrim, Prim: t, Items: -1}
		applyMetadata(&node, prop)
		c.arena[idx] = node
		return idx, nil
	default:
		idx := c.alloc()
		node := Node{Kind: KindAny, Items: -1}
		applyMetadata(&node, prop)
		c.arena[idx] = node
		return idx, nil
	}
}

func applyMetadata(node *Node, prop map[string]any) {
	if desc, ok := prop["description"].(string); ok {
		node.Description = desc
	}
	if def, ok := prop["default"]; ok {
		node.Default = def
		node.HasDefault = true
	}
}

func cloneSchema(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func childPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func stringSet(raw any) map[string]struct{} {
	out := map[string]struct{}{}
	list, ok := raw.([]any)
	if !ok {
		return out
	}
	for _, item := range list {
		if s, ok := item.(string); ok {
			out[s] = struct{}{}
		}
	}
	return out
}

func sortedNames(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
