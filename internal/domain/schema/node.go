// Package schema compiles tool input schemas (JSON Schema subset with
// $ref, anyOf, allOf, enums and recursion) into a typed validator and a
// field-name aliaser.
//
// Nodes live in an arena and refer to each other by index, so recursive
// schemas never form pointer cycles.
package schema

// Kind discriminates the node union.
type Kind int

const (
	// KindAny accepts any value, including unresolvable references.
	KindAny Kind = iota
	// KindPrim is a primitive JSON type.
	KindPrim
	// KindEnum is a closed set of homogeneous literals.
	KindEnum
	// KindObj is an object with named fields.
	KindObj
	// KindArr is an array with a single item type.
	KindArr
	// KindUnion is a set of alternatives, any of which may match.
	KindUnion
)

// Primitive JSON types.
const (
	PrimString  = "string"
	PrimInteger = "integer"
	PrimNumber  = "number"
	PrimBoolean = "boolean"
	PrimNull    = "null"
)

// Node is one compiled schema node. Which fields are meaningful depends
// on Kind.
type Node struct {
	Kind Kind

	// Prim is the primitive type for KindPrim, and the coarsened base
	// type for KindEnum.
	Prim string

	// Nullable marks a type list that contained "null".
	Nullable bool

	// Enum holds the literal values for KindEnum.
	Enum []any

	// Fields holds the object fields for KindObj.
	Fields []Field

	// Items is the arena index of the element type for KindArr.
	// Negative means untyped items.
	Items int

	// Alts holds the arena indices of the union alternatives.
	Alts []int

	Description string
	Default     any
	HasDefault  bool
}

// Field is one named object field. Name is the stored (possibly aliased)
// name; Wire is the name used on the wire, identical when no alias was
// needed.
type Field struct {
	Name     string
	Wire     string
	Node     int
	Required bool
}

// Schema is a compiled tool input schema: an arena of nodes rooted at an
// object node, plus the bidirectional alias table for the root fields.
type Schema struct {
	arena []Node
	root  int

	// storedToWire and wireToStored map aliased root field names.
	// Un-aliased fields are absent from both.
	storedToWire map[string]string
	wireToStored map[string]string
}

// Root returns the root node.
func (s *Schema) Root() Node {
	return s.arena[s.root]
}

// Node returns the node at the given arena index.
func (s *Schema) Node(i int) Node {
	return s.arena[i]
}

// Len returns the arena size.
func (s *Schema) Len() int {
	return len(s.arena)
}

// WireName maps a stored field name back to its wire name.
func (s *Schema) WireName(stored string) string {
	if wire, ok := s.storedToWire[stored]; ok {
		return wire
	}
	return stored
}

// StoredName maps a wire field name to its stored name.
func (s *Schema) StoredName(wire string) string {
	if stored, ok := s.wireToStored[wire]; ok {
		return stored
	}
	return wire
}

// Aliases returns a copy of the stored-to-wire alias table.
func (s *Schema) Aliases() map[string]string {
	out := make(map[string]string, len(s.storedToWire))
	for k, v := range s.storedToWire {
		out[k] = v
	}
	return out
}

// HasParams reports whether the root object declares any fields.
func (s *Schema) HasParams() bool {
	return len(s.arena[s.root].Fields) > 0
}
