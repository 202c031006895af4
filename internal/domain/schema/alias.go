package schema

import (
	"strconv"
	"strings"
)

// needsAlias reports whether a field name must be stored under an alias.
// Leading underscores collide with generated-model restrictions in
// downstream tooling, so such names are stored stripped.
func needsAlias(name string) bool {
	return strings.HasPrefix(name, "_")
}

// aliasName strips leading underscores and appends a numeric suffix
// until the result avoids every name in taken.
func aliasName(original string, taken map[string]struct{}) string {
	base := strings.TrimLeft(original, "_")
	if base == "" {
		base = "field"
	}
	candidate := base
	for i := 1; ; i++ {
		if _, exists := taken[candidate]; !exists {
			return candidate
		}
		candidate = base + "_" + strconv.Itoa(i)
	}
}
