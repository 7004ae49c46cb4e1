package catalog

import "strings"

// toolVerb names the five tool shapes the catalog projects per table.
type toolVerb string

const (
	verbGet    toolVerb = "get"
	verbList   toolVerb = "list"
	verbCreate toolVerb = "create"
	verbUpdate toolVerb = "update"
	verbDelete toolVerb = "delete"
)

// toolName builds the RPC tool name for a verb over a table, following
// spec.md §4.3's naming rule: get<Entity>, list<Entities>, create<Entity>,
// update<Entity>, delete<Entity>, with the entity name singularized (for
// get/create/update/delete) or left plural (for list) and camelCased per
// underscore-separated segment.
func toolName(verb toolVerb, table string) string {
	segments := strings.Split(table, "_")
	var entitySegments []string
	switch verb {
	case verbList:
		entitySegments = segments
	default:
		entitySegments = append([]string{}, segments...)
		last := len(entitySegments) - 1
		entitySegments[last] = singularize(entitySegments[last])
	}

	entity := camelJoin(entitySegments)
	return string(verb) + entity
}

// camelJoin upper-cases the first letter of each segment and concatenates
// them, producing the Entity portion of a camelCase tool name.
func camelJoin(segments []string) string {
	var b strings.Builder
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		b.WriteString(strings.ToUpper(seg[:1]))
		b.WriteString(seg[1:])
	}
	return b.String()
}

// singularize applies spec.md §4.3's rule: "ies"->"y", else strip a
// trailing "s", else leave unchanged.
func singularize(word string) string {
	switch {
	case strings.HasSuffix(word, "ies") && len(word) > 3:
		return word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "s") && len(word) > 1:
		return word[:len(word)-1]
	default:
		return word
	}
}
