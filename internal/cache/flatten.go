package cache

import (
	"fmt"
	"sort"
	"strings"
)

// Flatten turns a nested document into dotted path to value pairs.
// Objects are descended; arrays and scalars are leaves. Only non-blank string
// leaves are kept, and the top-level reservedKey is skipped entirely.
//
// A key that itself contains a dot cannot be addressed by a dotted path, so
// its subtree is left out and its path is returned in skipped.
func Flatten(doc map[string]any, reservedKey string) (values map[string]string, skipped []string) {
	values = make(map[string]string)
	for _, k := range sortedKeys(doc) {
		if k == reservedKey {
			continue
		}
		flattenInto(values, &skipped, "", k, doc[k])
	}
	return values, skipped
}

func flattenInto(out map[string]string, skipped *[]string, prefix, key string, v any) {
	path := key
	if prefix != "" {
		path = prefix + "." + key
	}
	if strings.Contains(key, ".") {
		*skipped = append(*skipped, path)
		return
	}

	switch node := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(node) {
			flattenInto(out, skipped, path, k, node[k])
		}
	case map[any]any:
		converted := make(map[string]any, len(node))
		for k, inner := range node {
			converted[fmt.Sprint(k)] = inner
		}
		for _, k := range sortedKeys(converted) {
			flattenInto(out, skipped, path, k, converted[k])
		}
	case string:
		if strings.TrimSpace(node) != "" {
			out[path] = node
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
