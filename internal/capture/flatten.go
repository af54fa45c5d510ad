package capture

import (
	"fmt"
	"sort"
	"strconv"
)

const (
	maxDepth = 6
	maxWidth = 64
)

// Flatten turns a decoded JSON payload into dot-path leaves. Nesting deeper
// than maxDepth and objects wider than maxWidth are cut off with a
// "(truncated)" marker so a hostile payload cannot blow up the state tree.
func Flatten(payload interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	flatten("", payload, 1, out)
	return out
}

func flatten(prefix string, value interface{}, depth int, out map[string]interface{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		if depth > maxDepth {
			out[prefix] = "(truncated)"
			return
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > maxWidth {
			keys = keys[:maxWidth]
			out[join(prefix, "_truncated")] = true
		}
		for _, k := range keys {
			flatten(join(prefix, k), v[k], depth+1, out)
		}
	case []interface{}:
		if depth > maxDepth {
			out[prefix] = "(truncated)"
			return
		}
		n := len(v)
		if n > maxWidth {
			n = maxWidth
			out[join(prefix, "_truncated")] = true
		}
		for i := 0; i < n; i++ {
			flatten(join(prefix, strconv.Itoa(i)), v[i], depth+1, out)
		}
	case nil:
		out[prefix] = nil
	case string, bool, float64:
		out[prefix] = v
	default:
		out[prefix] = fmt.Sprintf("%v", v)
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
