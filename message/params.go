package message

import (
	"sort"
	"strconv"
	"strings"
)

// Params is a message parameter map. Keys containing "." address nested
// values; keys beginning with "_" are internal and never serialized.
type Params map[string]string

// Get returns the value for key, or "" when absent.
func (p Params) Get(key string) string {
	return p[key]
}

// GetDefault returns the value for key, or def when absent.
func (p Params) GetDefault(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// GetBool interprets the value for key as a boolean. The second return
// reports whether the key was present with a literal "true" or "false".
func (p Params) GetBool(key string) (value, ok bool) {
	switch p[key] {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

// SetBool stores v as the literal "true" or "false".
func (p Params) SetBool(key string, v bool) {
	p[key] = strconv.FormatBool(v)
}

// GetInt interprets the value for key as an integer, returning def when the
// key is absent or not numeric.
func (p Params) GetInt(key string, def int64) int64 {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Copy returns a shallow copy of the parameter map.
func (p Params) Copy() Params {
	c := make(Params, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// CopyPrefix copies from src every parameter whose key starts with prefix.
// When strip is true the prefix is removed from the copied keys.
func (p Params) CopyPrefix(src Params, prefix string, strip bool) {
	for k, v := range src {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		key := k
		if strip {
			key = k[len(prefix):]
		}
		if key == "" {
			continue
		}
		p[key] = v
	}
}

// Nested reconstitutes dotted keys into nested maps: "a.b.c" becomes
// {a: {b: {c: value}}}. A scalar that collides with a nested map is dropped
// in favor of the map.
func (p Params) Nested() map[string]any {
	root := make(map[string]any)
	// Longer keys later so nested maps win over colliding scalars.
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.Count(keys[i], ".") < strings.Count(keys[j], ".")
	})
	for _, k := range keys {
		parts := strings.Split(k, ".")
		node := root
		for i, part := range parts {
			if i == len(parts)-1 {
				if _, exists := node[part].(map[string]any); !exists {
					node[part] = p[k]
				}
				break
			}
			next, ok := node[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[part] = next
			}
			node = next
		}
	}
	return root
}

// Flatten is the inverse of Nested: nested maps emit dotted keys. Values are
// stringified; booleans become the literals "true"/"false".
func Flatten(nested map[string]any) Params {
	p := make(Params)
	flattenInto(p, "", nested)
	return p
}

func flattenInto(p Params, prefix string, node map[string]any) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenInto(p, key, val)
		case string:
			p[key] = val
		case bool:
			p[key] = strconv.FormatBool(val)
		case int:
			p[key] = strconv.Itoa(val)
		case int64:
			p[key] = strconv.FormatInt(val, 10)
		case float64:
			p[key] = strconv.FormatFloat(val, 'f', -1, 64)
		case nil:
			p[key] = ""
		default:
			// The wire carries strings; other scalar types are dropped.
		}
	}
}

// WireKeys returns the keys eligible for serialization in sorted order:
// internal "_"-prefixed keys are excluded, and empty values are skipped
// unless emitEmpty is set.
func (p Params) WireKeys(emitEmpty bool) []string {
	keys := make([]string, 0, len(p))
	for k, v := range p {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if v == "" && !emitEmpty {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
