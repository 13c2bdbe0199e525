package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Lookup walks a decoded JSON document along a dotted path. Numeric segments
// index into arrays.
func Lookup(doc any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	current := doc
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}
			current = node[index]
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// LookupString is Lookup followed by ToString; absent values are "".
func LookupString(doc any, path string) string {
	value, ok := Lookup(doc, path)
	if !ok {
		return ""
	}
	return ToString(value)
}

// SetPath assigns value at a dotted path, creating intermediate objects.
func SetPath(doc map[string]any, path string, value any) {
	segments := strings.Split(strings.TrimSpace(path), ".")
	current := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

// Wrap nests doc under a dotted path so that a field table written for a
// webhook envelope applies to a bare record.
func Wrap(path string, doc any) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(path) == "" {
		if m, ok := doc.(map[string]any); ok {
			return m
		}
		return out
	}
	SetPath(out, path, doc)
	return out
}

func ToString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// DecodeDocument decodes a JSON object keeping numbers exact.
func DecodeDocument(raw []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var doc map[string]any
	if err := decoder.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("document is not a JSON object")
	}
	return doc, nil
}
