package persistence

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Path-scoped operations shared by every DocumentStore implementation.
// Paths are dot separated field names; the empty path addresses the root.

func LookupPath(data []byte, path string) (any, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, StorageLayerError{Message: err.Error()}
	}
	if path == "" {
		return doc, nil
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, NotFoundError{Key: path}
		}
		cur, ok = m[seg]
		if !ok {
			return nil, NotFoundError{Key: path}
		}
	}
	return cur, nil
}

func ApplySetPath(data []byte, path string, value any) ([]byte, error) {
	if path == "" {
		return json.Marshal(value)
	}
	root, err := rootMap(data)
	if err != nil {
		return nil, err
	}
	parent := descend(root, parentSegments(path), true)
	if parent == nil {
		return nil, StorageLayerError{Message: fmt.Sprintf("path %s does not address an object", path)}
	}
	parent[lastSegment(path)] = value
	return json.Marshal(root)
}

func ApplyMerge(data []byte, path string, value map[string]any) ([]byte, error) {
	root, err := rootMap(data)
	if err != nil {
		return nil, err
	}
	target := root
	if path != "" {
		target = descend(root, strings.Split(path, "."), true)
		if target == nil {
			return nil, StorageLayerError{Message: fmt.Sprintf("path %s does not address an object", path)}
		}
	}
	for k, v := range value {
		target[k] = v
	}
	return json.Marshal(root)
}

func ApplyIncrement(data []byte, path string, delta int64) ([]byte, int64, error) {
	root, err := rootMap(data)
	if err != nil {
		return nil, 0, err
	}
	parent := descend(root, parentSegments(path), true)
	if parent == nil {
		return nil, 0, StorageLayerError{Message: fmt.Sprintf("path %s does not address an object", path)}
	}
	field := lastSegment(path)
	var cur int64
	switch v := parent[field].(type) {
	case nil:
	case float64:
		cur = int64(v)
	case json.Number:
		cur, _ = v.Int64()
	default:
		return nil, 0, StorageLayerError{Message: fmt.Sprintf("field %s is not numeric", path)}
	}
	cur += delta
	parent[field] = cur
	out, err := json.Marshal(root)
	return out, cur, err
}

func ApplyAppend(data []byte, path string, value any) ([]byte, error) {
	root, err := rootMap(data)
	if err != nil {
		return nil, err
	}
	parent := descend(root, parentSegments(path), true)
	if parent == nil {
		return nil, StorageLayerError{Message: fmt.Sprintf("path %s does not address an object", path)}
	}
	field := lastSegment(path)
	switch v := parent[field].(type) {
	case nil:
		parent[field] = []any{value}
	case []any:
		parent[field] = append(v, value)
	default:
		return nil, StorageLayerError{Message: fmt.Sprintf("field %s is not a list", path)}
	}
	return json.Marshal(root)
}

func rootMap(data []byte) (map[string]any, error) {
	root := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &root); err != nil {
			return nil, StorageLayerError{Message: err.Error()}
		}
	}
	return root, nil
}

func parentSegments(path string) []string {
	segs := strings.Split(path, ".")
	return segs[:len(segs)-1]
}

func lastSegment(path string) string {
	segs := strings.Split(path, ".")
	return segs[len(segs)-1]
}

func descend(root map[string]any, segs []string, create bool) map[string]any {
	cur := root
	for _, seg := range segs {
		next, ok := cur[seg]
		if !ok {
			if !create {
				return nil
			}
			child := make(map[string]any)
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return nil
		}
		cur = child
	}
	return cur
}
