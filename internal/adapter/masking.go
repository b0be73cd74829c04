package adapter

import "strings"

const maskedValue = "***"

// MaskConfig deep-clones config and replaces every password field named in
// passwordKeys (dot-notated) with "***".
func MaskConfig(config map[string]interface{}, passwordKeys []string) map[string]interface{} {
	clone := cloneMap(config)
	for _, key := range passwordKeys {
		setByPath(clone, strings.Split(key, "."), maskedValue)
	}
	return clone
}

// MergeConfig merges incoming over existing, preserving the existing
// value of any password field whose incoming value is "", "***", or
// absent.
func MergeConfig(existing, incoming map[string]interface{}, passwordKeys []string) map[string]interface{} {
	merged := cloneMap(existing)
	for k, v := range incoming {
		merged[k] = v
	}

	for _, key := range passwordKeys {
		path := strings.Split(key, ".")
		incomingVal, hasIncoming := getByPath(incoming, path)
		if !hasIncoming || incomingVal == "" || incomingVal == maskedValue {
			if existingVal, ok := getByPath(existing, path); ok {
				setByPath(merged, path, existingVal)
			} else {
				deleteByPath(merged, path)
			}
		}
	}
	return merged
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = cloneMap(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

func getByPath(m map[string]interface{}, path []string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return v, true
	}
	nested, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return getByPath(nested, path[1:])
}

func setByPath(m map[string]interface{}, path []string, value interface{}) {
	if len(path) == 1 {
		m[path[0]] = value
		return
	}
	nested, ok := m[path[0]].(map[string]interface{})
	if !ok {
		nested = make(map[string]interface{})
		m[path[0]] = nested
	}
	setByPath(nested, path[1:], value)
}

func deleteByPath(m map[string]interface{}, path []string) {
	if len(path) == 1 {
		delete(m, path[0])
		return
	}
	nested, ok := m[path[0]].(map[string]interface{})
	if !ok {
		return
	}
	deleteByPath(nested, path[1:])
}
