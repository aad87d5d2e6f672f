package twin

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Properties is a hierarchical JSON document. Values are the types produced by
// decoding JSON into interface{}: map[string]interface{}, []interface{}, string,
// float64, bool and nil.
type Properties map[string]interface{}

// PropertiesFrom converts any JSON-marshallable value into Properties. The value
// must marshal to a JSON object.
func PropertiesFrom(v interface{}) (Properties, error) {
	data, ok := v.([]byte)
	if !ok {
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, err
		}
	}
	var p Properties
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("properties must be a JSON object")
	}
	return p, nil
}

// Merge applies patch to p with JSON merge patch semantics and returns the result.
// Neither p nor patch are modified.
func (p Properties) Merge(patch Properties) Properties {
	result := p.Clone()
	if result == nil {
		result = Properties{}
	}
	mergeInto(result, patch)
	return result
}

func mergeInto(dst map[string]interface{}, patch map[string]interface{}) {
	for key, value := range patch {
		if value == nil {
			delete(dst, key)
			continue
		}
		if patchObject, ok := value.(map[string]interface{}); ok {
			target, ok := dst[key].(map[string]interface{})
			if !ok {
				target = map[string]interface{}{}
			}
			mergeInto(target, patchObject)
			dst[key] = target
			continue
		}
		if patchObject, ok := value.(Properties); ok {
			target, ok := dst[key].(map[string]interface{})
			if !ok {
				target = map[string]interface{}{}
			}
			mergeInto(target, patchObject)
			dst[key] = target
			continue
		}
		dst[key] = cloneValue(value)
	}
}

// Clone returns a deep copy of p
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	return Properties(cloneValue(map[string]interface{}(p)).(map[string]interface{}))
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		c := make(map[string]interface{}, len(t))
		for k, e := range t {
			c[k] = cloneValue(e)
		}
		return c
	case Properties:
		return cloneValue(map[string]interface{}(t))
	case []interface{}:
		c := make([]interface{}, len(t))
		for i, e := range t {
			c[i] = cloneValue(e)
		}
		return c
	default:
		return v
	}
}

// Lookup returns the value at path. The second return value is false if any
// element of the path is missing or is not an object.
func (p Properties) Lookup(path ...string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(p)
	for _, key := range path {
		object, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = object[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Decode decodes the value at path into v. It returns false if there is no value
// at path.
func (p Properties) Decode(v interface{}, path ...string) (bool, error) {
	value, ok := p.Lookup(path...)
	if !ok || value == nil {
		return false, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return true, err
	}
	return true, json.Unmarshal(data, v)
}

// Envelope wraps value into nested objects, one per element of path.
// Envelope(v, "a", "b") is {"a": {"b": v}}.
func Envelope(value interface{}, path ...string) Properties {
	if len(path) == 0 {
		panic("envelope needs at least one key")
	}
	var current interface{} = value
	for i := len(path) - 1; i > 0; i-- {
		current = map[string]interface{}{path[i]: current}
	}
	return Properties{path[0]: current}
}
