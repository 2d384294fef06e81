package onem2m

import (
	"encoding/json"
	"sort"
)

// Attributes is the generic resource and primitive-content representation:
// attribute short names mapped to their decoded values. Values follow the
// JSON model (string, bool, float64/int64, []any, map[string]any) and the
// typed accessors below normalize the numeric variants the decoders produce.
type Attributes map[string]any

// Str returns the string value of key.
func (a Attributes) Str(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// StrOr returns the string value of key, or def when absent.
func (a Attributes) StrOr(key, def string) string {
	if s, ok := a.Str(key); ok {
		return s
	}
	return def
}

// Int returns the integer value of key, coercing the numeric types the
// JSON and CBOR decoders produce.
func (a Attributes) Int(key string) (int64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	return AsInt(v)
}

// IntOr returns the integer value of key, or def when absent.
func (a Attributes) IntOr(key string, def int64) int64 {
	if n, ok := a.Int(key); ok {
		return n
	}
	return def
}

// Float returns the float value of key.
func (a Attributes) Float(key string) (float64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	return AsFloat(v)
}

// Bool returns the boolean value of key.
func (a Attributes) Bool(key string) (bool, bool) {
	v, ok := a[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// BoolOr returns the boolean value of key, or def when absent.
func (a Attributes) BoolOr(key string, def bool) bool {
	if b, ok := a.Bool(key); ok {
		return b
	}
	return def
}

// Slice returns the list value of key.
func (a Attributes) Slice(key string) ([]any, bool) {
	v, ok := a[key]
	if !ok {
		return nil, false
	}
	s, ok := v.([]any)
	if ok {
		return s, true
	}
	// Decoders for typed lists may already hand back []string.
	if ss, ok := v.([]string); ok {
		out := make([]any, len(ss))
		for i, e := range ss {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

// StrSlice returns the list value of key as strings; non-string elements
// are skipped.
func (a Attributes) StrSlice(key string) ([]string, bool) {
	raw, ok := a.Slice(key)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

// IntSlice returns the list value of key as integers.
func (a Attributes) IntSlice(key string) ([]int64, bool) {
	raw, ok := a.Slice(key)
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		if n, ok := AsInt(v); ok {
			out = append(out, n)
		}
	}
	return out, true
}

// Map returns the nested map value of key.
func (a Attributes) Map(key string) (Attributes, bool) {
	v, ok := a[key]
	if !ok {
		return nil, false
	}
	switch m := v.(type) {
	case Attributes:
		return m, true
	case map[string]any:
		return Attributes(m), true
	}
	return nil, false
}

// Has reports whether key is present, even with a null value.
func (a Attributes) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// IsNull reports whether key is present with an explicit null value, the
// oneM2M way to request attribute deletion on update.
func (a Attributes) IsNull(key string) bool {
	v, ok := a[key]
	return ok && v == nil
}

// ResourceType returns the ty attribute.
func (a Attributes) ResourceType() ResourceType {
	n, _ := a.Int("ty")
	return ResourceType(n)
}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy. Nested maps and slices are copied; scalar
// values are shared, which is safe because they are immutable.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Attributes:
		return t.Clone()
	case map[string]any:
		return map[string]any(Attributes(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// Merge copies every entry of src into a, overwriting existing keys.
func (a Attributes) Merge(src Attributes) {
	for k, v := range src {
		a[k] = cloneValue(v)
	}
}

// AsInt coerces the numeric representations produced by the JSON and CBOR
// decoders to int64. Floats only convert when they carry no fraction.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return 0, false
	case float32:
		if float64(n) == float64(int64(n)) {
			return int64(n), true
		}
		return 0, false
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// AsFloat coerces decoder numerics to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

var wireKeys = map[ResourceType]string{
	ResourceTypeACP:                "m2m:acp",
	ResourceTypeAE:                 "m2m:ae",
	ResourceTypeContainer:          "m2m:cnt",
	ResourceTypeContentInstance:    "m2m:cin",
	ResourceTypeCSEBase:            "m2m:cb",
	ResourceTypeGroup:              "m2m:grp",
	ResourceTypeMgmtObj:            "m2m:mgo",
	ResourceTypeNode:               "m2m:nod",
	ResourceTypePollingChannel:     "m2m:pch",
	ResourceTypeRemoteCSE:          "m2m:csr",
	ResourceTypeRequest:            "m2m:req",
	ResourceTypeSchedule:           "m2m:sch",
	ResourceTypeSubscription:       "m2m:sub",
	ResourceTypeFlexContainer:      "m2m:fcnt",
	ResourceTypeTimeSeries:         "m2m:ts",
	ResourceTypeTimeSeriesInstance: "m2m:tsi",
	ResourceTypeCrossResourceSub:   "m2m:crs",
	ResourceTypeFlexContainerInst:  "m2m:fci",
	ResourceTypeTimeSyncBeacon:     "m2m:tsb",
	ResourceTypeAction:             "m2m:actr",
	ResourceTypeDependency:         "m2m:depr",
}

// WireKey returns the namespaced member name wrapping a resource of type t
// in primitive content, e.g. "m2m:cnt". Announced types append "A". Unknown
// types fall back to "m2m:rce".
func WireKey(t ResourceType) string {
	if k, ok := wireKeys[t]; ok {
		return k
	}
	if t.IsAnnounced() {
		if k, ok := wireKeys[t.Original()]; ok {
			return k + "A"
		}
	}
	return "m2m:rce"
}

// TypeFromWireKey resolves a namespaced member name back to a resource
// type. Unknown keys return false; flexContainer specializations use their
// own namespaces and are resolved by the policy registry instead.
func TypeFromWireKey(key string) (ResourceType, bool) {
	for t, k := range wireKeys {
		if k == key {
			return t, true
		}
		if k+"A" == key {
			return t.Announced(), true
		}
	}
	return 0, false
}

// Wrap envelopes attrs under the wire key of type t, the shape primitive
// content uses on the wire.
func Wrap(t ResourceType, attrs Attributes) Attributes {
	key := WireKey(t)
	if wk, ok := attrs.Str("__wk"); ok && t.Original() == ResourceTypeFlexContainer {
		key = wk
		if t.IsAnnounced() {
			key += "A"
		}
	}
	clean := attrs.Clone()
	delete(clean, "__wk")
	return Attributes{key: map[string]any(clean)}
}

// Unwrap extracts the single resource envelope from primitive content and
// returns its wire key and attributes. It fails when the content has no or
// more than one member.
func Unwrap(content Attributes) (string, Attributes, error) {
	if len(content) != 1 {
		return "", nil, ErrContentsUnacceptable("content must contain exactly one resource envelope, got %d members", len(content))
	}
	for key, v := range content {
		inner, ok := v.(map[string]any)
		if !ok {
			if a, ok := v.(Attributes); ok {
				return key, a, nil
			}
			return "", nil, ErrContentsUnacceptable("resource envelope %s is not an object", key)
		}
		return key, Attributes(inner), nil
	}
	return "", nil, ErrContentsUnacceptable("empty content")
}
