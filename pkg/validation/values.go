package validation

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/registry"
)

// checkValue validates one attribute value against its policy and returns
// the normalized form: int64 for integer kinds, float64 for floats, lists
// with normalized elements.
func (v *Validator) checkValue(snap *registry.Snapshot, p *registry.AttributePolicy, val any) (any, error) {
	switch p.Type {
	case registry.TypeList, registry.TypeListNE:
		items, ok := asList(val)
		if !ok {
			return nil, typeError(p, "a list")
		}
		if p.Type == registry.TypeListNE && len(items) == 0 {
			return nil, onem2m.ErrContentsUnacceptable("list must not be empty").WithAttribute(p.ShortName)
		}
		elem := *p
		elem.Type = p.ListType
		elem.ListType = ""
		out := make([]any, len(items))
		for i, item := range items {
			if item == nil {
				return nil, onem2m.ErrContentsUnacceptable("list must not contain null").WithAttribute(p.ShortName)
			}
			norm, err := v.checkScalar(snap, &elem, item)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	default:
		return v.checkScalar(snap, p, val)
	}
}

func (v *Validator) checkScalar(snap *registry.Snapshot, p *registry.AttributePolicy, val any) (any, error) {
	switch p.Type {
	case registry.TypePositiveInteger:
		n, ok := onem2m.AsInt(val)
		if !ok || n <= 0 {
			return nil, typeError(p, "a positive integer")
		}
		return n, nil

	case registry.TypeNonNegInteger, registry.TypeUnsignedLong:
		n, ok := onem2m.AsInt(val)
		if !ok || n < 0 {
			return nil, typeError(p, "a non-negative integer")
		}
		return n, nil

	case registry.TypeInteger:
		n, ok := onem2m.AsInt(val)
		if !ok {
			return nil, typeError(p, "an integer")
		}
		return n, nil

	case registry.TypeFloat:
		f, ok := onem2m.AsFloat(val)
		if !ok {
			return nil, typeError(p, "a number")
		}
		return f, nil

	case registry.TypeBoolean:
		b, ok := val.(bool)
		if !ok {
			return nil, typeError(p, "a boolean")
		}
		return b, nil

	case registry.TypeString:
		s, ok := val.(string)
		if !ok {
			return nil, typeError(p, "a string")
		}
		return s, nil

	case registry.TypeURI:
		s, ok := val.(string)
		if !ok || s == "" {
			return nil, typeError(p, "a non-empty URI string")
		}
		return s, nil

	case registry.TypeTimestamp:
		s, ok := val.(string)
		if !ok {
			return nil, typeError(p, "a timestamp string")
		}
		if _, err := onem2m.ParseTime(s); err != nil {
			return nil, typeError(p, "a oneM2M timestamp")
		}
		return s, nil

	case registry.TypeAbsRelTimestamp:
		s, ok := val.(string)
		if !ok {
			return nil, typeError(p, "an absolute or relative timestamp")
		}
		if _, err := onem2m.ParseAbsRel(s, time.Now()); err != nil {
			return nil, typeError(p, "an absolute or relative timestamp")
		}
		return s, nil

	case registry.TypeDuration:
		if _, err := onem2m.ParseDurationOrMillis(val); err != nil {
			return nil, typeError(p, "an ISO 8601 duration or milliseconds")
		}
		return val, nil

	case registry.TypeBase64:
		s, ok := val.(string)
		if !ok {
			return nil, typeError(p, "a base64 string")
		}
		if _, err := base64.StdEncoding.DecodeString(s); err != nil {
			return nil, typeError(p, "valid base64")
		}
		return s, nil

	case registry.TypeGeoCoordinates:
		m, ok := asMap(val)
		if !ok {
			return nil, typeError(p, "a geo-coordinates object")
		}
		if err := checkGeoCoordinates(m); err != nil {
			return nil, onem2m.ErrContentsUnacceptable("%v", err).WithAttribute(p.ShortName)
		}
		return map[string]any(m), nil

	case registry.TypeEnum:
		n, ok := onem2m.AsInt(val)
		if !ok {
			return nil, typeError(p, "an enum value")
		}
		if !snap.EnumContains(p.EnumType, n) {
			values, _ := snap.EnumValues(p.EnumType)
			return nil, onem2m.ErrContentsUnacceptable("value %d is not in %v", n, values).WithAttribute(p.ShortName)
		}
		return n, nil

	case registry.TypeSchedule:
		s, ok := val.(string)
		if !ok {
			return nil, typeError(p, "a schedule string")
		}
		if err := onem2m.ValidateCron(s); err != nil {
			return nil, onem2m.ErrContentsUnacceptable("invalid schedule element %q", s).WithAttribute(p.ShortName)
		}
		return s, nil

	case registry.TypeDict:
		m, ok := asMap(val)
		if !ok {
			return nil, typeError(p, "an object")
		}
		return map[string]any(m), nil

	case registry.TypeComplex:
		m, ok := asMap(val)
		if !ok {
			return nil, typeError(p, "an object")
		}
		if err := v.checkComplex(snap, p.ComplexType, p.ShortName, m); err != nil {
			return nil, err
		}
		return map[string]any(m), nil

	case registry.TypeAny:
		return val, nil
	}
	return nil, onem2m.ErrInternal("unhandled attribute data type "+string(p.Type), nil)
}

// checkComplex validates the members of a complex attribute value against
// its member table. Members marked mandatory must be present and non-null.
func (v *Validator) checkComplex(snap *registry.Snapshot, name, owner string, m onem2m.Attributes) error {
	table, ok := snap.Complex(name)
	if !ok {
		return onem2m.ErrInternal("unknown complex type "+name, nil)
	}
	for sn, val := range m {
		p, ok := table[sn]
		if !ok {
			return onem2m.ErrContentsUnacceptable("unknown member %q of %s", sn, owner).WithAttribute(owner)
		}
		if val == nil {
			return onem2m.ErrContentsUnacceptable("member %q of %s must not be null", sn, owner).WithAttribute(owner)
		}
		norm, err := v.checkValue(snap, p, val)
		if err != nil {
			return err
		}
		m[sn] = norm
	}
	for sn, p := range table {
		if p.Create == registry.Mandatory && !m.Has(sn) {
			return onem2m.ErrContentsUnacceptable("missing member %q of %s", sn, owner).WithAttribute(owner)
		}
	}
	return nil
}

// checkGeoCoordinates validates the location shape: a GeoJSON geometry type
// code plus a JSON-encoded coordinates array matching that type.
func checkGeoCoordinates(m onem2m.Attributes) error {
	typ, ok := m.Int("typ")
	if !ok || typ < 1 || typ > 6 {
		return onem2m.ErrBadRequest("geo type must be 1..6")
	}
	crd, ok := m.Str("crd")
	if !ok {
		return onem2m.ErrBadRequest("geo coordinates (crd) must be a JSON string")
	}
	var coords any
	if err := json.Unmarshal([]byte(crd), &coords); err != nil {
		return onem2m.ErrBadRequest("geo coordinates are not valid JSON")
	}
	if err := checkGeometry(int(typ), coords); err != nil {
		return err
	}
	for k := range m {
		if k != "typ" && k != "crd" {
			return onem2m.ErrBadRequest("unknown geo member %q", k)
		}
	}
	return nil
}

// checkGeometry recursively checks coordinate nesting per geometry type:
// 1 Point, 2 LineString, 3 Polygon, 4 MultiPoint, 5 MultiLineString,
// 6 MultiPolygon.
func checkGeometry(typ int, coords any) error {
	switch typ {
	case 1:
		return checkPosition(coords)
	case 2, 4:
		items, ok := coords.([]any)
		if !ok || len(items) == 0 {
			return onem2m.ErrBadRequest("geometry must be a non-empty array of positions")
		}
		if typ == 2 && len(items) < 2 {
			return onem2m.ErrBadRequest("a line needs at least two positions")
		}
		for _, it := range items {
			if err := checkPosition(it); err != nil {
				return err
			}
		}
		return nil
	case 3, 5:
		items, ok := coords.([]any)
		if !ok || len(items) == 0 {
			return onem2m.ErrBadRequest("geometry must be a non-empty array")
		}
		need := 2
		if typ == 3 {
			need = 4 // polygon rings are closed
		}
		for _, it := range items {
			ring, ok := it.([]any)
			if !ok || len(ring) < need {
				return onem2m.ErrBadRequest("geometry part has too few positions")
			}
			for _, pos := range ring {
				if err := checkPosition(pos); err != nil {
					return err
				}
			}
		}
		return nil
	case 6:
		items, ok := coords.([]any)
		if !ok || len(items) == 0 {
			return onem2m.ErrBadRequest("geometry must be a non-empty array")
		}
		for _, it := range items {
			if err := checkGeometry(3, it); err != nil {
				return err
			}
		}
		return nil
	}
	return onem2m.ErrBadRequest("unknown geometry type %d", typ)
}

func checkPosition(v any) error {
	pos, ok := v.([]any)
	if !ok || len(pos) != 2 {
		return onem2m.ErrBadRequest("a position must be a [longitude, latitude] pair")
	}
	for _, c := range pos {
		if _, ok := onem2m.AsFloat(c); !ok {
			return onem2m.ErrBadRequest("position coordinates must be numbers")
		}
	}
	return nil
}

func typeError(p *registry.AttributePolicy, want string) error {
	return onem2m.ErrContentsUnacceptable("%s must be %s", p.LongName, want).WithAttribute(p.ShortName)
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func asMap(v any) (onem2m.Attributes, bool) {
	switch t := v.(type) {
	case map[string]any:
		return onem2m.Attributes(t), true
	case onem2m.Attributes:
		return t, true
	}
	return nil, false
}
