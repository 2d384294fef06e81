package http

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

// reservedKeys are the query parameters with a primitive-level meaning.
// Every other key is an attribute filter condition, matching the stored
// attribute of the same short name.
var reservedKeys = map[string]bool{
	"rcn": true, "rt": true, "drt": true, "ty": true,
	"crb": true, "cra": true, "ms": true, "us": true,
	"exb": true, "exa": true, "sts": true, "stb": true,
	"sza": true, "szb": true, "lbl": true, "chty": true,
	"pty": true, "cty": true, "atr": true, "fu": true,
	"fo": true, "lim": true, "lvl": true, "ofst": true,
	"arp": true, "gmty": true, "geom": true, "gsf": true,
	"ma": true,
}

// applyQuery folds the query string into the request primitive. The create
// fallback ty parameter was consumed by the operation mapping, so ty here
// always means a type filter.
func applyQuery(req *onem2m.Request, q url.Values) error {
	if v := q.Get("rcn"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return onem2m.ErrBadRequest("rcn %q is not a number", v)
		}
		rc := onem2m.ResultContent(n)
		req.ResultContent = &rc
	}
	if v := q.Get("rt"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return onem2m.ErrBadRequest("rt %q is not a number", v)
		}
		req.ResponseType = onem2m.ResponseType(n)
	}
	if v := q.Get("drt"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return onem2m.ErrBadRequest("drt %q is not a number", v)
		}
		req.DesiredIdentifierResultType = onem2m.DesiredIdentifierResultType(n)
	}
	if v := q.Get("ma"); v != "" {
		if _, err := onem2m.ParseDurationOrMillis(v); err != nil {
			return onem2m.ErrBadRequest("ma %q is not a duration", v)
		}
		req.MaxAge = v
	}
	fc, err := filterFromQuery(q, req.Operation)
	if err != nil {
		return err
	}
	req.FilterCriteria = fc
	return nil
}

func filterFromQuery(q url.Values, op onem2m.Operation) (*onem2m.FilterCriteria, error) {
	fc := &onem2m.FilterCriteria{}
	set := false

	for key, dst := range map[string]*string{
		"crb": &fc.CreatedBefore,
		"cra": &fc.CreatedAfter,
		"ms":  &fc.ModifiedSince,
		"us":  &fc.UnmodifiedSince,
		"exb": &fc.ExpireBefore,
		"exa": &fc.ExpireAfter,
		"arp": &fc.ApplyRelativePath,
	} {
		if v := q.Get(key); v != "" {
			*dst = v
			set = true
		}
	}

	for key, dst := range map[string]**int{
		"sts":  &fc.StateTagSmaller,
		"stb":  &fc.StateTagBigger,
		"sza":  &fc.SizeAbove,
		"szb":  &fc.SizeBelow,
		"lim":  &fc.Limit,
		"lvl":  &fc.Level,
		"ofst": &fc.Offset,
	} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, onem2m.ErrBadRequest("%s %q is not a number", key, v)
			}
			*dst = &n
			set = true
		}
	}

	if vs := q["lbl"]; len(vs) > 0 {
		fc.Labels = vs
		set = true
	}
	if vs := q["cty"]; len(vs) > 0 {
		fc.ContentTypes = vs
		set = true
	}
	if op != onem2m.OperationCreate {
		tys, err := typeList(q, "ty")
		if err != nil {
			return nil, err
		}
		if len(tys) > 0 {
			fc.ResourceTypes = tys
			set = true
		}
	}
	for key, dst := range map[string]*[]onem2m.ResourceType{
		"chty": &fc.ChildTypes,
		"pty":  &fc.ParentTypes,
	} {
		tys, err := typeList(q, key)
		if err != nil {
			return nil, err
		}
		if len(tys) > 0 {
			*dst = tys
			set = true
		}
	}

	for _, v := range q["atr"] {
		name, value, ok := strings.Cut(v, ":")
		if !ok || name == "" {
			return nil, onem2m.ErrBadRequest("atr %q is not name:value", v)
		}
		fc.Attributes = append(fc.Attributes, onem2m.AttributeMatch{Name: name, Value: value})
		set = true
	}
	for key, vs := range q {
		if reservedKeys[key] || len(vs) == 0 {
			continue
		}
		fc.Attributes = append(fc.Attributes, onem2m.AttributeMatch{Name: key, Value: vs[0]})
		set = true
	}

	if v := q.Get("fu"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, onem2m.ErrBadRequest("fu %q is not a number", v)
		}
		fc.FilterUsage = onem2m.FilterUsage(n)
		set = true
	}
	if v := q.Get("fo"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, onem2m.ErrBadRequest("fo %q is not a number", v)
		}
		fc.FilterOperation = onem2m.FilterOperation(n)
		set = true
	}

	if v := q.Get("gmty"); v != "" {
		gmty, err := strconv.Atoi(v)
		if err != nil {
			return nil, onem2m.ErrBadRequest("gmty %q is not a number", v)
		}
		gsf, err := strconv.Atoi(q.Get("gsf"))
		if err != nil {
			return nil, onem2m.ErrBadRequest("gsf %q is not a number", q.Get("gsf"))
		}
		fc.Geo = &onem2m.GeoQuery{GeometryType: gmty, Geometry: q.Get("geom"), SpatialFunction: gsf}
		set = true
	}

	if !set {
		return nil, nil
	}
	return fc, nil
}

// typeList reads repeated numeric values; values may also carry several
// space-separated numbers, which is how '+'-joined lists decode.
func typeList(q url.Values, key string) ([]onem2m.ResourceType, error) {
	var out []onem2m.ResourceType
	for _, v := range q[key] {
		for _, field := range strings.Fields(v) {
			n, err := strconv.Atoi(field)
			if err != nil {
				return nil, onem2m.ErrBadRequest("%s %q is not a number", key, field)
			}
			out = append(out, onem2m.ResourceType(n))
		}
	}
	return out, nil
}

// encodeQuery is the outbound counterpart of applyQuery, used when a
// primitive is forwarded to a remote point of access.
func encodeQuery(req *onem2m.Request) url.Values {
	q := url.Values{}
	if req.ResultContent != nil {
		q.Set("rcn", strconv.Itoa(int(*req.ResultContent)))
	}
	if req.ResponseType != 0 {
		q.Set("rt", strconv.Itoa(int(req.ResponseType)))
	}
	if req.DesiredIdentifierResultType != 0 {
		q.Set("drt", strconv.Itoa(int(req.DesiredIdentifierResultType)))
	}
	if req.MaxAge != "" {
		q.Set("ma", req.MaxAge)
	}
	fc := req.FilterCriteria
	if fc == nil {
		return q
	}
	for key, v := range map[string]string{
		"crb": fc.CreatedBefore,
		"cra": fc.CreatedAfter,
		"ms":  fc.ModifiedSince,
		"us":  fc.UnmodifiedSince,
		"exb": fc.ExpireBefore,
		"exa": fc.ExpireAfter,
		"arp": fc.ApplyRelativePath,
	} {
		if v != "" {
			q.Set(key, v)
		}
	}
	for key, v := range map[string]*int{
		"sts":  fc.StateTagSmaller,
		"stb":  fc.StateTagBigger,
		"sza":  fc.SizeAbove,
		"szb":  fc.SizeBelow,
		"lim":  fc.Limit,
		"lvl":  fc.Level,
		"ofst": fc.Offset,
	} {
		if v != nil {
			q.Set(key, strconv.Itoa(*v))
		}
	}
	for _, l := range fc.Labels {
		q.Add("lbl", l)
	}
	for _, c := range fc.ContentTypes {
		q.Add("cty", c)
	}
	for key, tys := range map[string][]onem2m.ResourceType{
		"ty":   fc.ResourceTypes,
		"chty": fc.ChildTypes,
		"pty":  fc.ParentTypes,
	} {
		for _, ty := range tys {
			q.Add(key, strconv.Itoa(int(ty)))
		}
	}
	for _, m := range fc.Attributes {
		q.Add("atr", m.Name+":"+attrValue(m.Value))
	}
	if fc.FilterUsage != 0 {
		q.Set("fu", strconv.Itoa(int(fc.FilterUsage)))
	}
	if fc.FilterOperation != 0 {
		q.Set("fo", strconv.Itoa(int(fc.FilterOperation)))
	}
	if fc.Geo != nil {
		q.Set("gmty", strconv.Itoa(fc.Geo.GeometryType))
		q.Set("geom", fc.Geo.Geometry)
		q.Set("gsf", strconv.Itoa(fc.Geo.SpatialFunction))
	}
	return q
}

func attrValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
