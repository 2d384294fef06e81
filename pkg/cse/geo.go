package cse

import (
	"encoding/json"
	"fmt"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

// Geometry type codes of m2m:geometryType.
const (
	geoPoint = iota + 1
	geoLineString
	geoPolygon
	geoMultiPoint
	geoMultiLineString
	geoMultiPolygon
)

// Spatial function codes of m2m:geoSpatialFunction.
const (
	geoWithinFn = iota + 1
	geoContainsFn
	geoIntersectsFn
)

// geoShape is the flattened geometry the matcher works with: every vertex,
// plus the closed rings for the types that span an area.
type geoShape struct {
	points [][2]float64
	rings  [][][2]float64
}

// geoMatch evaluates the geo query against a resource's location attribute.
// A resource without a usable location never matches; a malformed query is
// the caller's error.
func geoMatch(q *onem2m.GeoQuery, loc any) (bool, error) {
	query, err := parseGeometry(q.GeometryType, q.Geometry)
	if err != nil {
		return false, onem2m.ErrBadRequest("invalid filter geometry: %v", err).WithAttribute("gq")
	}

	locMap, ok := loc.(map[string]any)
	if !ok {
		return false, nil
	}
	la := onem2m.Attributes(locMap)
	res, err := parseGeometry(int(la.IntOr("typ", 0)), la.StrOr("crd", ""))
	if err != nil {
		return false, nil
	}

	switch q.SpatialFunction {
	case geoWithinFn:
		return geoWithin(res, query), nil
	case geoContainsFn:
		return geoWithin(query, res), nil
	case geoIntersectsFn:
		return geoIntersects(res, query), nil
	}
	return false, onem2m.ErrBadRequest("unsupported spatial function %d", q.SpatialFunction).WithAttribute("gq")
}

// parseGeometry decodes a GeoJSON-style coordinate array for the given
// geometry type code.
func parseGeometry(typ int, geom string) (*geoShape, error) {
	var raw any
	if err := json.Unmarshal([]byte(geom), &raw); err != nil {
		return nil, fmt.Errorf("coordinates are not valid JSON: %w", err)
	}
	shape := &geoShape{}
	switch typ {
	case geoPoint:
		p, err := asPoint(raw)
		if err != nil {
			return nil, err
		}
		shape.points = [][2]float64{p}
	case geoLineString, geoMultiPoint:
		pts, err := asPointList(raw)
		if err != nil {
			return nil, err
		}
		shape.points = pts
	case geoPolygon:
		rings, err := asRingList(raw)
		if err != nil {
			return nil, err
		}
		shape.rings = rings
		for _, r := range rings {
			shape.points = append(shape.points, r...)
		}
	case geoMultiLineString:
		lines, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("multi line string must be an array of lines")
		}
		for _, line := range lines {
			pts, err := asPointList(line)
			if err != nil {
				return nil, err
			}
			shape.points = append(shape.points, pts...)
		}
	case geoMultiPolygon:
		polys, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("multi polygon must be an array of polygons")
		}
		for _, poly := range polys {
			rings, err := asRingList(poly)
			if err != nil {
				return nil, err
			}
			shape.rings = append(shape.rings, rings...)
			for _, r := range rings {
				shape.points = append(shape.points, r...)
			}
		}
	default:
		return nil, fmt.Errorf("unknown geometry type %d", typ)
	}
	return shape, nil
}

func asPoint(v any) ([2]float64, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) < 2 {
		return [2]float64{}, fmt.Errorf("coordinate must be a two-element array")
	}
	x, okX := onem2m.AsFloat(arr[0])
	y, okY := onem2m.AsFloat(arr[1])
	if !okX || !okY {
		return [2]float64{}, fmt.Errorf("coordinate members must be numbers")
	}
	return [2]float64{x, y}, nil
}

func asPointList(v any) ([][2]float64, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("coordinates must be an array of points")
	}
	pts := make([][2]float64, 0, len(arr))
	for _, e := range arr {
		p, err := asPoint(e)
		if err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, nil
}

// asRingList decodes polygon rings. Each ring must close on its first
// coordinate and carry at least four points.
func asRingList(v any) ([][][2]float64, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("polygon must be an array of rings")
	}
	rings := make([][][2]float64, 0, len(arr))
	for _, e := range arr {
		ring, err := asPointList(e)
		if err != nil {
			return nil, err
		}
		if len(ring) < 4 {
			return nil, fmt.Errorf("polygon ring needs at least four points")
		}
		if ring[0] != ring[len(ring)-1] {
			return nil, fmt.Errorf("polygon ring must close on its first point")
		}
		rings = append(rings, ring)
	}
	return rings, nil
}

// geoWithin reports whether every vertex of a lies inside b. Without an
// area on b it degrades to vertex equality.
func geoWithin(a, b *geoShape) bool {
	if len(a.points) == 0 {
		return false
	}
	if len(b.rings) == 0 {
		for _, p := range a.points {
			if !hasVertex(b, p) {
				return false
			}
		}
		return true
	}
	for _, p := range a.points {
		if !inAnyRing(p, b.rings) {
			return false
		}
	}
	return true
}

// geoIntersects reports whether the shapes share any space: a vertex of one
// inside the other, or a shared vertex.
func geoIntersects(a, b *geoShape) bool {
	for _, p := range a.points {
		if inAnyRing(p, b.rings) || hasVertex(b, p) {
			return true
		}
	}
	for _, p := range b.points {
		if inAnyRing(p, a.rings) {
			return true
		}
	}
	return false
}

func hasVertex(s *geoShape, p [2]float64) bool {
	for _, v := range s.points {
		if v == p {
			return true
		}
	}
	return false
}

func inAnyRing(p [2]float64, rings [][][2]float64) bool {
	for _, ring := range rings {
		if pointInRing(p, ring) {
			return true
		}
	}
	return false
}

// pointInRing runs the even-odd ray casting test. Points on an edge count
// as inside.
func pointInRing(p [2]float64, ring [][2]float64) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if p == ring[i] {
			return true
		}
		if (yi > p[1]) != (yj > p[1]) {
			at := (xj-xi)*(p[1]-yi)/(yj-yi) + xi
			if p[0] == at {
				return true
			}
			if p[0] < at {
				inside = !inside
			}
		}
	}
	return inside
}
