package cse

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// discover walks the subtree under the target and answers with the
// addresses of the resources matching the filter criteria. Resources the
// originator may not discover stay silently absent.
func (s *Service) discover(ctx context.Context, req *onem2m.Request, root *storage.ResourceDoc) *onem2m.Response {
	if err := s.authorize(ctx, req, root, onem2m.PermissionDiscover); err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	fc := req.FilterCriteria
	matches, err := s.walkMatches(ctx, req, root, fc)
	if err != nil {
		return onem2m.ErrorResponse(req, err)
	}

	if fc.Offset != nil && *fc.Offset > 0 {
		if *fc.Offset < len(matches) {
			matches = matches[*fc.Offset:]
		} else {
			matches = nil
		}
	}
	if fc.Limit != nil && *fc.Limit >= 0 && len(matches) > *fc.Limit {
		matches = matches[:*fc.Limit]
	}
	if fc.ApplyRelativePath != "" {
		matches = s.applyRelativePath(ctx, matches, fc.ApplyRelativePath)
	}

	uril := make([]any, 0, len(matches))
	for _, doc := range matches {
		if req.DesiredIdentifierResultType == onem2m.ResultTypeUnstructured {
			uril = append(uril, doc.RI)
		} else {
			uril = append(uril, doc.Path)
		}
	}
	return onem2m.SuccessResponse(req, onem2m.Attributes{"m2m:uril": uril})
}

// walkMatches walks the subtree breadth first in creation order, bounded by
// the level criterion, and collects the matching resources.
func (s *Service) walkMatches(ctx context.Context, req *onem2m.Request, root *storage.ResourceDoc, fc *onem2m.FilterCriteria) ([]*storage.ResourceDoc, error) {
	maxDepth := 0
	if fc.Level != nil && *fc.Level > 0 {
		maxDepth = *fc.Level
	}

	type frame struct {
		doc   *storage.ResourceDoc
		depth int
	}
	var out []*storage.ResourceDoc
	queue := []frame{{root, 0}}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]

		allowed := f.depth == 0 || s.authorize(ctx, req, f.doc, onem2m.PermissionDiscover) == nil
		if allowed {
			ok, err := s.matchFilter(ctx, f.doc, fc)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, f.doc)
			}
		}

		if maxDepth > 0 && f.depth >= maxDepth {
			continue
		}
		children, err := s.store.Children(ctx, f.doc.RI)
		if err != nil {
			return nil, onem2m.ErrInternal("loading children", err)
		}
		for _, child := range children {
			queue = append(queue, frame{child, f.depth + 1})
		}
	}
	return out, nil
}

// applyRelativePath replaces each match with the resource at the relative
// path below it, dropping matches where nothing lives there.
func (s *Service) applyRelativePath(ctx context.Context, matches []*storage.ResourceDoc, arp string) []*storage.ResourceDoc {
	arp = strings.Trim(arp, "/")
	out := make([]*storage.ResourceDoc, 0, len(matches))
	for _, doc := range matches {
		resolved, err := s.resolvePath(ctx, onem2m.SRNJoin(doc.Path, arp))
		if err != nil {
			continue
		}
		out = append(out, resolved)
	}
	return out
}

// matchFilter evaluates the filter conditions present in fc against one
// resource. Absent conditions do not participate; the filter operation
// combines the rest.
func (s *Service) matchFilter(ctx context.Context, doc *storage.ResourceDoc, fc *onem2m.FilterCriteria) (bool, error) {
	attrs := doc.Attributes
	var checks []bool

	if fc.CreatedBefore != "" {
		checks = append(checks, attrs.StrOr("ct", "") < fc.CreatedBefore)
	}
	if fc.CreatedAfter != "" {
		checks = append(checks, attrs.StrOr("ct", "") > fc.CreatedAfter)
	}
	if fc.ModifiedSince != "" {
		checks = append(checks, attrs.StrOr("lt", "") >= fc.ModifiedSince)
	}
	if fc.UnmodifiedSince != "" {
		checks = append(checks, attrs.StrOr("lt", "") <= fc.UnmodifiedSince)
	}
	if fc.ExpireBefore != "" {
		checks = append(checks, doc.Expiration != "" && doc.Expiration < fc.ExpireBefore)
	}
	if fc.ExpireAfter != "" {
		checks = append(checks, doc.Expiration == "" || doc.Expiration > fc.ExpireAfter)
	}
	if fc.StateTagSmaller != nil {
		checks = append(checks, attrs.IntOr("st", 0) < int64(*fc.StateTagSmaller))
	}
	if fc.StateTagBigger != nil {
		checks = append(checks, attrs.IntOr("st", 0) > int64(*fc.StateTagBigger))
	}
	if fc.SizeAbove != nil {
		checks = append(checks, contentSize(doc) > int64(*fc.SizeAbove))
	}
	if fc.SizeBelow != nil {
		checks = append(checks, contentSize(doc) < int64(*fc.SizeBelow))
	}
	if len(fc.Labels) > 0 {
		lbl, _ := attrs.StrSlice("lbl")
		checks = append(checks, overlaps(lbl, fc.Labels))
	}
	if len(fc.ResourceTypes) > 0 {
		checks = append(checks, slices.Contains(fc.ResourceTypes, doc.Type))
	}
	if len(fc.ContentTypes) > 0 {
		checks = append(checks, slices.Contains(fc.ContentTypes, mediaOf(attrs.StrOr("cnf", ""))))
	}
	if len(fc.ParentTypes) > 0 {
		match := false
		if doc.PI != "" {
			if parent, err := s.store.GetResource(ctx, doc.PI); err == nil {
				match = slices.Contains(fc.ParentTypes, parent.Type)
			}
		}
		checks = append(checks, match)
	}
	if len(fc.ChildTypes) > 0 {
		match := false
		for _, ty := range fc.ChildTypes {
			n, err := s.store.CountChildrenOfType(ctx, doc.RI, ty)
			if err == nil && n > 0 {
				match = true
				break
			}
		}
		checks = append(checks, match)
	}
	for _, m := range fc.Attributes {
		checks = append(checks, attributeEquals(attrs[m.Name], m.Value))
	}
	if fc.Geo != nil {
		ok, err := geoMatch(fc.Geo, attrs["loc"])
		if err != nil {
			return false, err
		}
		checks = append(checks, ok)
	}

	if len(checks) == 0 {
		return true, nil
	}
	if fc.Operation() == onem2m.FilterOperationOR {
		return slices.Contains(checks, true), nil
	}
	return !slices.Contains(checks, false), nil
}

// contentSize reads the byte size criterion source: instance content size
// or container buffer size.
func contentSize(doc *storage.ResourceDoc) int64 {
	if cs, ok := doc.Attributes.Int("cs"); ok {
		return cs
	}
	return doc.Attributes.IntOr("cbs", 0)
}

// mediaOf strips the encoding parts off a contentInfo value.
func mediaOf(cnf string) string {
	if i := strings.Index(cnf, ":"); i >= 0 {
		return cnf[:i]
	}
	return cnf
}

func overlaps(a, b []string) bool {
	for _, v := range a {
		if slices.Contains(b, v) {
			return true
		}
	}
	return false
}

// attributeEquals compares a stored attribute against a filter value,
// numerically when both sides are numbers.
func attributeEquals(stored, want any) bool {
	if stored == nil {
		return false
	}
	if fs, ok := onem2m.AsFloat(stored); ok {
		if fw, ok := onem2m.AsFloat(want); ok {
			return fs == fw
		}
	}
	return fmt.Sprintf("%v", stored) == fmt.Sprintf("%v", want)
}
