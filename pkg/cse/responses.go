package cse

import (
	"context"
	"reflect"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/resources"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// createResponse renders the create result for the requested result
// content. submitted is the attribute state right after validation, used to
// diff out the server-assigned attributes.
func (s *Service) createResponse(req *onem2m.Request, r *resources.Resource, submitted onem2m.Attributes) *onem2m.Response {
	switch req.ResultContentOrDefault() {
	case onem2m.ResultContentNothing:
		return onem2m.SuccessResponse(req, nil)
	case onem2m.ResultContentHierarchicalAddress:
		return onem2m.SuccessResponse(req, onem2m.Attributes{"m2m:uri": r.Path})
	case onem2m.ResultContentAddressAndAttributes:
		content := onem2m.Wrap(r.Type, r.Attributes)
		content["m2m:uri"] = r.Path
		return onem2m.SuccessResponse(req, content)
	case onem2m.ResultContentModifiedAttributes:
		return onem2m.SuccessResponse(req, wrapAs(r.ResourceDoc, assignedDiff(submitted, r.Attributes)))
	default:
		return onem2m.SuccessResponse(req, onem2m.Wrap(r.Type, r.Attributes))
	}
}

// updateResponse renders the update result. Modified attributes echo the
// touched attributes plus the bookkeeping the update moved.
func (s *Service) updateResponse(req *onem2m.Request, r *resources.Resource, updates onem2m.Attributes) *onem2m.Response {
	switch req.ResultContentOrDefault() {
	case onem2m.ResultContentNothing:
		return onem2m.SuccessResponse(req, nil)
	case onem2m.ResultContentModifiedAttributes:
		mod := onem2m.Attributes{}
		for k := range updates {
			if k == "__wk" {
				continue
			}
			if v, ok := r.Attributes[k]; ok {
				mod[k] = v
			}
		}
		mod["lt"] = r.Attributes["lt"]
		if st, ok := r.Attributes["st"]; ok {
			mod["st"] = st
		}
		return onem2m.SuccessResponse(req, wrapAs(r.ResourceDoc, mod))
	default:
		return onem2m.SuccessResponse(req, onem2m.Wrap(r.Type, r.Attributes))
	}
}

// deleteResponse renders the delete result from the state before the
// subtree goes away.
func (s *Service) deleteResponse(ctx context.Context, req *onem2m.Request, doc *storage.ResourceDoc) (*onem2m.Response, error) {
	switch req.ResultContentOrDefault() {
	case onem2m.ResultContentAttributes:
		return onem2m.SuccessResponse(req, onem2m.Wrap(doc.Type, doc.Attributes)), nil
	case onem2m.ResultContentAttributesAndChild:
		content, err := s.withChildResources(ctx, req, doc, true)
		if err != nil {
			return nil, err
		}
		return onem2m.SuccessResponse(req, content), nil
	case onem2m.ResultContentChildResources:
		content, err := s.withChildResources(ctx, req, doc, false)
		if err != nil {
			return nil, err
		}
		return onem2m.SuccessResponse(req, content), nil
	case onem2m.ResultContentChildRefs:
		refs, err := s.childRefs(ctx, req, doc)
		if err != nil {
			return nil, err
		}
		return onem2m.SuccessResponse(req, onem2m.Attributes{"m2m:rrl": map[string]any{"rrf": refs}}), nil
	default:
		return onem2m.SuccessResponse(req, nil), nil
	}
}

// retrieveResponse renders a read for the requested result content.
func (s *Service) retrieveResponse(ctx context.Context, req *onem2m.Request, doc *storage.ResourceDoc) *onem2m.Response {
	switch req.ResultContentOrDefault() {
	case onem2m.ResultContentAttributesAndChild:
		content, err := s.withChildResources(ctx, req, doc, true)
		if err != nil {
			return onem2m.ErrorResponse(req, err)
		}
		return onem2m.SuccessResponse(req, content)
	case onem2m.ResultContentChildResources:
		content, err := s.withChildResources(ctx, req, doc, false)
		if err != nil {
			return onem2m.ErrorResponse(req, err)
		}
		return onem2m.SuccessResponse(req, content)
	case onem2m.ResultContentAttributesAndRefs:
		refs, err := s.childRefs(ctx, req, doc)
		if err != nil {
			return onem2m.ErrorResponse(req, err)
		}
		rep := cleanAttributes(doc)
		rep["ch"] = refs
		return onem2m.SuccessResponse(req, wrapAs(doc, rep))
	case onem2m.ResultContentChildRefs:
		refs, err := s.childRefs(ctx, req, doc)
		if err != nil {
			return onem2m.ErrorResponse(req, err)
		}
		return onem2m.SuccessResponse(req, onem2m.Attributes{"m2m:rrl": map[string]any{"rrf": refs}})
	case onem2m.ResultContentOriginalResource:
		return s.retrieveOriginal(ctx, req, doc)
	case onem2m.ResultContentDiscoveryRefs:
		uril, err := s.descendantRefs(ctx, req, doc)
		if err != nil {
			return onem2m.ErrorResponse(req, err)
		}
		return onem2m.SuccessResponse(req, onem2m.Attributes{"m2m:uril": uril})
	default:
		return onem2m.SuccessResponse(req, onem2m.Wrap(doc.Type, doc.Attributes))
	}
}

// retrieveOriginal follows the lnk of an announced resource back to its
// original and returns that representation.
func (s *Service) retrieveOriginal(ctx context.Context, req *onem2m.Request, doc *storage.ResourceDoc) *onem2m.Response {
	lnk := doc.Attributes.StrOr("lnk", "")
	if lnk == "" {
		return onem2m.ErrorResponse(req, onem2m.ErrBadRequest("%s is not an announced resource", doc.RI))
	}
	addr, err := onem2m.ParseAddress(lnk)
	if err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	if addr.CSEID == "" || addr.CSEID == s.cfg.CSEID {
		origin, err := s.resolvePath(ctx, addr.Path)
		if err != nil {
			return onem2m.ErrorResponse(req, err)
		}
		return onem2m.SuccessResponse(req, onem2m.Wrap(origin.Type, origin.Attributes))
	}
	fwd := &onem2m.Request{
		Operation:      onem2m.OperationRetrieve,
		Target:         lnk,
		Originator:     req.Originator,
		RequestID:      onem2m.NewRequestID(),
		ReleaseVersion: req.ReleaseVersion,
	}
	rsp, err := s.SendRemote(ctx, addr.CSEID, fwd)
	if err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	rsp.RequestID = req.RequestID
	return rsp
}

// withChildResources renders the target with the subtree the originator may
// read nested under the child wire keys.
func (s *Service) withChildResources(ctx context.Context, req *onem2m.Request, doc *storage.ResourceDoc, includeAttributes bool) (onem2m.Attributes, error) {
	rep := onem2m.Attributes{}
	if includeAttributes {
		rep = cleanAttributes(doc)
	}
	if err := s.nestChildren(ctx, req, doc.RI, rep); err != nil {
		return nil, err
	}
	return wrapAs(doc, rep), nil
}

// nestChildren appends the readable children of parentRI to rep, grouped by
// wire key and carrying their own subtrees.
func (s *Service) nestChildren(ctx context.Context, req *onem2m.Request, parentRI string, rep onem2m.Attributes) error {
	children, err := s.store.Children(ctx, parentRI)
	if err != nil {
		return onem2m.ErrInternal("loading children", err)
	}
	for _, child := range children {
		if s.authorize(ctx, req, child, onem2m.PermissionRetrieve) != nil {
			continue
		}
		childRep := cleanAttributes(child)
		if err := s.nestChildren(ctx, req, child.RI, childRep); err != nil {
			return err
		}
		key := wireKeyOf(child)
		list, _ := rep[key].([]any)
		rep[key] = append(list, map[string]any(childRep))
	}
	return nil
}

// childRefs lists the readable direct children as resource references.
func (s *Service) childRefs(ctx context.Context, req *onem2m.Request, doc *storage.ResourceDoc) ([]any, error) {
	children, err := s.store.Children(ctx, doc.RI)
	if err != nil {
		return nil, onem2m.ErrInternal("loading children", err)
	}
	refs := make([]any, 0, len(children))
	for _, child := range children {
		if s.authorize(ctx, req, child, onem2m.PermissionRetrieve) != nil {
			continue
		}
		refs = append(refs, map[string]any{
			"nm":  child.Name,
			"typ": int64(child.Type),
			"val": child.Path,
		})
	}
	return refs, nil
}

// descendantRefs lists the readable descendants as structured addresses.
func (s *Service) descendantRefs(ctx context.Context, req *onem2m.Request, doc *storage.ResourceDoc) ([]any, error) {
	var uril []any
	var walk func(ri string) error
	walk = func(ri string) error {
		children, err := s.store.Children(ctx, ri)
		if err != nil {
			return onem2m.ErrInternal("loading children", err)
		}
		for _, child := range children {
			if s.authorize(ctx, req, child, onem2m.PermissionRetrieve) == nil {
				uril = append(uril, child.Path)
			}
			if err := walk(child.RI); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(doc.RI); err != nil {
		return nil, err
	}
	return uril, nil
}

// cleanAttributes clones the stored attributes without the internal
// envelope marker.
func cleanAttributes(doc *storage.ResourceDoc) onem2m.Attributes {
	rep := doc.Attributes.Clone()
	delete(rep, "__wk")
	return rep
}

// wireKeyOf returns the envelope key of a stored resource, honoring
// flexContainer specializations.
func wireKeyOf(doc *storage.ResourceDoc) string {
	if wk, ok := doc.Attributes.Str("__wk"); ok && doc.Type.Original() == onem2m.ResourceTypeFlexContainer {
		if doc.Type.IsAnnounced() {
			return wk + "A"
		}
		return wk
	}
	return onem2m.WireKey(doc.Type)
}

// wrapAs envelopes attrs under doc's wire key, honoring flexContainer
// specializations.
func wrapAs(doc *storage.ResourceDoc, attrs onem2m.Attributes) onem2m.Attributes {
	if wk, ok := doc.Attributes.Str("__wk"); ok {
		attrs = attrs.Clone()
		attrs["__wk"] = wk
	}
	return onem2m.Wrap(doc.Type, attrs)
}

// assignedDiff returns the attributes the CSE added or rewrote during
// create, the rcn=9 shape.
func assignedDiff(submitted, final onem2m.Attributes) onem2m.Attributes {
	out := onem2m.Attributes{}
	for k, v := range final {
		if k == "__wk" {
			continue
		}
		if old, ok := submitted[k]; !ok || !reflect.DeepEqual(old, v) {
			out[k] = v
		}
	}
	return out
}
