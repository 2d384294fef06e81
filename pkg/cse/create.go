package cse

import (
	"context"
	"errors"
	"time"

	"github.com/auriga-m2m/auriga/pkg/events"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/resources"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// create runs the create pipeline under the parent's lock: policy and
// access checks, attribute validation, identity assignment, the type hooks
// and finally the commit with its change event.
func (s *Service) create(ctx context.Context, req *onem2m.Request, parent *storage.ResourceDoc) *onem2m.Response {
	ty := req.ResourceType
	if ty.IsVirtual() {
		return onem2m.ErrorResponse(req, onem2m.ErrBadRequest("virtual resources cannot be created"))
	}
	snap := s.registry.Snapshot()
	policy, ok := snap.Type(ty)
	if !ok {
		return onem2m.ErrorResponse(req, onem2m.ErrBadRequest("resource type %d is not supported", ty))
	}
	if !policy.Creatable {
		return onem2m.ErrorResponse(req, onem2m.ErrOperationNotAllowed("%s resources cannot be created by request", ty))
	}

	unlock := s.locks.lock(parent.RI)
	defer unlock()

	// Fresh read under the lock; the resolve ran outside of it.
	parent, err := s.store.GetResource(ctx, parent.RI)
	if errors.Is(err, storage.ErrNotFound) {
		return onem2m.ErrorResponse(req, onem2m.ErrNotFound(req.Target))
	}
	if err != nil {
		return onem2m.ErrorResponse(req, onem2m.ErrInternal("loading parent", err))
	}

	parentPolicy, ok := snap.Type(parent.Type)
	if !ok || !parentPolicy.AllowsChild(ty) {
		return onem2m.ErrorResponse(req, onem2m.ErrInvalidChildResourceType(parent.Type, ty))
	}
	if err := s.authorize(ctx, req, parent, onem2m.PermissionCreate); err != nil {
		return onem2m.ErrorResponse(req, err)
	}

	wireKey, attrs, err := onem2m.Unwrap(req.Content)
	if err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	if wk, known := onem2m.TypeFromWireKey(wireKey); known && wk != ty {
		return onem2m.ErrorResponse(req, onem2m.ErrBadRequest("content envelope %s does not match resource type %s", wireKey, ty))
	}
	if ty.Original() == onem2m.ResourceTypeFlexContainer {
		// The envelope key is the specialization; renderers need it later.
		attrs["__wk"] = wireKey
	}
	if err := s.validator.Create(ty, wireKey, attrs); err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	submitted := attrs.Clone()

	ri := onem2m.NewResourceID(ty)
	rn, err := s.chooseName(ctx, parent, attrs, ri)
	if err != nil {
		return onem2m.ErrorResponse(req, err)
	}

	r := resources.New(ty, attrs)
	r.SetIdentity(ri, parent.RI, rn)
	r.SetPath(onem2m.SRNJoin(parent.Path, rn))
	now := time.Now().UTC()
	r.SetCreated(now)
	if attrs.IsNull("cr") {
		attrs["cr"] = req.Originator
	}
	if err := s.applyExpiration(r, now); err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	if err := s.checkPolicyRefs(ctx, attrs); err != nil {
		return onem2m.ErrorResponse(req, err)
	}

	beh := s.factory.Behavior(ty)
	parentRes := resources.FromDoc(parent)
	if err := beh.Prepare(ctx, r, parentRes, req.Originator); err != nil {
		return onem2m.ErrorResponse(req, err)
	}

	if err := s.store.CreateResource(ctx, r.ResourceDoc); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return onem2m.ErrorResponse(req, onem2m.ErrConflict("a resource named %s already exists under %s", r.Name, parent.RI))
		}
		return onem2m.ErrorResponse(req, onem2m.ErrInternal("storing resource", err))
	}
	if err := beh.Activate(ctx, r, parentRes, req.Originator); err != nil {
		if derr := s.store.DeleteResource(ctx, r.RI); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			s.logger.WithError(derr).WithResourceID(r.RI).Error("rollback after failed activation")
		}
		return onem2m.ErrorResponse(req, err)
	}

	s.addStats(ctx, storage.Statistics{Created: 1})
	s.publishChange(events.TypeCreated, req.RequestID, req.Originator, r.ResourceDoc, nil)
	s.logger.WithRequestID(req.RequestID).WithOriginator(req.Originator).WithResourceID(r.RI).
		WithField("type", ty.String()).Debug("resource created")
	return s.createResponse(req, r, submitted)
}

// chooseName validates a requested resource name against the naming rules
// and the siblings, falling back to the allocated identifier.
func (s *Service) chooseName(ctx context.Context, parent *storage.ResourceDoc, attrs onem2m.Attributes, fallback string) (string, error) {
	rn, ok := attrs.Str("rn")
	if !ok {
		return fallback, nil
	}
	if !onem2m.ValidResourceName(rn) {
		return "", onem2m.ErrBadRequest("invalid resource name %q", rn).WithAttribute("rn")
	}
	_, err := s.store.ChildByName(ctx, parent.RI, rn)
	if err == nil {
		return "", onem2m.ErrConflict("a resource named %s already exists under %s", rn, parent.RI)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", onem2m.ErrInternal("checking sibling names", err)
	}
	return rn, nil
}

// applyExpiration fills the configured default lifetime and bounds the
// accepted expiration time. Without et and without a default the resource
// never expires.
func (s *Service) applyExpiration(r *resources.Resource, now time.Time) error {
	if !r.Attributes.Has("et") && s.cfg.DefaultExpiration > 0 {
		r.Attributes["et"] = onem2m.FormatTime(now.Add(s.cfg.DefaultExpiration))
	}
	return s.boundExpiration(r, now)
}

// boundExpiration parses, checks and clamps the et attribute, keeping the
// document's expiry index aligned.
func (s *Service) boundExpiration(r *resources.Resource, now time.Time) error {
	et := r.Attributes.StrOr("et", "")
	if et == "" {
		r.SetExpiration("")
		return nil
	}
	t, err := onem2m.ParseTime(et)
	if err != nil {
		return onem2m.ErrBadRequest("invalid expiration time %q", et).WithAttribute("et")
	}
	if !t.After(now) {
		return onem2m.ErrBadRequest("expiration time is in the past").WithAttribute("et")
	}
	if s.cfg.MaxExpiration > 0 {
		if limit := now.Add(s.cfg.MaxExpiration); t.After(limit) {
			t = limit
		}
	}
	r.SetExpiration(onem2m.FormatTime(t))
	return nil
}

// checkPolicyRefs verifies that every accessControlPolicyIDs entry resolves
// to an existing <accessControlPolicy>.
func (s *Service) checkPolicyRefs(ctx context.Context, attrs onem2m.Attributes) error {
	acpi, ok := attrs.StrSlice("acpi")
	if !ok {
		return nil
	}
	for _, id := range acpi {
		doc, err := s.ResolveLocal(ctx, id)
		if err != nil || doc.Type != onem2m.ResourceTypeACP {
			return onem2m.ErrBadRequest("access control policy %s does not exist", id).WithAttribute("acpi")
		}
	}
	return nil
}
