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

// update merges the submitted partial representation into the target under
// its lock. Blocking-update subscriptions get their veto before anything is
// persisted.
func (s *Service) update(ctx context.Context, req *onem2m.Request, target *storage.ResourceDoc) *onem2m.Response {
	snap := s.registry.Snapshot()
	policy, ok := snap.Type(target.Type)
	if !ok {
		return onem2m.ErrorResponse(req, onem2m.ErrInternal("no policy for stored type", nil))
	}
	if !policy.Updatable {
		return onem2m.ErrorResponse(req, onem2m.ErrOperationNotAllowed("%s resources cannot be updated", target.Type))
	}

	unlock := s.locks.lock(target.RI)
	defer unlock()

	doc, err := s.store.GetResource(ctx, target.RI)
	if errors.Is(err, storage.ErrNotFound) {
		return onem2m.ErrorResponse(req, onem2m.ErrNotFound(req.Target))
	}
	if err != nil {
		return onem2m.ErrorResponse(req, onem2m.ErrInternal("loading resource", err))
	}
	if err := s.authorize(ctx, req, doc, onem2m.PermissionUpdate); err != nil {
		return onem2m.ErrorResponse(req, err)
	}

	wireKey, updates, err := onem2m.Unwrap(req.Content)
	if err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	if wk, known := onem2m.TypeFromWireKey(wireKey); known && wk != doc.Type {
		return onem2m.ErrorResponse(req, onem2m.ErrBadRequest("content envelope %s does not match resource type %s", wireKey, doc.Type))
	}
	if err := s.validator.Update(doc.Type, wireKey, doc.Attributes, updates); err != nil {
		return onem2m.ErrorResponse(req, err)
	}

	old := doc.Attributes.Clone()
	merged := doc.Attributes.Clone()
	for k, v := range updates {
		if k == "__wk" {
			continue
		}
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	if updates.Has("acpi") {
		if err := s.checkPolicyRefs(ctx, merged); err != nil {
			return onem2m.ErrorResponse(req, err)
		}
	}

	// The handshake sees the proposed representation; a veto leaves the
	// stored resource untouched.
	if err := s.notifier.BlockingUpdate(ctx, doc, merged); err != nil {
		return onem2m.ErrorResponse(req, err)
	}

	work := *doc
	work.Attributes = merged
	r := resources.FromDoc(&work)
	now := time.Now().UTC()
	if updates.Has("et") {
		if err := s.boundExpiration(r, now); err != nil {
			return onem2m.ErrorResponse(req, err)
		}
	}
	r.Touch(now)
	if _, hasST := policy.Attribute("st"); hasST {
		r.BumpStateTag()
	}

	if err := s.factory.Behavior(doc.Type).Update(ctx, r, old, req.Originator); err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	if err := s.store.UpdateResource(ctx, r.ResourceDoc); err != nil {
		return onem2m.ErrorResponse(req, onem2m.ErrInternal("storing update", err))
	}

	s.addStats(ctx, storage.Statistics{Updated: 1})
	s.publishChange(events.TypeUpdated, req.RequestID, req.Originator, r.ResourceDoc, old)
	s.logger.WithRequestID(req.RequestID).WithOriginator(req.Originator).WithResourceID(r.RI).Debug("resource updated")
	return s.updateResponse(req, r, updates)
}
