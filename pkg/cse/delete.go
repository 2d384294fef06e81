package cse

import (
	"context"
	"errors"

	"github.com/auriga-m2m/auriga/pkg/events"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// delete removes the target and its subtree. The parent lock is taken
// first so sibling creates and instance bookkeeping cannot interleave, then
// the target lock.
func (s *Service) delete(ctx context.Context, req *onem2m.Request, target *storage.ResourceDoc) *onem2m.Response {
	if policy, ok := s.registry.Snapshot().Type(target.Type); ok && !policy.Deletable {
		return onem2m.ErrorResponse(req, onem2m.ErrOperationNotAllowed("%s resources cannot be deleted", target.Type))
	}

	if target.PI != "" {
		unlockParent := s.locks.lock(target.PI)
		defer unlockParent()
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
	if err := s.authorize(ctx, req, doc, onem2m.PermissionDelete); err != nil {
		return onem2m.ErrorResponse(req, err)
	}

	// The result content renders the state before the subtree goes away.
	rsp, err := s.deleteResponse(ctx, req, doc)
	if err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	if err := s.deleteTree(ctx, doc, req.Originator, req.RequestID, events.TypeDeleted); err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	s.logger.WithRequestID(req.RequestID).WithOriginator(req.Originator).WithResourceID(doc.RI).Debug("resource deleted")
	return rsp
}
