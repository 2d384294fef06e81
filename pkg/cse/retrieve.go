package cse

import (
	"context"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/resources"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// retrieve answers a read of the target, running the discovery walk when
// the filter usage asks for it.
func (s *Service) retrieve(ctx context.Context, req *onem2m.Request, target *storage.ResourceDoc) *onem2m.Response {
	if req.IsDiscovery() {
		return s.discover(ctx, req, target)
	}
	if err := s.authorize(ctx, req, target, onem2m.PermissionRetrieve); err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	if err := s.factory.Behavior(target.Type).WillBeRetrieved(ctx, resources.FromDoc(target), req.Originator); err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	target = s.refreshForRetrieve(ctx, req, target)
	return s.retrieveResponse(ctx, req, target)
}

// refreshForRetrieve runs the blocking retrieve handshakes when a
// subscription on the target or on its parent asked for them, returning the
// possibly refreshed representation.
func (s *Service) refreshForRetrieve(ctx context.Context, req *onem2m.Request, doc *storage.ResourceDoc) *storage.ResourceDoc {
	if req.Internal {
		return doc
	}
	maxAge := requestMaxAge(req)
	doc = s.notifier.BlockingRetrieve(ctx, doc, onem2m.EventBlockingRetrieve, maxAge)
	doc = s.notifier.BlockingRetrieve(ctx, doc, onem2m.EventBlockingRetrieveDC, maxAge)
	return doc
}

// requestMaxAge reads the request's staleness bound. Zero means the request
// accepts any age and the subscription's own bound alone decides.
func requestMaxAge(req *onem2m.Request) time.Duration {
	if req.MaxAge == "" {
		return 0
	}
	d, err := onem2m.ParseDurationOrMillis(req.MaxAge)
	if err != nil {
		return 0
	}
	return d
}
