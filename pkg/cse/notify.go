package cse

import (
	"context"
	"strings"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// notify serves the NOTIFY operation on a local target: AEs receive the
// body through their point of access or polling channel, registrations of
// remote CSEs forward it, and the CSE base consumes it.
func (s *Service) notify(ctx context.Context, req *onem2m.Request, target *storage.ResourceDoc) *onem2m.Response {
	if err := s.authorize(ctx, req, target, onem2m.PermissionNotify); err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	switch target.Type {
	case onem2m.ResourceTypeAE:
		rsc, err := s.deliverToAE(ctx, target, req.Content)
		if err != nil {
			return onem2m.ErrorResponse(req, err)
		}
		return &onem2m.Response{RSC: rsc, RequestID: req.RequestID, ReleaseVersion: req.ReleaseVersion}
	case onem2m.ResourceTypeRemoteCSE:
		cseID := strings.TrimPrefix(target.Attributes.StrOr("csi", ""), "/")
		if cseID == "" {
			return onem2m.ErrorResponse(req, onem2m.ErrTargetNotReachable(req.Target))
		}
		return s.forward(ctx, cseID, req)
	case onem2m.ResourceTypeCSEBase:
		return onem2m.SuccessResponse(req, nil)
	}
	return onem2m.ErrorResponse(req, onem2m.ErrOperationNotAllowed("%s resources do not accept notifications", target.Type))
}

// Send implements notifier.Sender. Absolute URIs go out through the
// transport; resource addresses resolve to a registered entity first.
func (s *Service) Send(ctx context.Context, target string, body onem2m.Attributes) (onem2m.RSC, error) {
	if isAbsoluteURI(target) {
		return s.transport.SendNotification(ctx, target, body)
	}
	addr, err := onem2m.ParseAddress(target)
	if err != nil {
		return 0, err
	}
	if addr.CSEID != "" && addr.CSEID != s.cfg.CSEID {
		req := &onem2m.Request{
			Operation:  onem2m.OperationNotify,
			Target:     target,
			Originator: "/" + s.cfg.CSEID,
			RequestID:  onem2m.NewRequestID(),
			Content:    body,
			Internal:   true,
		}
		rsp, err := s.SendRemote(ctx, addr.CSEID, req)
		if err != nil {
			return 0, err
		}
		return rsp.RSC, nil
	}

	path := addr.Path
	if path == "" {
		path = s.cfg.CSEBaseRI
	}
	doc, err := s.resolvePath(ctx, path)
	if err != nil {
		return 0, onem2m.ErrTargetNotReachable(target)
	}
	switch doc.Type {
	case onem2m.ResourceTypeAE:
		return s.deliverToAE(ctx, doc, body)
	case onem2m.ResourceTypeCSEBase:
		return onem2m.RSCOK, nil
	case onem2m.ResourceTypeRemoteCSE:
		cseID := strings.TrimPrefix(doc.Attributes.StrOr("csi", ""), "/")
		req := &onem2m.Request{
			Operation:  onem2m.OperationNotify,
			Target:     "/" + cseID,
			Originator: "/" + s.cfg.CSEID,
			RequestID:  onem2m.NewRequestID(),
			Content:    body,
			Internal:   true,
		}
		rsp, err := s.SendRemote(ctx, cseID, req)
		if err != nil {
			return 0, err
		}
		return rsp.RSC, nil
	}
	return 0, onem2m.ErrTargetNotReachable(target)
}

// deliverToAE pushes a notification body to a registered AE, preferring its
// points of access and falling back to its polling channel when the AE is
// not request reachable.
func (s *Service) deliverToAE(ctx context.Context, ae *storage.ResourceDoc, body onem2m.Attributes) (onem2m.RSC, error) {
	if poa, ok := ae.Attributes.StrSlice("poa"); ok && ae.Attributes.BoolOr("rr", false) {
		var lastErr error
		for _, uri := range poa {
			if !isAbsoluteURI(uri) {
				continue
			}
			rsc, err := s.transport.SendNotification(ctx, uri, body)
			if err != nil {
				lastErr = err
				continue
			}
			return rsc, nil
		}
		if lastErr != nil {
			s.logger.WithError(lastErr).WithResourceID(ae.RI).Debug("point of access delivery failed, trying polling channel")
		}
	}
	channels, err := s.store.ChildrenOfType(ctx, ae.RI, onem2m.ResourceTypePollingChannel)
	if err != nil || len(channels) == 0 {
		return 0, onem2m.ErrTargetNotReachable(ae.RI)
	}
	req := &onem2m.Request{
		Operation:  onem2m.OperationNotify,
		Target:     ae.RI,
		Originator: "/" + s.cfg.CSEID,
		RequestID:  onem2m.NewRequestID(),
		Content:    body,
		Internal:   true,
	}
	return s.polling.notify(ctx, channels[0].RI, req, s.cfg.PollingTimeout)
}

// SendRemote implements announcer.Remote: it carries a primitive to the CSE
// registered under cseID, trying each of its points of access in order.
func (s *Service) SendRemote(ctx context.Context, cseID string, req *onem2m.Request) (*onem2m.Response, error) {
	poa, err := s.remotePOA(ctx, cseID)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, p := range poa {
		rsp, err := s.transport.SendRequest(ctx, p, req)
		if err != nil {
			lastErr = err
			continue
		}
		return rsp, nil
	}
	if lastErr != nil {
		s.logger.WithError(lastErr).WithTarget("/" + cseID).Warn("remote CSE unreachable")
	}
	return nil, onem2m.ErrTargetNotReachable("/" + cseID)
}

// remotePOA finds the points of access of a registered remote CSE.
func (s *Service) remotePOA(ctx context.Context, cseID string) ([]string, error) {
	docs, err := s.store.ResourcesOfType(ctx, onem2m.ResourceTypeRemoteCSE)
	if err != nil {
		return nil, onem2m.ErrInternal("loading remote CSE registrations", err)
	}
	want := strings.TrimPrefix(cseID, "/")
	for _, doc := range docs {
		if strings.TrimPrefix(doc.Attributes.StrOr("csi", ""), "/") != want {
			continue
		}
		if poa, ok := doc.Attributes.StrSlice("poa"); ok && len(poa) > 0 {
			return poa, nil
		}
		break
	}
	return nil, onem2m.ErrTargetNotReachable("/" + want)
}

func isAbsoluteURI(target string) bool {
	return strings.Contains(target, "://")
}
