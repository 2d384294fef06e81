package cse

import (
	"context"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/resources"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// acceptNonBlocking stores a <request> resource under the CSE base, hands
// the work to a goroutine and immediately answers with the resource
// address. The asynchronous variant additionally pushes the final response
// to the notification targets.
func (s *Service) acceptNonBlocking(ctx context.Context, req *onem2m.Request) *onem2m.Response {
	doc, err := s.storeRequestResource(ctx, req)
	if err != nil {
		return onem2m.ErrorResponse(req, err)
	}

	go s.runNonBlocking(req, doc)

	rsc := onem2m.RSCAcceptedNonBlockingSynch
	if req.ResponseType == onem2m.ResponseTypeNonBlockingAsynch {
		rsc = onem2m.RSCAcceptedNonBlockingAsync
	}
	return &onem2m.Response{
		RSC:            rsc,
		RequestID:      req.RequestID,
		ReleaseVersion: req.ReleaseVersion,
		Content:        onem2m.Attributes{"m2m:uri": doc.Path},
	}
}

// storeRequestResource persists the <request> bookkeeping resource. It is
// written by the CSE alone and bypasses the create validation.
func (s *Service) storeRequestResource(ctx context.Context, req *onem2m.Request) (*storage.ResourceDoc, error) {
	base, err := s.store.GetResource(ctx, s.cfg.CSEBaseRI)
	if err != nil {
		return nil, onem2m.ErrInternal("loading CSE base", err)
	}

	mi := onem2m.Attributes{"rt": int64(req.ResponseType)}
	if req.ResultContent != nil {
		mi["rcn"] = int64(*req.ResultContent)
	}
	if req.RequestExpiration != "" {
		mi["rqet"] = req.RequestExpiration
	}
	if req.OperationExecTime != "" {
		mi["oet"] = req.OperationExecTime
	}
	attrs := onem2m.Attributes{
		"op":  int64(req.Operation),
		"tg":  req.Target,
		"org": req.Originator,
		"rid": req.RequestID,
		"rs":  int64(onem2m.RequestStatusAccepted),
		"mi":  map[string]any(mi),
	}
	if req.Content != nil {
		attrs["pc"] = map[string]any(req.Content.Clone())
	}

	ri := onem2m.NewResourceID(onem2m.ResourceTypeRequest)
	now := time.Now().UTC()
	r := resources.New(onem2m.ResourceTypeRequest, attrs)
	r.SetIdentity(ri, base.RI, ri)
	r.SetPath(onem2m.SRNJoin(base.Path, ri))
	r.SetCreated(now)
	r.SetExpiration(onem2m.FormatTime(now.Add(s.requestLifetime(req))))
	if err := s.store.CreateResource(ctx, r.ResourceDoc); err != nil {
		return nil, onem2m.ErrInternal("storing request resource", err)
	}
	return r.ResourceDoc, nil
}

// requestLifetime returns how long the <request> resource outlives its
// acceptance: the request expiration window when one is set, otherwise the
// configured default.
func (s *Service) requestLifetime(req *onem2m.Request) time.Duration {
	if req.RequestExpiration != "" {
		if t, err := onem2m.ParseAbsRel(req.RequestExpiration, req.Arrived); err == nil {
			if d := time.Until(t); d > s.cfg.DefaultRequestExpiration {
				return d
			}
		}
	}
	return s.cfg.DefaultRequestExpiration
}

// runNonBlocking executes the accepted request in the background and folds
// the outcome back into the <request> resource.
func (s *Service) runNonBlocking(req *onem2m.Request, doc *storage.ResourceDoc) {
	ctx, cancel := s.requestContext(context.Background(), req)
	defer cancel()

	s.setRequestStatus(ctx, doc.RI, onem2m.RequestStatusPending, nil)
	if err := s.awaitExecTime(ctx, req); err != nil {
		s.setRequestStatus(context.Background(), doc.RI, onem2m.RequestStatusFailed, onem2m.ErrorResponse(req, err))
		return
	}

	rsp := s.process(ctx, req)
	status := onem2m.RequestStatusCompleted
	if !rsp.RSC.IsSuccess() {
		status = onem2m.RequestStatusFailed
	}
	s.setRequestStatus(context.WithoutCancel(ctx), doc.RI, status, rsp)

	if req.ResponseType != onem2m.ResponseTypeNonBlockingAsynch {
		return
	}
	body := onem2m.Attributes{"m2m:rsp": map[string]any(responsePrimitive(rsp))}
	for _, target := range req.NotificationURIs {
		if err := s.SendNotification(context.WithoutCancel(ctx), target, body); err != nil {
			s.logger.WithError(err).WithTarget(target).WithRequestID(req.RequestID).Warn("asynchronous result delivery failed")
		}
	}
}

// setRequestStatus moves the <request> resource through its lifecycle and
// records the operation result once there is one.
func (s *Service) setRequestStatus(ctx context.Context, ri string, status onem2m.RequestStatus, rsp *onem2m.Response) {
	doc, err := s.store.GetResource(ctx, ri)
	if err != nil {
		return
	}
	doc.Attributes["rs"] = int64(status)
	doc.Attributes["lt"] = onem2m.Now()
	if rsp != nil {
		ors := onem2m.Attributes{
			"rsc": int64(rsp.RSC),
			"rqi": rsp.RequestID,
		}
		if rsp.Content != nil {
			ors["pc"] = map[string]any(rsp.Content)
		}
		doc.Attributes["ors"] = map[string]any(ors)
	}
	if err := s.store.UpdateResource(ctx, doc); err != nil {
		s.logger.WithError(err).WithResourceID(ri).Warn("request resource update failed")
	}
}

// responsePrimitive renders a response in its wire shape.
func responsePrimitive(rsp *onem2m.Response) onem2m.Attributes {
	p := onem2m.Attributes{
		"rsc": int64(rsp.RSC),
		"rqi": rsp.RequestID,
	}
	if rsp.Content != nil {
		p["pc"] = map[string]any(rsp.Content)
	}
	return p
}
