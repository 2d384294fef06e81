package cse

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// Handle runs one request primitive through the dispatch pipeline and
// always returns a response primitive, never an error. It implements
// groups.Dispatcher, so fan-out member requests re-enter here.
func (s *Service) Handle(ctx context.Context, req *onem2m.Request) *onem2m.Response {
	if req.Arrived.IsZero() {
		req.Arrived = time.Now().UTC()
	}
	start := time.Now()
	s.metrics.RecordRequestReceived(req.Operation.String())

	ctx, span := s.startSpan(ctx, req)
	rsp := s.accept(ctx, req)
	s.finishSpan(span, rsp)

	s.metrics.RecordRequestHandled(req.Operation.String(), rsp.RSC.String(), createdType(req), time.Since(start))
	if !rsp.RSC.IsSuccess() {
		s.metrics.RecordError(rsp.RSC.String())
		s.logger.WithRequestID(req.RequestID).WithOriginator(req.Originator).WithTarget(req.Target).
			WithFields(map[string]any{"op": req.Operation.String(), "rsc": int(rsp.RSC)}).
			Debug("request rejected")
	}
	s.record(ctx, req, rsp)
	return rsp
}

// accept validates the primitive's framing and branches into the blocking
// or the non-blocking execution path.
func (s *Service) accept(ctx context.Context, req *onem2m.Request) *onem2m.Response {
	if err := req.Validate(); err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	if err := s.checkFraming(req); err != nil {
		return onem2m.ErrorResponse(req, err)
	}

	switch req.ResponseType {
	case onem2m.ResponseTypeNonBlockingSynch, onem2m.ResponseTypeNonBlockingAsynch:
		return s.acceptNonBlocking(ctx, req)
	}

	ctx, cancel := s.requestContext(ctx, req)
	defer cancel()
	if err := s.awaitExecTime(ctx, req); err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	return s.process(ctx, req)
}

// checkFraming rejects requests whose release version or timing windows
// cannot be honored before any resource work starts.
func (s *Service) checkFraming(req *onem2m.Request) error {
	if req.ReleaseVersion != "" && !slices.Contains(s.cfg.ReleaseVersions, req.ReleaseVersion) {
		return onem2m.Errorf(onem2m.RSCReleaseVersionNotSupported, "release version %s is not supported", req.ReleaseVersion)
	}
	now := time.Now().UTC()
	var rqet time.Time
	if req.RequestExpiration != "" {
		t, err := onem2m.ParseAbsRel(req.RequestExpiration, req.Arrived)
		if err != nil {
			return onem2m.ErrBadRequest("invalid request expiration %q", req.RequestExpiration).WithAttribute("rqet")
		}
		if !t.After(now) {
			return onem2m.ErrRequestTimeout("request expired at %s", onem2m.FormatTime(t))
		}
		rqet = t
	}
	if req.ResultExpiration != "" {
		t, err := onem2m.ParseAbsRel(req.ResultExpiration, req.Arrived)
		if err != nil {
			return onem2m.ErrBadRequest("invalid result expiration %q", req.ResultExpiration).WithAttribute("rset")
		}
		if !rqet.IsZero() && t.Before(rqet) {
			return onem2m.ErrBadRequest("result expiration precedes request expiration").WithAttribute("rset")
		}
		if !t.After(now) {
			return onem2m.ErrRequestTimeout("result window closed at %s", onem2m.FormatTime(t))
		}
	}
	if req.OperationExecTime != "" {
		if _, err := onem2m.ParseAbsRel(req.OperationExecTime, req.Arrived); err != nil {
			return onem2m.ErrBadRequest("invalid operation execution time %q", req.OperationExecTime).WithAttribute("oet")
		}
	}
	return nil
}

// requestContext bounds the work by the request expiration when one is set.
func (s *Service) requestContext(ctx context.Context, req *onem2m.Request) (context.Context, context.CancelFunc) {
	if req.RequestExpiration != "" {
		if t, err := onem2m.ParseAbsRel(req.RequestExpiration, req.Arrived); err == nil {
			return context.WithDeadline(ctx, t)
		}
	}
	return context.WithCancel(ctx)
}

// awaitExecTime parks the request until its operation execution time.
func (s *Service) awaitExecTime(ctx context.Context, req *onem2m.Request) error {
	if req.OperationExecTime == "" {
		return nil
	}
	t, err := onem2m.ParseAbsRel(req.OperationExecTime, req.Arrived)
	if err != nil {
		return nil
	}
	delay := time.Until(t)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return onem2m.ErrRequestTimeout("request expired before its operation execution time")
	}
}

// process resolves the target and routes the request to the operation
// handler, a virtual resource or a remote CSE.
func (s *Service) process(ctx context.Context, req *onem2m.Request) *onem2m.Response {
	addr, err := onem2m.ParseAddress(req.Target)
	if err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	if addr.Scope == onem2m.ScopeAbsolute && s.cfg.SPID != "" && addr.SPID != s.cfg.SPID {
		return onem2m.ErrorResponse(req, onem2m.ErrTargetNotReachable(req.Target))
	}
	if addr.CSEID != "" && addr.CSEID != s.cfg.CSEID {
		return s.forward(ctx, addr.CSEID, req)
	}

	path := addr.Path
	if path == "" {
		path = s.cfg.CSEBaseRI
	}

	if groupPath, suffix, ok := splitFanout(path); ok {
		return s.fanoutRequest(ctx, req, groupPath, suffix)
	}

	base, virtual := onem2m.SplitVirtualSuffix(path)
	target, err := s.resolvePath(ctx, base)
	if err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	if virtual != "" {
		return s.processVirtual(ctx, req, target, virtual)
	}
	return s.processDirect(ctx, req, target)
}

func (s *Service) processDirect(ctx context.Context, req *onem2m.Request, target *storage.ResourceDoc) *onem2m.Response {
	switch req.Operation {
	case onem2m.OperationCreate:
		return s.create(ctx, req, target)
	case onem2m.OperationRetrieve:
		return s.retrieve(ctx, req, target)
	case onem2m.OperationUpdate:
		return s.update(ctx, req, target)
	case onem2m.OperationDelete:
		return s.delete(ctx, req, target)
	case onem2m.OperationNotify:
		return s.notify(ctx, req, target)
	}
	return onem2m.ErrorResponse(req, onem2m.ErrBadRequest("operation %d is not valid", req.Operation))
}

// processVirtual serves the la, ol and pcu virtual children. fopt never
// reaches here; the fan-out split runs first.
func (s *Service) processVirtual(ctx context.Context, req *onem2m.Request, parent *storage.ResourceDoc, virtual string) *onem2m.Response {
	switch virtual {
	case "la", "ol":
		return s.instanceVirtual(ctx, req, parent, virtual)
	case "pcu":
		return s.pollingVirtual(ctx, req, parent)
	}
	return onem2m.ErrorResponse(req, onem2m.ErrNotFound(req.Target))
}

// instanceVirtual maps <latest> and <oldest> onto the matching instance
// child and allows the read and delete operations on it.
func (s *Service) instanceVirtual(ctx context.Context, req *onem2m.Request, parent *storage.ResourceDoc, virtual string) *onem2m.Response {
	var childType onem2m.ResourceType
	switch parent.Type {
	case onem2m.ResourceTypeContainer:
		childType = onem2m.ResourceTypeContentInstance
	case onem2m.ResourceTypeTimeSeries:
		childType = onem2m.ResourceTypeTimeSeriesInstance
	default:
		return onem2m.ErrorResponse(req, onem2m.ErrNotFound(req.Target))
	}

	var doc *storage.ResourceDoc
	var err error
	if virtual == "la" {
		doc, err = s.store.LatestChildOfType(ctx, parent.RI, childType)
	} else {
		doc, err = s.store.OldestChildOfType(ctx, parent.RI, childType)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return onem2m.ErrorResponse(req, onem2m.ErrNotFound(req.Target))
	}
	if err != nil {
		return onem2m.ErrorResponse(req, onem2m.ErrInternal("loading instance", err))
	}

	switch req.Operation {
	case onem2m.OperationRetrieve:
		return s.retrieve(ctx, req, doc)
	case onem2m.OperationDelete:
		return s.delete(ctx, req, doc)
	}
	return onem2m.ErrorResponse(req, onem2m.ErrOperationNotAllowed("%s is not allowed on %s", req.Operation, virtual))
}

// fanoutRequest resolves the group behind a fopt address and spreads the
// request over its members.
func (s *Service) fanoutRequest(ctx context.Context, req *onem2m.Request, groupPath, suffix string) *onem2m.Response {
	group, err := s.resolvePath(ctx, groupPath)
	if err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	if group.Type != onem2m.ResourceTypeGroup {
		return onem2m.ErrorResponse(req, onem2m.ErrBadRequest("%s is not a group", groupPath))
	}
	if err := s.authorize(ctx, req, group, onem2m.PermissionFor(req.Operation)); err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	return s.fanout.Handle(ctx, group, suffix, req)
}

// forward carries the request to another CSE and relays its response.
func (s *Service) forward(ctx context.Context, cseID string, req *onem2m.Request) *onem2m.Response {
	rsp, err := s.SendRemote(ctx, cseID, req)
	if err != nil {
		return onem2m.ErrorResponse(req, err)
	}
	if rsp.RequestID == "" {
		rsp.RequestID = req.RequestID
	}
	return rsp
}

// splitFanout cuts a structured path at its fanOutPoint segment. The suffix
// is the member-relative remainder, empty when fopt is the last segment.
func splitFanout(path string) (group, suffix string, ok bool) {
	if rest, found := strings.CutSuffix(path, "/fopt"); found {
		return rest, "", true
	}
	if i := strings.Index(path, "/fopt/"); i >= 0 {
		return path[:i], path[i+len("/fopt/"):], true
	}
	return "", "", false
}

// record appends the request to the persisted history when recording is on.
func (s *Service) record(ctx context.Context, req *onem2m.Request, rsp *onem2m.Response) {
	if !s.cfg.RequestRecording || req.Internal {
		return
	}
	rec := &storage.RecordedRequest{
		RequestID:  req.RequestID,
		Originator: req.Originator,
		Target:     req.Target,
		Operation:  req.Operation,
		RSC:        rsp.RSC,
		Timestamp:  onem2m.Now(),
		Request:    req.Content.Clone(),
		Response:   rsp.Content.Clone(),
	}
	if err := s.store.RecordRequest(context.WithoutCancel(ctx), rec, s.cfg.MaxRecordedRequests); err != nil {
		s.logger.WithError(err).WithRequestID(req.RequestID).Warn("request recording failed")
	}
}

func (s *Service) startSpan(ctx context.Context, req *onem2m.Request) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.StartRequestSpan(ctx, req.RequestID, req.Operation.String(), req.Target, req.Originator)
}

func (s *Service) finishSpan(span trace.Span, rsp *onem2m.Response) {
	if span == nil {
		return
	}
	if rsp.RSC.IsSuccess() {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, onem2m.NewError(rsp.RSC, ""))
	}
	span.End()
}

// createdType labels the handled-request metric with the created type, the
// only operation where the primitive carries one.
func createdType(req *onem2m.Request) string {
	if req.Operation != onem2m.OperationCreate || req.ResourceType == 0 {
		return ""
	}
	return req.ResourceType.String()
}
