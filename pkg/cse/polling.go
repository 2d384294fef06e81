package cse

import (
	"context"
	"sync"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// pollQueueDepth bounds how many requests may wait per polling channel.
const pollQueueDepth = 16

// pollingTable owns the request queues behind <pollingChannel> resources.
// One bounded queue per channel carries requests to the polling entity;
// responses rendezvous with their sender by request identifier. The done
// channel releases both sides when the polling channel goes away; the items
// channel is never closed because senders stay concurrent.
type pollingTable struct {
	mu      sync.Mutex
	queues  map[string]*pollQueue
	waiters map[string]chan *onem2m.Response
}

type pollQueue struct {
	items chan *onem2m.Request
	done  chan struct{}
	once  sync.Once
}

func newPollingTable() *pollingTable {
	return &pollingTable{
		queues:  make(map[string]*pollQueue),
		waiters: make(map[string]chan *onem2m.Response),
	}
}

func (t *pollingTable) queue(ri string) *pollQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queues[ri]
	if q == nil {
		q = &pollQueue{items: make(chan *onem2m.Request, pollQueueDepth), done: make(chan struct{})}
		t.queues[ri] = q
	}
	return q
}

// notify parks req on the channel queue and waits for the polling entity to
// return the matching response.
func (t *pollingTable) notify(ctx context.Context, ri string, req *onem2m.Request, timeout time.Duration) (onem2m.RSC, error) {
	q := t.queue(ri)
	wait := make(chan *onem2m.Response, 1)
	t.mu.Lock()
	t.waiters[req.RequestID] = wait
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.waiters, req.RequestID)
		t.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.items <- req:
	case <-q.done:
		return 0, onem2m.ErrTargetNotReachable(ri)
	case <-ctx.Done():
		return 0, onem2m.ErrTargetNotReachable(ri)
	case <-timer.C:
		return 0, onem2m.ErrTargetNotReachable(ri)
	}

	select {
	case rsp := <-wait:
		return rsp.RSC, nil
	case <-q.done:
		return 0, onem2m.ErrTargetNotReachable(ri)
	case <-ctx.Done():
		return 0, onem2m.ErrTargetNotReachable(ri)
	case <-timer.C:
		return 0, onem2m.ErrTargetNotReachable(ri)
	}
}

// poll blocks until a request is queued for the channel, the wait times out
// or the channel is torn down.
func (t *pollingTable) poll(ctx context.Context, ri string, timeout time.Duration) (*onem2m.Request, error) {
	q := t.queue(ri)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case req := <-q.items:
		return req, nil
	case <-q.done:
		return nil, onem2m.ErrNotFound(ri)
	case <-ctx.Done():
		return nil, onem2m.ErrRequestTimeout("no request arrived on %s", ri)
	case <-timer.C:
		return nil, onem2m.ErrRequestTimeout("no request arrived on %s", ri)
	}
}

// respond hands a response produced by the polling entity to the waiting
// sender. It reports false when no sender waits for the identifier.
func (t *pollingTable) respond(rsp *onem2m.Response) bool {
	t.mu.Lock()
	wait, ok := t.waiters[rsp.RequestID]
	if ok {
		delete(t.waiters, rsp.RequestID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	wait <- rsp
	return true
}

// close tears the channel queue down, releasing parked pollers and senders.
func (t *pollingTable) close(ri string) {
	t.mu.Lock()
	q := t.queues[ri]
	delete(t.queues, ri)
	t.mu.Unlock()
	if q != nil {
		q.once.Do(func() { close(q.done) })
	}
}

func (t *pollingTable) shutdown() {
	t.mu.Lock()
	queues := t.queues
	t.queues = make(map[string]*pollQueue)
	t.mu.Unlock()
	for _, q := range queues {
		q.once.Do(func() { close(q.done) })
	}
}

// pollingVirtual serves the pollingChannelURI child: a retrieve long-polls
// for the next outgoing request, a notify delivers the response primitive
// the polling entity produced.
func (s *Service) pollingVirtual(ctx context.Context, req *onem2m.Request, pch *storage.ResourceDoc) *onem2m.Response {
	if pch.Type != onem2m.ResourceTypePollingChannel {
		return onem2m.ErrorResponse(req, onem2m.ErrNotFound(req.Target))
	}
	if err := s.authorize(ctx, req, pch, onem2m.PermissionFor(req.Operation)); err != nil {
		return onem2m.ErrorResponse(req, err)
	}

	switch req.Operation {
	case onem2m.OperationRetrieve:
		queued, err := s.polling.poll(ctx, pch.RI, s.cfg.PollingTimeout)
		if err != nil {
			return onem2m.ErrorResponse(req, err)
		}
		return onem2m.SuccessResponse(req, onem2m.Attributes{"m2m:rqp": map[string]any(requestPrimitive(queued))})
	case onem2m.OperationNotify:
		rsp, err := parseResponsePrimitive(req.Content)
		if err != nil {
			return onem2m.ErrorResponse(req, err)
		}
		if !s.polling.respond(rsp) {
			return onem2m.ErrorResponse(req, onem2m.ErrBadRequest("no request waits for response %s", rsp.RequestID))
		}
		return onem2m.SuccessResponse(req, nil)
	}
	return onem2m.ErrorResponse(req, onem2m.ErrOperationNotAllowed("%s is not allowed on a polling channel URI", req.Operation))
}

// requestPrimitive renders a queued request in its wire shape.
func requestPrimitive(req *onem2m.Request) onem2m.Attributes {
	p := onem2m.Attributes{
		"op":  int64(req.Operation),
		"to":  req.Target,
		"fr":  req.Originator,
		"rqi": req.RequestID,
	}
	if req.Content != nil {
		p["pc"] = map[string]any(req.Content)
	}
	if req.ReleaseVersion != "" {
		p["rvi"] = req.ReleaseVersion
	}
	return p
}

// parseResponsePrimitive reads the m2m:rsp envelope a polling entity sends
// back over the channel.
func parseResponsePrimitive(content onem2m.Attributes) (*onem2m.Response, error) {
	body, ok := content.Map("m2m:rsp")
	if !ok {
		return nil, onem2m.ErrBadRequest("polling channel notify needs a response primitive")
	}
	rqi := body.StrOr("rqi", "")
	if rqi == "" {
		return nil, onem2m.ErrBadRequest("response primitive carries no request identifier").WithAttribute("rqi")
	}
	rsp := &onem2m.Response{
		RSC:       onem2m.RSC(body.IntOr("rsc", int64(onem2m.RSCOK))),
		RequestID: rqi,
	}
	if pc, ok := body.Map("pc"); ok {
		rsp.Content = pc
	}
	return rsp, nil
}
