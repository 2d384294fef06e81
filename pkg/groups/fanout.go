// Package groups fans a single request out to every member of a group and
// aggregates the member responses. Requests reach it when their target
// addresses a group's fanOutPoint virtual child; member consistency rules
// are enforced where the group resource itself is created and updated.
package groups

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// Dispatcher handles one primitive, local or remote. The dispatcher owns
// addressing, access control and forwarding; the fan-out only builds the
// member requests.
type Dispatcher interface {
	Handle(ctx context.Context, req *onem2m.Request) *onem2m.Response
}

// Fanout routes fanOutPoint requests to group members through a bounded
// worker pool.
type Fanout struct {
	store       storage.Store
	dispatcher  Dispatcher
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	maxParallel int
}

// New creates a fan-out engine. Metrics may be nil.
func New(store storage.Store, dispatcher Dispatcher, logger *telemetry.Logger, metrics *telemetry.Metrics, maxParallel int) *Fanout {
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &Fanout{
		store:       store,
		dispatcher:  dispatcher,
		logger:      logger.NewComponentLogger("fanout"),
		metrics:     metrics,
		maxParallel: maxParallel,
	}
}

type memberJob struct {
	index  int
	target string
}

// Handle serves a request addressed to group/fopt with an optional suffix
// after the fanOutPoint segment. Every member receives a sub-request with
// the original operation and content; the member responses are aggregated
// into one m2m:agr envelope with an overall OK status.
func (f *Fanout) Handle(ctx context.Context, group *storage.ResourceDoc, suffix string, req *onem2m.Request) *onem2m.Response {
	start := time.Now()
	members, _ := group.Attributes.StrSlice("mid")
	if len(members) == 0 {
		return onem2m.ErrorResponse(req, onem2m.Errorf(onem2m.RSCNoMembers,
			"group %s has no members", group.RI))
	}

	jobs := make([]memberJob, len(members))
	for i, member := range members {
		jobs[i] = memberJob{index: i, target: f.memberTarget(ctx, member, suffix)}
	}

	workerCount := f.maxParallel
	if len(jobs) < workerCount {
		workerCount = len(jobs)
	}
	work := make(chan memberJob, len(jobs))
	for _, job := range jobs {
		work <- job
	}
	close(work)

	// Each worker writes only its own result slots; order follows mid.
	results := make([]onem2m.Attributes, len(jobs))
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range work {
				results[job.index] = f.dispatchMember(ctx, job, req)
			}
		}()
	}
	wg.Wait()

	entries := make([]any, len(results))
	for i, entry := range results {
		entries[i] = entry
	}
	f.metrics.RecordFanoutDuration(req.Operation.String(), time.Since(start))
	return &onem2m.Response{
		RSC:            onem2m.RSCOK,
		RequestID:      req.RequestID,
		ReleaseVersion: req.ReleaseVersion,
		Content: onem2m.Attributes{"m2m:agr": onem2m.Attributes{
			"m2m:rsp": entries,
		}},
	}
}

// memberTarget appends the fanOutPoint suffix to a member address. Members
// that are themselves local groups are routed through their own
// fanOutPoint, which recurses the expansion one level per hop.
func (f *Fanout) memberTarget(ctx context.Context, member, suffix string) string {
	target := member
	if doc := f.localMember(ctx, member); doc != nil && doc.Type == onem2m.ResourceTypeGroup {
		target += "/fopt"
	}
	if suffix != "" {
		target += "/" + suffix
	}
	return target
}

func (f *Fanout) localMember(ctx context.Context, member string) *storage.ResourceDoc {
	if doc, err := f.store.GetResource(ctx, member); err == nil {
		return doc
	}
	if doc, err := f.store.GetResourceByPath(ctx, member); err == nil {
		return doc
	}
	return nil
}

// dispatchMember sends one sub-request and folds the response into an
// aggregation entry.
func (f *Fanout) dispatchMember(ctx context.Context, job memberJob, req *onem2m.Request) onem2m.Attributes {
	sub := &onem2m.Request{
		Operation:      req.Operation,
		Target:         job.target,
		Originator:     req.Originator,
		RequestID:      req.RequestID + "." + strconv.Itoa(job.index),
		ReleaseVersion: req.ReleaseVersion,
		ResourceType:   req.ResourceType,
		ResultContent:  req.ResultContent,
		FilterCriteria: req.FilterCriteria,
		EventCategory:  req.EventCategory,
		Internal:       req.Internal,
		Arrived:        req.Arrived,
	}
	if req.Content != nil {
		sub.Content = req.Content.Clone()
	}

	rsp := f.dispatcher.Handle(ctx, sub)
	status := "failure"
	if rsp.RSC.IsSuccess() {
		status = "success"
	} else {
		f.logger.WithTarget(job.target).WithField("rsc", int(rsp.RSC)).Debug("fan-out member request failed")
	}
	f.metrics.RecordFanoutRequest(req.Operation.String(), status)

	entry := onem2m.Attributes{
		"rsc": int64(rsp.RSC),
		"rqi": rsp.RequestID,
		"to":  job.target,
	}
	if rsp.Content != nil {
		entry["pc"] = rsp.Content
	}
	if rsp.ReleaseVersion != "" {
		entry["rvi"] = rsp.ReleaseVersion
	}
	return entry
}
