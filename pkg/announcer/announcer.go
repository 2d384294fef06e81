// Package announcer keeps announced mirrors on remote CSEs consistent with
// their originals. It consumes the resource event bus: creating a resource
// with announcement targets pushes <type>Annc mirrors, updates recompute
// and push the announced attribute subset, deletes unannounce. Updates
// arriving on a hosted mirror are echoed back to the origin one hop.
package announcer

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/auriga-m2m/auriga/pkg/events"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/registry"
	"github.com/auriga-m2m/auriga/pkg/storage"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// Remote sends one primitive to the CSE identified by its CSE-ID. The
// implementation owns registrar/registree resolution and the transport.
type Remote interface {
	SendRemote(ctx context.Context, cseID string, req *onem2m.Request) (*onem2m.Response, error)
}

// Config carries the announcer settings.
type Config struct {
	// CSEID is the local CSE-ID without the SP-relative slash.
	CSEID string

	// PushTimeout bounds each remote operation.
	PushTimeout time.Duration
}

// Announcer mirrors announced resources to remote CSEs.
type Announcer struct {
	cfg      Config
	store    storage.Store
	registry *registry.Registry
	remote   Remote
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// New creates an announcer. Metrics may be nil.
func New(cfg Config, store storage.Store, reg *registry.Registry, remote Remote, logger *telemetry.Logger, metrics *telemetry.Metrics) *Announcer {
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 30 * time.Second
	}
	return &Announcer{
		cfg:      cfg,
		store:    store,
		registry: reg,
		remote:   remote,
		logger:   logger.NewComponentLogger("announcer"),
		metrics:  metrics,
	}
}

// Start subscribes the announcer to the resource event bus.
func (a *Announcer) Start(bus *events.Bus) {
	bus.Subscribe("announcer", a.handleEvent)
}

func (a *Announcer) handleEvent(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.PushTimeout)
	defer cancel()

	if ev.ResourceType.IsAnnounced() {
		if ev.Type == events.TypeUpdated {
			a.echoMirrorUpdate(ctx, ev)
		}
		return
	}
	if !a.announceable(ev.ResourceType) {
		return
	}

	switch ev.Type {
	case events.TypeCreated:
		a.resourceCreated(ctx, ev)
	case events.TypeUpdated:
		a.resourceUpdated(ctx, ev)
	case events.TypeDeleted, events.TypeExpired:
		a.resourceDeleted(ctx, ev)
	}
}

func (a *Announcer) announceable(ty onem2m.ResourceType) bool {
	tp, ok := a.registry.Snapshot().Type(ty)
	return ok && tp.Announceable()
}

// resourceCreated announces the new resource to every bare CSE-ID in at
// and rewrites the entries to <cse-id>/<remoteRi>.
func (a *Announcer) resourceCreated(ctx context.Context, ev events.Event) {
	at, _ := ev.Resource.StrSlice("at")
	if len(at) == 0 {
		return
	}
	rewrites := make(map[string]string)
	for _, entry := range at {
		if _, _, announced := splitEntry(entry); announced {
			continue
		}
		if next, err := a.announce(ctx, ev, entry); err == nil {
			rewrites[entry] = next
		}
	}
	a.rewriteTargets(ctx, ev.ResourceID, rewrites)
}

// resourceUpdated reconciles the mirror set with the new at list and pushes
// the recomputed attribute subset to mirrors that survive.
func (a *Announcer) resourceUpdated(ctx context.Context, ev events.Event) {
	oldAt, _ := ev.Old.StrSlice("at")
	newAt, _ := ev.Resource.StrSlice("at")

	current := make(map[string]bool, len(newAt))
	for _, entry := range newAt {
		current[entry] = true
	}
	for _, entry := range oldAt {
		if current[entry] {
			continue
		}
		if cseID, remoteRi, announced := splitEntry(entry); announced {
			a.deannounce(ctx, cseID, remoteRi)
		}
	}

	subsetChanged := a.subsetChanged(ev)
	rewrites := make(map[string]string)
	for _, entry := range newAt {
		cseID, remoteRi, announced := splitEntry(entry)
		if !announced {
			if next, err := a.announce(ctx, ev, entry); err == nil {
				rewrites[entry] = next
			}
			continue
		}
		if subsetChanged {
			a.pushMirror(ctx, ev, cseID, remoteRi)
		}
	}
	a.rewriteTargets(ctx, ev.ResourceID, rewrites)
}

// resourceDeleted unannounces every mirror recorded in at.
func (a *Announcer) resourceDeleted(ctx context.Context, ev events.Event) {
	at, _ := ev.Resource.StrSlice("at")
	for _, entry := range at {
		if cseID, remoteRi, announced := splitEntry(entry); announced {
			a.deannounce(ctx, cseID, remoteRi)
		}
	}
}

// subsetChanged reports whether the update touched the mirrored subset,
// either through an announced attribute or through aa itself.
func (a *Announcer) subsetChanged(ev events.Event) bool {
	if ev.Old == nil {
		return true
	}
	before := a.announcedSubset(ev.ResourceType, ev.Old)
	after := a.announcedSubset(ev.ResourceType, ev.Resource)
	return !reflect.DeepEqual(before, after)
}

// rewriteTargets swaps bare at entries for their <cse-id>/<remoteRi> form.
// The write goes straight to the store so no further announcement round is
// triggered. Entries whose push failed stay bare and are retried on the
// next update of the original.
func (a *Announcer) rewriteTargets(ctx context.Context, ri string, rewrites map[string]string) {
	if len(rewrites) == 0 {
		return
	}
	doc, err := a.store.GetResource(ctx, ri)
	if err != nil {
		a.logger.WithResourceID(ri).WithError(err).Error("cannot rewrite announcement targets")
		return
	}
	at, _ := doc.Attributes.StrSlice("at")
	next := make([]string, 0, len(at))
	for _, entry := range at {
		if rewritten, ok := rewrites[entry]; ok {
			entry = rewritten
		}
		next = append(next, entry)
	}
	doc.Attributes["at"] = next
	if err := a.store.UpdateResource(ctx, doc); err != nil {
		a.logger.WithResourceID(ri).WithError(err).Error("failed to persist announcement targets")
	}
}

// echoMirrorUpdate pushes an update of a hosted mirror back into the
// original resource. Pushes arriving from the origin CSE itself are not
// echoed, which limits the reflection to a single hop.
func (a *Announcer) echoMirrorUpdate(ctx context.Context, ev events.Event) {
	lnk, ok := ev.Resource.Str("lnk")
	if !ok {
		return
	}
	originCSE, originRef, ok := splitLink(lnk)
	if !ok {
		return
	}
	if trimID(ev.Originator) == originCSE {
		return
	}

	changed := a.announcedDiff(ev)
	if len(changed) == 0 {
		return
	}
	origType := ev.ResourceType.Original()
	wire, ok := a.wireKey(origType)
	if !ok {
		return
	}
	req := &onem2m.Request{
		Operation:  onem2m.OperationUpdate,
		Target:     "/" + originCSE + "/" + originRef,
		Originator: "/" + a.cfg.CSEID,
		RequestID:  uuid.NewString(),
		Content:    onem2m.Attributes{wire: changed},
	}
	rsp, err := a.remote.SendRemote(ctx, originCSE, req)
	if err != nil || !rsp.RSC.IsSuccess() {
		a.metrics.RecordAnnouncement("echo", "failure")
		a.logger.WithResourceID(ev.ResourceID).WithTarget(lnk).WithError(err).Warn("mirror echo to origin failed")
		return
	}
	a.metrics.RecordAnnouncement("echo", "success")
}

// announcedDiff returns the changed attributes of a mirror update that are
// eligible for echoing: known to the original type, not NA and not assigned
// by the hosting CSE.
func (a *Announcer) announcedDiff(ev events.Event) onem2m.Attributes {
	tp, ok := a.registry.Snapshot().Type(ev.ResourceType.Original())
	if !ok {
		return nil
	}
	diff := onem2m.Attributes{}
	for sn, val := range ev.Resource {
		if assignedAttr[sn] || sn == "lnk" {
			continue
		}
		p, known := tp.Attributes[sn]
		if !known || p.Announced == registry.AnnounceNA {
			continue
		}
		if ev.Old != nil && reflect.DeepEqual(ev.Old[sn], val) {
			continue
		}
		diff[sn] = val
	}
	return diff
}

// trimID strips the SP-relative slash from a CSE-ID or originator.
func trimID(id string) string {
	return strings.TrimPrefix(id, "/")
}

// splitEntry classifies an at entry: a bare CSE-ID is a pending target, a
// <cse-id>/<remoteRi> pair references an existing mirror.
func splitEntry(entry string) (cseID, remoteRi string, announced bool) {
	parts := strings.SplitN(trimID(entry), "/", 2)
	if len(parts) == 1 || parts[1] == "" {
		return parts[0], "", false
	}
	return parts[0], parts[1], true
}

// splitLink splits an SP-relative URI into CSE-ID and CSE-relative part.
func splitLink(lnk string) (cseID, ref string, ok bool) {
	parts := strings.SplitN(trimID(lnk), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
