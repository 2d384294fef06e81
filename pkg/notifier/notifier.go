package notifier

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/auriga-m2m/auriga/pkg/events"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/registry"
	"github.com/auriga-m2m/auriga/pkg/resources"
	"github.com/auriga-m2m/auriga/pkg/scheduler"
	"github.com/auriga-m2m/auriga/pkg/storage"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// Sender delivers one notification body to a target and reports the
// response status. Implementations resolve non-URI targets such as AE-IDs
// to a point of access or polling channel before sending.
type Sender interface {
	Send(ctx context.Context, target string, body onem2m.Attributes) (onem2m.RSC, error)
}

// Deleter removes a resource through the regular delete pipeline so that
// deactivation hooks run and events fire. The notifier uses it when an
// expiration counter runs out. Bound after construction because the
// dispatcher itself depends on the notifier.
type Deleter interface {
	DeleteInternal(ctx context.Context, ri string) error
}

// Config carries the notifier settings.
type Config struct {
	// CSEID is the unprefixed CSE identifier used to build subscription
	// references.
	CSEID string

	// VerificationTimeout bounds one verification handshake.
	VerificationTimeout time.Duration

	// DeliveryTimeout bounds the handling of one event, including every
	// notification send it causes.
	DeliveryTimeout time.Duration
}

// Notifier evaluates subscription records against resource-change events
// and delivers the resulting notifications.
type Notifier struct {
	cfg      Config
	store    storage.Store
	registry *registry.Registry
	sched    *scheduler.Scheduler
	sender   Sender
	deleter  Deleter
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics

	queued atomic.Int64

	mu      sync.Mutex
	windows map[string]*crsWindow
	missing map[string]*missingWindow
}

// New creates a notifier. Metrics may be nil.
func New(cfg Config, store storage.Store, reg *registry.Registry, sched *scheduler.Scheduler, sender Sender, logger *telemetry.Logger, metrics *telemetry.Metrics) *Notifier {
	if cfg.VerificationTimeout <= 0 {
		cfg.VerificationTimeout = 10 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	return &Notifier{
		cfg:      cfg,
		store:    store,
		registry: reg,
		sched:    sched,
		sender:   sender,
		logger:   logger.NewComponentLogger("notifier"),
		metrics:  metrics,
		windows:  make(map[string]*crsWindow),
		missing:  make(map[string]*missingWindow),
	}
}

// BindDeleter wires the delete pipeline in after construction.
func (n *Notifier) BindDeleter(d Deleter) {
	n.deleter = d
}

// Start subscribes the notifier to the event bus.
func (n *Notifier) Start(bus *events.Bus) {
	bus.Subscribe("notifier", n.handleEvent)
}

// Restore re-arms the timers lost on a restart: batch duration timers with
// pending entries and periodic cross-resource windows.
func (n *Notifier) Restore(ctx context.Context) error {
	docs, err := n.store.ResourcesOfType(ctx, onem2m.ResourceTypeSubscription)
	if err != nil {
		return err
	}
	var queued int64
	for _, doc := range docs {
		sub, err := n.store.GetSubscription(ctx, doc.RI)
		if err != nil {
			continue
		}
		if !sub.Batching() {
			continue
		}
		for _, target := range sub.Targets {
			count, err := n.store.CountBatchNotifications(ctx, sub.RI, target)
			if err != nil || count == 0 {
				continue
			}
			queued += int64(count)
			delay := sub.BatchDuration
			if delay <= 0 {
				// Size-triggered buffers have no deadline of their own;
				// flush what survived the restart promptly.
				delay = time.Second
			}
			subRI, tgt := sub.RI, target
			n.sched.RunAfter(batchTimer(subRI, tgt), delay, func(tctx context.Context) error {
				n.flushByRI(tctx, subRI, tgt)
				return nil
			})
		}
	}
	n.queued.Store(queued)
	n.metrics.SetNotificationQueueDepth(float64(queued))
	n.updateSubscriptionGauge(ctx)

	crs, err := n.store.ResourcesOfType(ctx, onem2m.ResourceTypeCrossResourceSub)
	if err != nil {
		return err
	}
	for _, doc := range crs {
		n.armCrossWindow(doc.RI, doc.Attributes)
	}
	return nil
}

// handleEvent is the bus entry point. Blocking event types never match
// here: they are served synchronously through BlockingUpdate and
// BlockingRetrieve before the change commits.
func (n *Notifier) handleEvent(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DeliveryTimeout)
	defer cancel()

	switch ev.ResourceType {
	case onem2m.ResourceTypeSubscription:
		if ev.IsDeletion() {
			n.subscriptionDeleted(ctx, ev)
		}
		n.updateSubscriptionGauge(ctx)
	case onem2m.ResourceTypeCrossResourceSub:
		switch ev.Type {
		case events.TypeCreated, events.TypeUpdated:
			n.armCrossWindow(ev.ResourceID, ev.Resource)
		case events.TypeDeleted, events.TypeExpired:
			n.dropCrossWindow(ev.ResourceID)
		}
		n.updateSubscriptionGauge(ctx)
	}

	switch ev.Type {
	case events.TypeCreated:
		n.dispatch(ctx, ev.ParentID, ev, onem2m.EventCreateDirectChild)
	case events.TypeUpdated:
		n.dispatch(ctx, ev.ResourceID, ev, onem2m.EventResourceUpdate)
	case events.TypeDeleted, events.TypeExpired:
		n.dispatch(ctx, ev.ResourceID, ev, onem2m.EventResourceDelete)
		n.dispatch(ctx, ev.ParentID, ev, onem2m.EventDeleteDirectChild)
	case events.TypeMissingData:
		n.dispatchMissing(ctx, ev)
	}
}

func (n *Notifier) dispatch(ctx context.Context, pi string, ev events.Event, net onem2m.NotificationEventType) {
	if pi == "" {
		return
	}
	subs, err := n.store.SubscriptionsFor(ctx, pi)
	if err != nil {
		n.logger.WithResourceID(pi).WithError(err).Error("failed to load subscription records")
		return
	}
	for _, sub := range subs {
		n.evaluate(ctx, sub, ev, net)
	}
}

// evaluate applies one subscription record to one event and delivers the
// notification when every criterion holds.
func (n *Notifier) evaluate(ctx context.Context, sub *storage.Subscription, ev events.Event, net onem2m.NotificationEventType) {
	// A subscription never reports its own deletion as a child event;
	// that is what the deletion notification is for.
	if sub.RI == ev.ResourceID {
		return
	}
	if !sub.WantsEvent(net) {
		return
	}
	switch net {
	case onem2m.EventCreateDirectChild, onem2m.EventDeleteDirectChild:
		if len(sub.ChildTypes) > 0 && !hasType(sub.ChildTypes, ev.ResourceType) {
			return
		}
	case onem2m.EventResourceUpdate:
		if len(sub.AttributeFilter) > 0 && !intersects(changedKeys(ev), sub.AttributeFilter) {
			return
		}
	}
	if sub.CrossResourceRI != "" {
		n.observeCross(ctx, sub, ev.Timestamp)
		return
	}
	if !n.scheduleAllows(ctx, sub) {
		n.logger.WithSubscription(sub.RI).Debug("notification outside schedule, dropped")
		return
	}
	n.deliver(ctx, sub, n.buildNotification(sub, ev, net))
}

// deliver sends or buffers one rendered notification.
func (n *Notifier) deliver(ctx context.Context, sub *storage.Subscription, body onem2m.Attributes) {
	if sub.Batching() {
		n.enqueue(ctx, sub, body)
		return
	}
	delivered := false
	for _, target := range sub.Targets {
		if err := n.send(ctx, sub, target, body); err != nil {
			n.logger.WithSubscription(sub.RI).WithTarget(target).WithError(err).Warn("notification delivery failed")
			continue
		}
		delivered = true
	}
	if delivered {
		n.consumeCounter(ctx, sub)
	}
}

// send delivers to one target and maintains the subscription's
// notification statistics.
func (n *Notifier) send(ctx context.Context, sub *storage.Subscription, target string, body onem2m.Attributes) error {
	rsc, err := n.sendRaw(ctx, target, body)
	ok := err == nil && rsc.IsSuccess()
	if sub.StatsEnabled {
		n.recordStats(ctx, sub.RI, target, ok)
	}
	if err != nil {
		return err
	}
	if !rsc.IsSuccess() {
		return onem2m.Errorf(rsc, "notification rejected by %s", target)
	}
	return nil
}

func (n *Notifier) sendRaw(ctx context.Context, target string, body onem2m.Attributes) (onem2m.RSC, error) {
	start := time.Now()
	rsc, err := n.sender.Send(ctx, target, body)
	elapsed := time.Since(start)
	if err != nil {
		n.metrics.RecordNotification("failed", elapsed)
		return 0, err
	}
	if !rsc.IsSuccess() {
		n.metrics.RecordNotification("rejected", elapsed)
		return rsc, nil
	}
	n.metrics.RecordNotification("delivered", elapsed)
	_ = n.store.AddStatistics(ctx, storage.Statistics{Notifications: 1})
	return rsc, nil
}

// consumeCounter decrements the expiration counter after a successful
// delivery and deletes the subscription when it runs out.
func (n *Notifier) consumeCounter(ctx context.Context, sub *storage.Subscription) {
	if sub.Counter <= 0 {
		return
	}
	sub.Counter--
	if sub.Counter <= 0 {
		n.logger.WithSubscription(sub.RI).Info("expiration counter exhausted, deleting subscription")
		if n.deleter == nil {
			return
		}
		if err := n.deleter.DeleteInternal(ctx, sub.RI); err != nil {
			n.logger.WithSubscription(sub.RI).WithError(err).Error("failed to delete exhausted subscription")
		}
		return
	}
	if err := n.store.UpsertSubscription(ctx, sub); err != nil {
		n.logger.WithSubscription(sub.RI).WithError(err).Error("failed to persist expiration counter")
		return
	}
	if doc, err := n.store.GetResource(ctx, sub.RI); err == nil {
		doc.Attributes["exc"] = sub.Counter
		if err := n.store.UpdateResource(ctx, doc); err != nil {
			n.logger.WithSubscription(sub.RI).WithError(err).Warn("failed to sync expiration counter attribute")
		}
	}
}

// recordStats bumps the per-target request and success counters in the
// subscription's nsi attribute.
func (n *Notifier) recordStats(ctx context.Context, subRI, target string, delivered bool) {
	doc, err := n.store.GetResource(ctx, subRI)
	if err != nil {
		return
	}
	raw, _ := doc.Attributes.Slice("nsi")
	var entry onem2m.Attributes
	out := make([]any, 0, len(raw)+1)
	for _, el := range raw {
		m, ok := asAttrs(el)
		if !ok {
			continue
		}
		if entry == nil && m.StrOr("tg", "") == target {
			entry = m
		}
		out = append(out, m)
	}
	if entry == nil {
		entry = onem2m.Attributes{"tg": target, "rqs": int64(0), "rsr": int64(0)}
		out = append(out, entry)
	}
	entry["rqs"] = entry.IntOr("rqs", 0) + 1
	if delivered {
		entry["rsr"] = entry.IntOr("rsr", 0) + 1
	}
	doc.Attributes["nsi"] = out
	if err := n.store.UpdateResource(ctx, doc); err != nil {
		n.logger.WithResourceID(subRI).WithError(err).Warn("failed to update notification statistics")
	}
}

// scheduleAllows checks the subscription's notification schedule, a
// <schedule> child of the subscription itself. The immediate event
// category bypasses the schedule.
func (n *Notifier) scheduleAllows(ctx context.Context, sub *storage.Subscription) bool {
	if sub.EventCategory == int(onem2m.EventCatImmediate) {
		return true
	}
	rec, err := n.store.ScheduleForParent(ctx, sub.RI)
	if err != nil {
		return true
	}
	now := time.Now().UTC()
	for _, expr := range rec.Entries {
		ce, err := scheduler.ParseCron(expr)
		if err != nil {
			continue
		}
		if ce.Matches(now) {
			return true
		}
	}
	return false
}

// VerifyTargets runs the verification handshake against each target. Any
// refusal or timeout fails the whole set.
func (n *Notifier) VerifyTargets(ctx context.Context, sub *storage.Subscription, targets []string) error {
	for _, target := range targets {
		sgn := onem2m.Attributes{
			"vrq": true,
			"sur": n.reference(sub.RI),
		}
		if sub.Originator != "" {
			sgn["cr"] = sub.Originator
		}
		vctx, cancel := context.WithTimeout(ctx, n.cfg.VerificationTimeout)
		rsc, err := n.sendRaw(vctx, target, onem2m.Attributes{"m2m:sgn": sgn})
		cancel()
		if err != nil || !rsc.IsSuccess() {
			n.logger.WithSubscription(sub.RI).WithTarget(target).Warn("subscription verification failed")
			return onem2m.Errorf(onem2m.RSCSubscriptionVerificationFail,
				"verification of notification target %s failed", target)
		}
	}
	return nil
}

// subscriptionDeleted drains the deleted subscription's batch buffers and
// sends the deletion notification. The record is already gone when the
// event arrives, so it is rebuilt from the final representation.
func (n *Notifier) subscriptionDeleted(ctx context.Context, ev events.Event) {
	doc := &storage.ResourceDoc{
		RI:         ev.ResourceID,
		PI:         ev.ParentID,
		Type:       onem2m.ResourceTypeSubscription,
		Path:       ev.Path,
		Attributes: ev.Resource,
	}
	sub, err := resources.BuildSubscriptionRecord(doc)
	if err != nil {
		n.logger.WithResourceID(ev.ResourceID).WithError(err).Warn("cannot rebuild deleted subscription record")
		return
	}
	if sub.Batching() {
		n.drainBatches(ctx, sub)
	}
	n.mu.Lock()
	delete(n.missing, sub.RI)
	n.mu.Unlock()

	targets := sub.Targets
	if sub.SubscriberURI != "" {
		targets = []string{sub.SubscriberURI}
	}
	body := onem2m.Attributes{"m2m:sgn": onem2m.Attributes{
		"sud": true,
		"sur": n.reference(sub.RI),
	}}
	for _, target := range targets {
		if _, err := n.sendRaw(ctx, target, body); err != nil {
			n.logger.WithSubscription(sub.RI).WithTarget(target).WithError(err).Warn("deletion notification failed")
		}
	}
}

func (n *Notifier) updateSubscriptionGauge(ctx context.Context) {
	subs, err := n.store.ResourcesOfType(ctx, onem2m.ResourceTypeSubscription)
	if err != nil {
		return
	}
	crs, err := n.store.ResourcesOfType(ctx, onem2m.ResourceTypeCrossResourceSub)
	if err != nil {
		return
	}
	n.metrics.SetActiveSubscriptions(float64(len(subs) + len(crs)))
}

// changedKeys lists the attributes an update touched, including removed
// ones. Without a before image every attribute counts as changed.
func changedKeys(ev events.Event) []string {
	if ev.Old == nil {
		return ev.Resource.Keys()
	}
	var keys []string
	for k, v := range ev.Resource {
		old, ok := ev.Old[k]
		if !ok || !reflect.DeepEqual(old, v) {
			keys = append(keys, k)
		}
	}
	for k := range ev.Old {
		if _, ok := ev.Resource[k]; !ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func intersects(keys []string, filter []string) bool {
	for _, k := range keys {
		for _, f := range filter {
			if k == f {
				return true
			}
		}
	}
	return false
}

func hasType(types []onem2m.ResourceType, ty onem2m.ResourceType) bool {
	for _, t := range types {
		if t == ty {
			return true
		}
	}
	return false
}

func asAttrs(v any) (onem2m.Attributes, bool) {
	switch m := v.(type) {
	case onem2m.Attributes:
		return m, true
	case map[string]any:
		return onem2m.Attributes(m), true
	}
	return nil, false
}
