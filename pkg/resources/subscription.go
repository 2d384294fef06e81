package resources

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// subscriptionBehavior keeps the notifier's flattened subscription records in
// step with <subscription> resources and runs the verification handshake
// against new notification targets.
type subscriptionBehavior struct {
	base
}

func (b *subscriptionBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	if !r.Attributes.Has("nct") {
		r.Attributes["nct"] = int64(onem2m.ContentAllAttributes)
	}
	rec, err := BuildSubscriptionRecord(r.ResourceDoc)
	if err != nil {
		return err
	}
	return b.checkEventConfig(ctx, rec, parent.Type, parent.RI)
}

func (b *subscriptionBehavior) Activate(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	rec, err := BuildSubscriptionRecord(r.ResourceDoc)
	if err != nil {
		return err
	}
	if pending := unverifiedTargets(rec.Targets, rec.Originator, nil); len(pending) > 0 {
		if err := b.env.VerifyTargets(ctx, rec, pending); err != nil {
			return err
		}
	}
	if err := b.env.Store().UpsertSubscription(ctx, rec); err != nil {
		return onem2m.ErrInternal("storing subscription record", err)
	}
	return nil
}

func (b *subscriptionBehavior) Update(ctx context.Context, r *Resource, old onem2m.Attributes, originator string) error {
	rec, err := BuildSubscriptionRecord(r.ResourceDoc)
	if err != nil {
		return err
	}

	parent, err := b.env.Store().GetResource(ctx, r.PI)
	if err != nil {
		return onem2m.ErrInternal("loading subscribed resource", err)
	}
	if err := b.checkEventConfig(ctx, rec, parent.Type, parent.RI); err != nil {
		return err
	}

	// Toggling the stats switch starts a fresh collection either way.
	if rec.StatsEnabled != old.BoolOr("nse", false) {
		if rec.StatsEnabled {
			r.Attributes["nsi"] = []any{}
		} else {
			delete(r.Attributes, "nsi")
		}
	}

	verified, _ := old.StrSlice("nu")
	if pending := unverifiedTargets(rec.Targets, rec.Originator, verified); len(pending) > 0 {
		if err := b.env.VerifyTargets(ctx, rec, pending); err != nil {
			return err
		}
	}
	if err := b.env.Store().UpsertSubscription(ctx, rec); err != nil {
		return onem2m.ErrInternal("storing subscription record", err)
	}
	return nil
}

func (b *subscriptionBehavior) Deactivate(ctx context.Context, r *Resource, originator string) {
	if err := b.env.Store().DeleteSubscription(ctx, r.RI); err != nil && !errors.Is(err, storage.ErrNotFound) {
		b.env.Logger().WithError(err).WithResourceID(r.RI).Warn("subscription record delete failed")
	}
	// A subscription referenced by a cross-resource subscription takes the
	// whole CRS down with it.
	if acrs, ok := r.Attributes.StrSlice("acrs"); ok {
		for _, crs := range acrs {
			if err := b.env.DeleteInternal(ctx, crs); err != nil && !onem2m.IsNotFound(err) {
				b.env.Logger().WithError(err).WithResourceID(crs).Warn("cross resource subscription cleanup failed")
			}
		}
	}
}

// checkEventConfig enforces the rules that depend on the subscribed-to
// resource: missing data events need a time series parent with the md window
// configured, and the blocking event types tolerate neither target lists nor
// competing subscriptions on the same resource.
func (b *subscriptionBehavior) checkEventConfig(ctx context.Context, rec *storage.Subscription, parentType onem2m.ResourceType, parentRI string) error {
	if rec.ContentType == onem2m.ContentTimeSeriesNotify && !rec.WantsEvent(onem2m.EventMissingData) {
		return onem2m.ErrBadRequest(
			"time series notification content needs a missing data event subscription").WithAttribute("nct")
	}

	if slices.Contains(rec.EventTypes, onem2m.EventMissingData) {
		if parentType != onem2m.ResourceTypeTimeSeries {
			return onem2m.ErrBadRequest(
				"missing data events are only available under a time series").WithAttribute("enc")
		}
		if rec.MissingDataLimit <= 0 || rec.MissingDataWindow <= 0 {
			return onem2m.ErrBadRequest(
				"missing data subscription needs enc/md number and duration").WithAttribute("enc")
		}
	}

	for _, net := range rec.EventTypes {
		if !isBlockingEventType(net) {
			continue
		}
		if len(rec.Targets) != 1 {
			return onem2m.ErrBadRequest(
				"blocking event type %d needs exactly one notification target", net)
		}
		siblings, err := b.env.Store().SubscriptionsFor(ctx, parentRI)
		if err != nil {
			return onem2m.ErrInternal("checking sibling subscriptions", err)
		}
		for _, s := range siblings {
			if s.RI != rec.RI && s.WantsEvent(net) {
				return onem2m.ErrConflict(
					"%s already has a subscription for blocking event type %d", parentRI, net)
			}
		}
	}
	return nil
}

func isBlockingEventType(net onem2m.NotificationEventType) bool {
	switch net {
	case onem2m.EventBlockingUpdate, onem2m.EventBlockingRetrieve, onem2m.EventBlockingRetrieveDC:
		return true
	}
	return false
}

// unverifiedTargets filters nu down to the targets that owe a verification
// request: everything except the creator itself and targets carried over from
// the previous representation.
func unverifiedTargets(targets []string, creator string, carried []string) []string {
	var out []string
	for _, t := range targets {
		if creator != "" && t == creator {
			continue
		}
		if slices.Contains(carried, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// BuildSubscriptionRecord flattens a <subscription> representation into the
// record the notifier evaluates. The notifier also rebuilds records from
// deletion events, so the mapping lives here rather than in the hooks.
func BuildSubscriptionRecord(doc *storage.ResourceDoc) (*storage.Subscription, error) {
	attrs := doc.Attributes
	rec := &storage.Subscription{
		RI:         doc.RI,
		PI:         doc.PI,
		Path:       doc.Path,
		Originator: attrs.StrOr("cr", ""),
	}

	rec.Targets, _ = attrs.StrSlice("nu")

	if enc, ok := attrs.Map("enc"); ok {
		if nets, ok := enc.IntSlice("net"); ok {
			for _, n := range nets {
				rec.EventTypes = append(rec.EventTypes, onem2m.NotificationEventType(n))
			}
		}
		if atr, ok := enc.StrSlice("atr"); ok {
			rec.AttributeFilter = atr
		}
		if chty, ok := enc.IntSlice("chty"); ok {
			for _, t := range chty {
				rec.ChildTypes = append(rec.ChildTypes, onem2m.ResourceType(t))
			}
		}
		if md, ok := enc.Map("md"); ok {
			rec.MissingDataLimit = md.IntOr("num", 0)
			if v, ok := md["dur"]; ok {
				d, err := onem2m.ParseDurationOrMillis(v)
				if err != nil {
					return nil, onem2m.ErrBadRequest("invalid missing data window").WithAttribute("enc")
				}
				rec.MissingDataWindow = d
			}
		}
	}

	if bn, ok := attrs.Map("bn"); ok {
		num := bn.IntOr("num", 0)
		var dur time.Duration
		if v, ok := bn["dur"]; ok {
			d, err := onem2m.ParseDurationOrMillis(v)
			if err != nil {
				return nil, onem2m.ErrBadRequest("invalid batch duration").WithAttribute("bn")
			}
			dur = d
		}
		if num <= 0 && dur <= 0 {
			return nil, onem2m.ErrBadRequest("batchNotify needs a number or a duration").WithAttribute("bn")
		}
		rec.BatchSize = num
		rec.BatchDuration = dur
	}

	rec.ContentType = onem2m.NotificationContentType(attrs.IntOr("nct", int64(onem2m.ContentAllAttributes)))
	rec.LatestOnly = attrs.BoolOr("ln", false)
	rec.Counter = attrs.IntOr("exc", 0)
	rec.EventCategory = int(attrs.IntOr("nec", 0))
	rec.PendingNotification = int(attrs.IntOr("pn", 0))
	rec.SubscriberURI = attrs.StrOr("su", "")
	rec.StatsEnabled = attrs.BoolOr("nse", false)
	if v, ok := attrs["ma"]; ok {
		d, err := onem2m.ParseDurationOrMillis(v)
		if err != nil {
			return nil, onem2m.ErrBadRequest("invalid maxAge value").WithAttribute("ma")
		}
		rec.MaxAge = d
	}
	return rec, nil
}
