package notifier

import (
	"context"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// BlockingUpdate runs the blockingUpdate handshake before an update
// commits: every subscription on the resource with the blockingUpdate
// event type is notified with the proposed representation, and the update
// proceeds only when all targets accept it.
func (n *Notifier) BlockingUpdate(ctx context.Context, doc *storage.ResourceDoc, merged onem2m.Attributes) error {
	subs, err := n.store.SubscriptionsFor(ctx, doc.RI)
	if err != nil {
		return onem2m.ErrInternal("failed to load subscription records", err)
	}
	for _, sub := range subs {
		if !sub.WantsEvent(onem2m.EventBlockingUpdate) || len(sub.Targets) == 0 {
			continue
		}
		target := sub.Targets[0]
		sgn := onem2m.Attributes{
			"sur": n.reference(sub.RI),
			"nev": onem2m.Attributes{
				"net": int64(onem2m.EventBlockingUpdate),
				"rep": onem2m.Attributes{n.typeKey(doc.Type): merged.Clone()},
			},
		}
		if sub.Originator != "" {
			sgn["cr"] = sub.Originator
		}
		rsc, err := n.sendRaw(ctx, target, onem2m.Attributes{"m2m:sgn": sgn})
		switch {
		case err != nil:
			return onem2m.Errorf(onem2m.RSCRemoteEntityNotReachable,
				"blocking update target %s unreachable", target)
		case rsc == onem2m.RSCTargetNotReachable:
			return onem2m.Errorf(onem2m.RSCRemoteEntityNotReachable,
				"blocking update target %s unreachable", target)
		case rsc == onem2m.RSCOperationNotAllowed:
			return onem2m.Errorf(onem2m.RSCOperationDeniedByRemote,
				"blocking update denied by %s", target)
		case !rsc.IsSuccess():
			return onem2m.Errorf(onem2m.RSCOperationDeniedByRemote,
				"blocking update rejected by %s with status %d", target, rsc)
		}
	}
	return nil
}

// BlockingRetrieve runs the blockingRetrieve handshake before a retrieve
// is answered: the subscribed entity is asked to refresh the resource and
// the resource is re-read afterwards. When the request or the subscription
// carries a maxAge, a representation younger than the tightest bound is
// served as-is. Delivery failures fall back to the stored representation.
func (n *Notifier) BlockingRetrieve(ctx context.Context, doc *storage.ResourceDoc, net onem2m.NotificationEventType, reqMaxAge time.Duration) *storage.ResourceDoc {
	owner := doc.RI
	if net == onem2m.EventBlockingRetrieveDC {
		owner = doc.PI
	}
	if owner == "" {
		return doc
	}
	subs, err := n.store.SubscriptionsFor(ctx, owner)
	if err != nil {
		n.logger.WithResourceID(owner).WithError(err).Error("failed to load subscription records")
		return doc
	}
	for _, sub := range subs {
		if !sub.WantsEvent(net) || len(sub.Targets) == 0 {
			continue
		}
		if freshWithin(doc, staleBound(reqMaxAge, sub.MaxAge)) {
			continue
		}
		sgn := onem2m.Attributes{
			"sur": n.reference(sub.RI),
			"nev": onem2m.Attributes{
				"net": int64(net),
				"rep": onem2m.Attributes{"m2m:uri": doc.RI},
			},
		}
		if sub.Originator != "" {
			sgn["cr"] = sub.Originator
		}
		if _, err := n.sendRaw(ctx, sub.Targets[0], onem2m.Attributes{"m2m:sgn": sgn}); err != nil {
			n.logger.WithSubscription(sub.RI).WithTarget(sub.Targets[0]).WithError(err).Warn("blocking retrieve notification failed")
			continue
		}
		if fresh, err := n.store.GetResource(ctx, doc.RI); err == nil {
			doc = fresh
		}
	}
	return doc
}

// staleBound is the tighter of the request and subscription maxAge values.
// Zero means neither side set one and the handshake always runs.
func staleBound(req, sub time.Duration) time.Duration {
	switch {
	case req > 0 && sub > 0:
		return min(req, sub)
	case req > 0:
		return req
	default:
		return sub
	}
}

func freshWithin(doc *storage.ResourceDoc, bound time.Duration) bool {
	if bound <= 0 {
		return false
	}
	lt, err := onem2m.ParseTime(doc.Attributes.StrOr("lt", ""))
	return err == nil && time.Since(lt) <= bound
}
