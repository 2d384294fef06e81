package notifier

import (
	"context"
	"slices"
	"time"

	"github.com/auriga-m2m/auriga/pkg/events"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// missingWindow accumulates missed time-series data points for one
// subscription until the configured number of misses is reached.
type missingWindow struct {
	start   time.Time
	pending []string
}

// dispatchMissing routes a missing-data event to the subscriptions of the
// time series. Each subscription counts misses on its own: the resource's
// mdc tracks the series, the window here tracks the subscription.
func (n *Notifier) dispatchMissing(ctx context.Context, ev events.Event) {
	subs, err := n.store.SubscriptionsFor(ctx, ev.ResourceID)
	if err != nil {
		n.logger.WithResourceID(ev.ResourceID).WithError(err).Error("failed to load subscription records")
		return
	}
	for _, sub := range subs {
		if !sub.WantsEvent(onem2m.EventMissingData) {
			continue
		}
		if sub.CrossResourceRI != "" {
			n.observeCross(ctx, sub, ev.Timestamp)
			continue
		}
		n.observeMissing(ctx, sub, ev)
	}
}

// observeMissing appends the newest missed timestamp to the subscription's
// window and fires one aggregated notification at the threshold.
func (n *Notifier) observeMissing(ctx context.Context, sub *storage.Subscription, ev events.Event) {
	mdlt, _ := ev.Resource.StrSlice("mdlt")
	if len(mdlt) == 0 {
		return
	}
	newest := mdlt[len(mdlt)-1]
	limit := sub.MissingDataLimit
	if limit <= 0 {
		limit = 1
	}

	n.mu.Lock()
	w := n.missing[sub.RI]
	if w == nil || (sub.MissingDataWindow > 0 && ev.Timestamp.Sub(w.start) > sub.MissingDataWindow) {
		w = &missingWindow{start: ev.Timestamp}
		n.missing[sub.RI] = w
	}
	w.pending = append(w.pending, newest)
	ready := int64(len(w.pending)) >= limit
	var pending []string
	if ready {
		pending = slices.Clone(w.pending)
		delete(n.missing, sub.RI)
	}
	n.mu.Unlock()

	if !ready {
		return
	}
	if !n.scheduleAllows(ctx, sub) {
		n.logger.WithSubscription(sub.RI).Debug("missing-data notification outside schedule, dropped")
		return
	}
	sgn := onem2m.Attributes{
		"sur": n.reference(sub.RI),
		"nev": onem2m.Attributes{
			"net": int64(onem2m.EventMissingData),
			"rep": onem2m.Attributes{"m2m:tsn": onem2m.Attributes{
				"mdlt": pending,
				"mdc":  int64(len(pending)),
			}},
		},
	}
	if sub.Originator != "" {
		sgn["cr"] = sub.Originator
	}
	n.deliver(ctx, sub, onem2m.Attributes{"m2m:sgn": sgn})
}
