package notifier

import (
	"context"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// crsWindow tracks which source subscriptions of one cross-resource
// subscription fired in the current window, keyed by derived record ri.
// The window state is in-process only; after a restart a fresh window
// starts empty.
type crsWindow struct {
	seen map[string]time.Time
}

func crsTimer(ri string) string {
	return "crs-window:" + ri
}

// armCrossWindow prepares the window state for a CRS and, for periodic
// windows, starts the evaluation tick. Sliding windows have no timer; they
// are evaluated on every incoming event.
func (n *Notifier) armCrossWindow(ri string, attrs onem2m.Attributes) {
	n.mu.Lock()
	if _, ok := n.windows[ri]; !ok {
		n.windows[ri] = &crsWindow{seen: make(map[string]time.Time)}
	}
	n.mu.Unlock()

	if attrs.IntOr("twt", int64(onem2m.WindowPeriodic)) != int64(onem2m.WindowPeriodic) {
		n.sched.Cancel(crsTimer(ri))
		return
	}
	tws, err := onem2m.ParseDurationOrMillis(attrs["tws"])
	if err != nil || tws <= 0 {
		return
	}
	crsRI := ri
	n.sched.RunPeriodic(crsTimer(ri), tws, time.Time{}, func(ctx context.Context) error {
		n.evaluateCrossWindow(ctx, crsRI)
		return nil
	})
}

func (n *Notifier) dropCrossWindow(ri string) {
	n.sched.Cancel(crsTimer(ri))
	n.mu.Lock()
	delete(n.windows, ri)
	n.mu.Unlock()
}

// observeCross feeds one source event into the CRS window. Sliding windows
// are evaluated immediately; periodic windows wait for the tick.
func (n *Notifier) observeCross(ctx context.Context, rec *storage.Subscription, at time.Time) {
	doc, err := n.store.GetResource(ctx, rec.CrossResourceRI)
	if err != nil {
		return
	}
	n.mu.Lock()
	w := n.windows[doc.RI]
	if w == nil {
		w = &crsWindow{seen: make(map[string]time.Time)}
		n.windows[doc.RI] = w
	}
	w.seen[rec.RI] = at
	n.mu.Unlock()

	if doc.Attributes.IntOr("twt", int64(onem2m.WindowPeriodic)) == int64(onem2m.WindowSliding) {
		n.evaluateSliding(ctx, doc, at)
	}
}

// evaluateSliding evicts window entries older than tws and fires when the
// remaining set satisfies the evaluation mode.
func (n *Notifier) evaluateSliding(ctx context.Context, doc *storage.ResourceDoc, now time.Time) {
	tws, err := onem2m.ParseDurationOrMillis(doc.Attributes["tws"])
	if err != nil || tws <= 0 {
		return
	}
	n.mu.Lock()
	w := n.windows[doc.RI]
	if w == nil {
		n.mu.Unlock()
		return
	}
	cutoff := now.Add(-tws)
	for ri, at := range w.seen {
		if at.Before(cutoff) {
			delete(w.seen, ri)
		}
	}
	fired := crossSatisfied(doc.Attributes, len(w.seen))
	if fired {
		w.seen = make(map[string]time.Time)
	}
	n.mu.Unlock()

	if fired {
		n.fireCross(ctx, doc)
	}
}

// evaluateCrossWindow is the periodic tick: evaluate, notify when
// satisfied and start a fresh window either way.
func (n *Notifier) evaluateCrossWindow(ctx context.Context, ri string) {
	doc, err := n.store.GetResource(ctx, ri)
	if err != nil {
		n.dropCrossWindow(ri)
		return
	}
	n.mu.Lock()
	w := n.windows[ri]
	if w == nil {
		n.mu.Unlock()
		return
	}
	fired := crossSatisfied(doc.Attributes, len(w.seen))
	w.seen = make(map[string]time.Time)
	n.mu.Unlock()

	if fired {
		n.fireCross(ctx, doc)
	}
}

// crossSatisfied applies the event evaluation mode over the number of
// distinct sources seen in the window.
func crossSatisfied(attrs onem2m.Attributes, seen int) bool {
	if seen == 0 {
		return false
	}
	if attrs.IntOr("eem", int64(onem2m.EvaluationAllPresent)) == int64(onem2m.EvaluationAnyPresent) {
		return true
	}
	rrats, _ := attrs.StrSlice("rrats")
	srat, _ := attrs.StrSlice("srat")
	total := len(rrats) + len(srat)
	return total > 0 && seen >= total
}

// fireCross sends the cross-resource notification to the CRS targets.
func (n *Notifier) fireCross(ctx context.Context, doc *storage.ResourceDoc) {
	body := onem2m.Attributes{"m2m:sgn": onem2m.Attributes{"sur": n.reference(doc.RI)}}
	targets, _ := doc.Attributes.StrSlice("nu")
	for _, target := range targets {
		if _, err := n.sendRaw(ctx, target, body); err != nil {
			n.logger.WithResourceID(doc.RI).WithTarget(target).WithError(err).Warn("cross-resource notification failed")
		}
	}
}
