package notifier

import (
	"context"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

func batchTimer(subRI, target string) string {
	return "batch:" + subRI + ":" + target
}

// enqueue appends the notification to the per-(subscription, target)
// buffers and flushes or arms timers per the batch policy.
func (n *Notifier) enqueue(ctx context.Context, sub *storage.Subscription, body onem2m.Attributes) {
	for _, target := range sub.Targets {
		entry := &storage.BatchEntry{
			SubscriptionRI: sub.RI,
			Target:         target,
			Timestamp:      onem2m.Now(),
			Notification:   body,
		}
		if err := n.store.AppendBatchNotification(ctx, entry); err != nil {
			n.logger.WithSubscription(sub.RI).WithTarget(target).WithError(err).Error("failed to buffer notification")
			continue
		}
		n.queued.Add(1)
		n.metrics.SetNotificationQueueDepth(float64(n.queued.Load()))

		if sub.BatchSize > 0 {
			count, err := n.store.CountBatchNotifications(ctx, sub.RI, target)
			if err == nil && int64(count) >= sub.BatchSize {
				n.flush(ctx, sub, target)
				continue
			}
		}
		if sub.BatchDuration > 0 && !n.sched.Has(batchTimer(sub.RI, target)) {
			subRI, tgt := sub.RI, target
			n.sched.RunAfter(batchTimer(subRI, tgt), sub.BatchDuration, func(tctx context.Context) error {
				n.flushByRI(tctx, subRI, tgt)
				return nil
			})
		}
	}
}

// flushByRI re-reads the record before flushing; the subscription may be
// gone by the time a duration timer fires.
func (n *Notifier) flushByRI(ctx context.Context, subRI, target string) {
	sub, err := n.store.GetSubscription(ctx, subRI)
	if err != nil {
		if dropped, derr := n.store.DeleteBatchNotifications(ctx, subRI, target); derr == nil && dropped > 0 {
			n.queued.Add(-dropped)
			n.metrics.SetNotificationQueueDepth(float64(n.queued.Load()))
		}
		return
	}
	n.flush(ctx, sub, target)
}

// flush drains one (subscription, target) buffer into a single aggregated
// envelope, oldest entry first.
func (n *Notifier) flush(ctx context.Context, sub *storage.Subscription, target string) {
	n.sched.Cancel(batchTimer(sub.RI, target))

	entries, err := n.store.BatchNotifications(ctx, sub.RI, target)
	if err != nil {
		n.logger.WithSubscription(sub.RI).WithError(err).Error("failed to read notification buffer")
		return
	}
	if len(entries) == 0 {
		return
	}
	if _, err := n.store.DeleteBatchNotifications(ctx, sub.RI, target); err != nil {
		n.logger.WithSubscription(sub.RI).WithError(err).Error("failed to drain notification buffer")
		return
	}
	n.queued.Add(-int64(len(entries)))
	n.metrics.SetNotificationQueueDepth(float64(n.queued.Load()))

	if sub.LatestOnly {
		entries = entries[len(entries)-1:]
	}
	sgns := make([]any, 0, len(entries))
	for _, e := range entries {
		if sgn, ok := e.Notification.Map("m2m:sgn"); ok {
			sgns = append(sgns, sgn)
		}
	}
	body := onem2m.Attributes{"m2m:agn": onem2m.Attributes{"m2m:sgn": sgns}}
	if err := n.send(ctx, sub, target, body); err != nil {
		n.logger.WithSubscription(sub.RI).WithTarget(target).WithError(err).Warn("aggregated notification failed")
		return
	}
	n.consumeCounter(ctx, sub)
}

// drainBatches flushes every pending buffer of a deleted subscription
// before its deletion notification goes out.
func (n *Notifier) drainBatches(ctx context.Context, sub *storage.Subscription) {
	for _, target := range sub.Targets {
		n.flush(ctx, sub, target)
	}
}
