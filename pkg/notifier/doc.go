// Package notifier turns committed resource changes into oneM2M
// notifications. It consumes the event bus, evaluates subscription records
// against each event, renders m2m:sgn envelopes per the subscription's
// notificationContentType and delivers them through a Sender, honoring
// batch windows, expiration counters, notification schedules and
// cross-resource time windows. The blocking handshakes (blockingUpdate,
// blockingRetrieve) are exposed as synchronous calls for the dispatcher.
package notifier
