package resources

import (
	"context"
	"errors"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// beaconBehavior runs the periodic time sync beacon of a <timeSyncBeacon>:
// every beaconInterval the CSE pushes its current time to the beacon
// notification targets.
type beaconBehavior struct {
	base
}

func (b *beaconBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	r.Attributes["bcni"] = clampBeaconInterval(r.Attributes.IntOr("bcni", onem2m.BeaconPeriodicIntervalMax))
	return nil
}

func (b *beaconBehavior) Activate(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	b.schedule(r)
	return nil
}

func (b *beaconBehavior) Update(ctx context.Context, r *Resource, old onem2m.Attributes, originator string) error {
	r.Attributes["bcni"] = clampBeaconInterval(r.Attributes.IntOr("bcni", onem2m.BeaconPeriodicIntervalMax))
	b.schedule(r)
	return nil
}

func (b *beaconBehavior) Deactivate(ctx context.Context, r *Resource, originator string) {
	b.env.Scheduler().Cancel("beacon:" + r.RI)
}

func (b *beaconBehavior) schedule(r *Resource) {
	ri := r.RI
	interval := time.Duration(r.Attributes.IntOr("bcni", onem2m.BeaconPeriodicIntervalMax)) * time.Millisecond
	b.env.Scheduler().RunPeriodic("beacon:"+ri, interval, time.Time{}, func(ctx context.Context) error {
		return b.fire(ctx, ri)
	})
}

func (b *beaconBehavior) fire(ctx context.Context, ri string) error {
	doc, err := b.env.Store().GetResource(ctx, ri)
	if errors.Is(err, storage.ErrNotFound) {
		b.env.Scheduler().Cancel("beacon:" + ri)
		return nil
	}
	if err != nil {
		return err
	}

	body := onem2m.Attributes{
		"m2m:tsbn": map[string]any{
			"tbr": doc.Attributes.StrOr("bcnr", ""),
			"ctm": onem2m.Now(),
		},
	}
	targets, _ := doc.Attributes.StrSlice("bcnu")
	for _, target := range targets {
		if err := b.env.SendNotification(ctx, target, body); err != nil {
			b.env.Logger().WithError(err).WithTarget(target).Warn("time sync beacon delivery failed")
		}
	}
	return nil
}

func clampBeaconInterval(v int64) int64 {
	if v < onem2m.BeaconPeriodicIntervalMin {
		return onem2m.BeaconPeriodicIntervalMin
	}
	if v > onem2m.BeaconPeriodicIntervalMax {
		return onem2m.BeaconPeriodicIntervalMax
	}
	return v
}
