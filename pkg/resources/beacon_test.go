package resources

import (
	"context"
	"testing"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

func TestBeaconIntervalClamped(t *testing.T) {
	tests := []struct {
		name  string
		attrs onem2m.Attributes
		want  int64
	}{
		{name: "absent defaults to the maximum", attrs: onem2m.Attributes{}, want: onem2m.BeaconPeriodicIntervalMax},
		{name: "below the minimum", attrs: onem2m.Attributes{"bcni": int64(10)}, want: onem2m.BeaconPeriodicIntervalMin},
		{name: "above the maximum", attrs: onem2m.Attributes{"bcni": int64(7200000)}, want: onem2m.BeaconPeriodicIntervalMax},
		{name: "in range", attrs: onem2m.Attributes{"bcni": int64(5000)}, want: 5000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ae := seedResource(t, env, onem2m.ResourceTypeAE, "ae1", "cb1", "app",
				onem2m.Attributes{"aei": "CAe1", "api": "Rapp"})

			r := New(onem2m.ResourceTypeTimeSyncBeacon, tt.attrs)
			r.SetIdentity("tsb1", "ae1", "clock")
			if err := env.factory.Behavior(onem2m.ResourceTypeTimeSyncBeacon).Prepare(context.Background(), r, ae, "CAe1"); err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}
			if got := r.Attributes.IntOr("bcni", -1); got != tt.want {
				t.Errorf("bcni = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBeaconLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ae := seedResource(t, env, onem2m.ResourceTypeAE, "ae1", "cb1", "app",
		onem2m.Attributes{"aei": "CAe1", "api": "Rapp"})

	tsb := runCreate(t, env, onem2m.ResourceTypeTimeSyncBeacon, "tsb1", "clock", ae,
		onem2m.Attributes{"bcni": int64(3600000), "bcnr": "node-7", "bcnu": []any{"http://peer/notify"}}, "CAe1")

	if !env.sched.Has("beacon:tsb1") {
		t.Error("beacon timer not scheduled")
	}

	env.factory.Behavior(onem2m.ResourceTypeTimeSyncBeacon).Deactivate(ctx, tsb, "CAe1")
	if env.sched.Has("beacon:tsb1") {
		t.Error("beacon timer still scheduled after deactivation")
	}
}

func TestBeaconFire(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedResource(t, env, onem2m.ResourceTypeTimeSyncBeacon, "tsb1", "ae1", "clock",
		onem2m.Attributes{"bcni": int64(3600000), "bcnr": "node-7", "bcnu": []any{"http://peer/notify"}})

	beacon := env.factory.Behavior(onem2m.ResourceTypeTimeSyncBeacon).(*beaconBehavior)
	if err := beacon.fire(ctx, "tsb1"); err != nil {
		t.Fatalf("fire() error = %v", err)
	}

	if len(env.sent) != 1 || env.sent[0].target != "http://peer/notify" {
		t.Fatalf("sent = %v, want one notification to the beacon target", env.sent)
	}
	tsbn, ok := env.sent[0].body.Map("m2m:tsbn")
	if !ok {
		t.Fatalf("body = %v, want an m2m:tsbn envelope", env.sent[0].body)
	}
	if tbr := tsbn.StrOr("tbr", ""); tbr != "node-7" {
		t.Errorf("tbr = %q, want node-7", tbr)
	}
	if !tsbn.Has("ctm") {
		t.Error("ctm missing from the beacon payload")
	}
}

func TestBeaconFireOnDeletedResourceStopsTimer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	beacon := env.factory.Behavior(onem2m.ResourceTypeTimeSyncBeacon).(*beaconBehavior)
	env.sched.RunPeriodic("beacon:ghost", time.Hour, time.Time{}, func(ctx context.Context) error { return nil })

	if err := beacon.fire(ctx, "ghost"); err != nil {
		t.Fatalf("fire() error = %v", err)
	}
	if len(env.sent) != 0 {
		t.Errorf("sent = %v, want nothing for a deleted beacon", env.sent)
	}
	if env.sched.Has("beacon:ghost") {
		t.Error("timer should have been cancelled")
	}
}
