package resources

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

func TestBuildSubscriptionRecord(t *testing.T) {
	tests := []struct {
		name    string
		attrs   onem2m.Attributes
		wantErr bool
		check   func(t *testing.T, rec *storage.Subscription)
	}{
		{
			name: "full criteria",
			attrs: onem2m.Attributes{
				"cr": "CAe1",
				"nu": []any{"http://host/notify", "CAe2"},
				"enc": map[string]any{
					"net":  []any{int64(1), int64(3)},
					"atr":  []any{"lbl"},
					"chty": []any{int64(4)},
				},
				"bn":  map[string]any{"num": int64(3), "dur": int64(5000)},
				"nct": int64(2),
				"ln":  true,
				"exc": int64(5),
				"nec": int64(2),
				"pn":  int64(1),
				"su":  "http://host/status",
				"nse": true,
			},
			check: func(t *testing.T, rec *storage.Subscription) {
				if rec.Originator != "CAe1" {
					t.Errorf("Originator = %q, want CAe1", rec.Originator)
				}
				if !slices.Equal(rec.Targets, []string{"http://host/notify", "CAe2"}) {
					t.Errorf("Targets = %v", rec.Targets)
				}
				want := []onem2m.NotificationEventType{onem2m.EventResourceUpdate, onem2m.EventCreateDirectChild}
				if !slices.Equal(rec.EventTypes, want) {
					t.Errorf("EventTypes = %v, want %v", rec.EventTypes, want)
				}
				if !slices.Equal(rec.AttributeFilter, []string{"lbl"}) {
					t.Errorf("AttributeFilter = %v", rec.AttributeFilter)
				}
				if !slices.Equal(rec.ChildTypes, []onem2m.ResourceType{onem2m.ResourceTypeContentInstance}) {
					t.Errorf("ChildTypes = %v", rec.ChildTypes)
				}
				if rec.BatchSize != 3 || rec.BatchDuration != 5*time.Second {
					t.Errorf("batch = %d/%v, want 3/5s", rec.BatchSize, rec.BatchDuration)
				}
				if !rec.Batching() {
					t.Error("Batching() = false, want true")
				}
				if rec.ContentType != onem2m.ContentModifiedAttributes {
					t.Errorf("ContentType = %d, want %d", rec.ContentType, onem2m.ContentModifiedAttributes)
				}
				if !rec.LatestOnly || rec.Counter != 5 || rec.EventCategory != 2 || rec.PendingNotification != 1 {
					t.Errorf("ln/exc/nec/pn = %v/%d/%d/%d", rec.LatestOnly, rec.Counter, rec.EventCategory, rec.PendingNotification)
				}
				if rec.SubscriberURI != "http://host/status" || !rec.StatsEnabled {
					t.Errorf("su/nse = %q/%v", rec.SubscriberURI, rec.StatsEnabled)
				}
			},
		},
		{
			name: "missing data window",
			attrs: onem2m.Attributes{
				"nu": []any{"http://host/notify"},
				"enc": map[string]any{
					"net": []any{int64(8)},
					"md":  map[string]any{"num": int64(2), "dur": "PT10S"},
				},
			},
			check: func(t *testing.T, rec *storage.Subscription) {
				if rec.MissingDataLimit != 2 {
					t.Errorf("MissingDataLimit = %d, want 2", rec.MissingDataLimit)
				}
				if rec.MissingDataWindow != 10*time.Second {
					t.Errorf("MissingDataWindow = %v, want 10s", rec.MissingDataWindow)
				}
			},
		},
		{
			name: "defaults",
			attrs: onem2m.Attributes{
				"nu": []any{"http://host/notify"},
			},
			check: func(t *testing.T, rec *storage.Subscription) {
				if rec.ContentType != onem2m.ContentAllAttributes {
					t.Errorf("ContentType = %d, want %d", rec.ContentType, onem2m.ContentAllAttributes)
				}
				if !rec.WantsEvent(onem2m.EventResourceUpdate) {
					t.Error("an empty criteria set should default to resource update events")
				}
				if rec.WantsEvent(onem2m.EventCreateDirectChild) {
					t.Error("an empty criteria set should not match child creation events")
				}
			},
		},
		{
			name: "batch without number or duration",
			attrs: onem2m.Attributes{
				"nu": []any{"http://host/notify"},
				"bn": map[string]any{},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &storage.ResourceDoc{
				RI: "sub1", PI: "cnt1", Path: "cse-in/data/s1",
				Type: onem2m.ResourceTypeSubscription, Attributes: tt.attrs,
			}
			rec, err := BuildSubscriptionRecord(doc)
			if tt.wantErr {
				wantRSC(t, err, onem2m.RSCBadRequest)
				return
			}
			if err != nil {
				t.Fatalf("BuildSubscriptionRecord() error = %v", err)
			}
			if rec.RI != "sub1" || rec.PI != "cnt1" {
				t.Errorf("record identity = %s under %s", rec.RI, rec.PI)
			}
			tt.check(t, rec)
		})
	}
}

func TestSubscriptionCreateVerifiesTargets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cnt := seedResource(t, env, onem2m.ResourceTypeContainer, "cnt1", "cb1", "data",
		onem2m.Attributes{"cni": int64(0), "cbs": int64(0)})

	runCreate(t, env, onem2m.ResourceTypeSubscription, "sub1", "s1", cnt,
		onem2m.Attributes{"cr": "CAe1", "nu": []any{"http://host/notify", "CAe1"}}, "CAe1")

	if len(env.verified) != 1 || !slices.Equal(env.verified[0], []string{"http://host/notify"}) {
		t.Errorf("verified = %v, want [[http://host/notify]]", env.verified)
	}
	rec, err := env.store.GetSubscription(ctx, "sub1")
	if err != nil {
		t.Fatalf("GetSubscription(sub1) error = %v", err)
	}
	if rec.PI != "cnt1" {
		t.Errorf("record PI = %s, want cnt1", rec.PI)
	}
	if rec.ContentType != onem2m.ContentAllAttributes {
		t.Errorf("ContentType = %d, want the default", rec.ContentType)
	}
}

func TestSubscriptionVerificationFailureAborts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.verifyErr = onem2m.NewError(onem2m.RSCSubscriptionVerificationFail, "target rejected the subscription")
	cnt := seedResource(t, env, onem2m.ResourceTypeContainer, "cnt1", "cb1", "data",
		onem2m.Attributes{"cni": int64(0), "cbs": int64(0)})

	b := env.factory.Behavior(onem2m.ResourceTypeSubscription)
	r := New(onem2m.ResourceTypeSubscription, onem2m.Attributes{"nu": []any{"http://host/notify"}})
	r.SetIdentity("sub1", "cnt1", "s1")
	r.SetPath("cse-in/data/s1")
	if err := b.Prepare(ctx, r, cnt, "CAe1"); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	err := b.Activate(ctx, r, cnt, "CAe1")
	wantRSC(t, err, onem2m.RSCSubscriptionVerificationFail)

	if _, err := env.store.GetSubscription(ctx, "sub1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record should not be stored after failed verification, got %v", err)
	}
}

func TestSubscriptionBlockingEventRules(t *testing.T) {
	t.Run("needs exactly one target", func(t *testing.T) {
		env := newTestEnv(t)
		cnt := seedResource(t, env, onem2m.ResourceTypeContainer, "cnt1", "cb1", "data",
			onem2m.Attributes{"cni": int64(0), "cbs": int64(0)})

		r := New(onem2m.ResourceTypeSubscription, onem2m.Attributes{
			"nu":  []any{"http://a", "http://b"},
			"enc": map[string]any{"net": []any{int64(7)}},
		})
		r.SetIdentity("sub1", "cnt1", "s1")
		err := env.factory.Behavior(onem2m.ResourceTypeSubscription).Prepare(context.Background(), r, cnt, "CAe1")
		wantRSC(t, err, onem2m.RSCBadRequest)
	})

	t.Run("conflicts with a sibling for the same event", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		cnt := seedResource(t, env, onem2m.ResourceTypeContainer, "cnt1", "cb1", "data",
			onem2m.Attributes{"cni": int64(0), "cbs": int64(0)})
		if err := env.store.UpsertSubscription(ctx, &storage.Subscription{
			RI: "sub0", PI: "cnt1",
			EventTypes: []onem2m.NotificationEventType{onem2m.EventBlockingUpdate},
		}); err != nil {
			t.Fatalf("UpsertSubscription() error = %v", err)
		}

		r := New(onem2m.ResourceTypeSubscription, onem2m.Attributes{
			"nu":  []any{"http://a"},
			"enc": map[string]any{"net": []any{int64(7)}},
		})
		r.SetIdentity("sub1", "cnt1", "s1")
		err := env.factory.Behavior(onem2m.ResourceTypeSubscription).Prepare(ctx, r, cnt, "CAe1")
		wantRSC(t, err, onem2m.RSCConflict)
	})
}

func TestSubscriptionMissingDataGuards(t *testing.T) {
	tests := []struct {
		name     string
		parentTy onem2m.ResourceType
		attrs    onem2m.Attributes
		wantRSC  onem2m.RSC
	}{
		{
			name:     "missing data outside a time series",
			parentTy: onem2m.ResourceTypeContainer,
			attrs: onem2m.Attributes{
				"nu": []any{"http://a"},
				"enc": map[string]any{
					"net": []any{int64(8)},
					"md":  map[string]any{"num": int64(2), "dur": int64(10000)},
				},
			},
			wantRSC: onem2m.RSCBadRequest,
		},
		{
			name:     "window not configured",
			parentTy: onem2m.ResourceTypeTimeSeries,
			attrs: onem2m.Attributes{
				"nu":  []any{"http://a"},
				"enc": map[string]any{"net": []any{int64(8)}},
			},
			wantRSC: onem2m.RSCBadRequest,
		},
		{
			name:     "time series content without the event",
			parentTy: onem2m.ResourceTypeTimeSeries,
			attrs: onem2m.Attributes{
				"nu":  []any{"http://a"},
				"nct": int64(5),
			},
			wantRSC: onem2m.RSCBadRequest,
		},
		{
			name:     "accepted under a time series",
			parentTy: onem2m.ResourceTypeTimeSeries,
			attrs: onem2m.Attributes{
				"nu": []any{"http://a"},
				"enc": map[string]any{
					"net": []any{int64(8)},
					"md":  map[string]any{"num": int64(2), "dur": int64(10000)},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			parent := seedResource(t, env, tt.parentTy, "parent1", "cb1", "subject",
				onem2m.Attributes{"cni": int64(0), "cbs": int64(0)})

			r := New(onem2m.ResourceTypeSubscription, tt.attrs)
			r.SetIdentity("sub1", "parent1", "s1")
			err := env.factory.Behavior(onem2m.ResourceTypeSubscription).Prepare(context.Background(), r, parent, "CAe1")
			if tt.wantRSC != 0 {
				wantRSC(t, err, tt.wantRSC)
			} else if err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}
		})
	}
}

func TestSubscriptionUpdateStatsToggle(t *testing.T) {
	t.Run("enabling seeds an empty collection", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		seedResource(t, env, onem2m.ResourceTypeContainer, "cnt1", "cb1", "data",
			onem2m.Attributes{"cni": int64(0), "cbs": int64(0)})
		stored := seedResource(t, env, onem2m.ResourceTypeSubscription, "sub1", "cnt1", "s1",
			onem2m.Attributes{"nu": []any{"http://a"}, "nct": int64(1)})

		merged := FromDoc(stored.ResourceDoc.Clone())
		merged.Attributes["nse"] = true
		if err := env.factory.Behavior(onem2m.ResourceTypeSubscription).Update(ctx, merged, stored.Attributes, "CAe1"); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if nsi, ok := merged.Attributes.Slice("nsi"); !ok || len(nsi) != 0 {
			t.Errorf("nsi = %v, want an empty list", merged.Attributes["nsi"])
		}
	})

	t.Run("disabling drops the collection", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		seedResource(t, env, onem2m.ResourceTypeContainer, "cnt1", "cb1", "data",
			onem2m.Attributes{"cni": int64(0), "cbs": int64(0)})
		stored := seedResource(t, env, onem2m.ResourceTypeSubscription, "sub1", "cnt1", "s1",
			onem2m.Attributes{"nu": []any{"http://a"}, "nct": int64(1), "nse": true, "nsi": []any{"stats"}})

		merged := FromDoc(stored.ResourceDoc.Clone())
		merged.Attributes["nse"] = false
		if err := env.factory.Behavior(onem2m.ResourceTypeSubscription).Update(ctx, merged, stored.Attributes, "CAe1"); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if merged.Attributes.Has("nsi") {
			t.Errorf("nsi = %v, want removed", merged.Attributes["nsi"])
		}
	})
}

func TestSubscriptionUpdateVerifiesAddedTargets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedResource(t, env, onem2m.ResourceTypeContainer, "cnt1", "cb1", "data",
		onem2m.Attributes{"cni": int64(0), "cbs": int64(0)})
	stored := seedResource(t, env, onem2m.ResourceTypeSubscription, "sub1", "cnt1", "s1",
		onem2m.Attributes{"nu": []any{"http://a"}, "nct": int64(1)})

	merged := FromDoc(stored.ResourceDoc.Clone())
	merged.Attributes["nu"] = []any{"http://a", "http://b"}
	if err := env.factory.Behavior(onem2m.ResourceTypeSubscription).Update(ctx, merged, stored.Attributes, "CAe1"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if len(env.verified) != 1 || !slices.Equal(env.verified[0], []string{"http://b"}) {
		t.Errorf("verified = %v, want only the added target", env.verified)
	}
	rec, err := env.store.GetSubscription(ctx, "sub1")
	if err != nil {
		t.Fatalf("GetSubscription(sub1) error = %v", err)
	}
	if !slices.Equal(rec.Targets, []string{"http://a", "http://b"}) {
		t.Errorf("record targets = %v", rec.Targets)
	}
}

func TestSubscriptionDeactivateCascade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedResource(t, env, onem2m.ResourceTypeContainer, "cnt1", "cb1", "data",
		onem2m.Attributes{"cni": int64(0), "cbs": int64(0)})
	seedResource(t, env, onem2m.ResourceTypeCrossResourceSub, "crs1", "cb1", "xsub",
		onem2m.Attributes{"srat": []any{"sub1"}, "tws": int64(10000)})
	sub := seedResource(t, env, onem2m.ResourceTypeSubscription, "sub1", "cnt1", "s1",
		onem2m.Attributes{"nu": []any{"http://a"}, "acrs": []any{"crs1"}})
	if err := env.store.UpsertSubscription(ctx, &storage.Subscription{RI: "sub1", PI: "cnt1"}); err != nil {
		t.Fatalf("UpsertSubscription() error = %v", err)
	}

	env.factory.Behavior(onem2m.ResourceTypeSubscription).Deactivate(ctx, sub, "CAe1")

	if _, err := env.store.GetSubscription(ctx, "sub1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record should be gone, got %v", err)
	}
	if !slices.Contains(env.deleted, "crs1") {
		t.Errorf("deleted = %v, want the linked cross resource subscription", env.deleted)
	}
	if _, err := env.store.GetResource(ctx, "crs1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("crs1 should be gone, got %v", err)
	}
}
