package resources

import (
	"context"
	"slices"
	"testing"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

func TestRemoteCSENormalizesIdentifier(t *testing.T) {
	env := newTestEnv(t)
	cb := seedResource(t, env, onem2m.ResourceTypeCSEBase, "cbx", "", "cse-root",
		onem2m.Attributes{"csi": "/auriga-cse"})

	r := New(onem2m.ResourceTypeRemoteCSE, onem2m.Attributes{"csi": "edge-1", "cb": "//sp/edge-1/cb"})
	r.SetIdentity("csr1", "cbx", "edge-1")
	if err := env.factory.Behavior(onem2m.ResourceTypeRemoteCSE).Prepare(context.Background(), r, cb, "CAdmin"); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if csi := r.Attributes.StrOr("csi", ""); csi != "/edge-1" {
		t.Errorf("csi = %q, want /edge-1", csi)
	}
}

func TestRemoteCSERejectsDuplicateIdentifier(t *testing.T) {
	env := newTestEnv(t)
	cb := seedResource(t, env, onem2m.ResourceTypeCSEBase, "cbx", "", "cse-root",
		onem2m.Attributes{"csi": "/auriga-cse"})
	seedResource(t, env, onem2m.ResourceTypeRemoteCSE, "csr1", "cbx", "edge-1",
		onem2m.Attributes{"csi": "/edge-1"})

	r := New(onem2m.ResourceTypeRemoteCSE, onem2m.Attributes{"csi": "edge-1"})
	r.SetIdentity("csr2", "cbx", "edge-1-again")
	err := env.factory.Behavior(onem2m.ResourceTypeRemoteCSE).Prepare(context.Background(), r, cb, "CAdmin")
	wantRSC(t, err, onem2m.RSCConflict)
}

func TestPollingChannelOwnerOnly(t *testing.T) {
	tests := []struct {
		name       string
		originator string
		wantRSC    onem2m.RSC
	}{
		{name: "the registered AE", originator: "CAe1"},
		{name: "the admin originator", originator: "CAdmin"},
		{name: "another AE", originator: "CAe2", wantRSC: onem2m.RSCOriginatorHasNoPrivilege},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ae := seedResource(t, env, onem2m.ResourceTypeAE, "ae1", "cb1", "app",
				onem2m.Attributes{"aei": "CAe1", "api": "Rapp"})

			r := New(onem2m.ResourceTypePollingChannel, onem2m.Attributes{})
			r.SetIdentity("pch1", "ae1", "channel")
			err := env.factory.Behavior(onem2m.ResourceTypePollingChannel).Prepare(context.Background(), r, ae, tt.originator)
			if tt.wantRSC != 0 {
				wantRSC(t, err, tt.wantRSC)
			} else if err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}
		})
	}
}

func TestPollingChannelSinglePerAE(t *testing.T) {
	env := newTestEnv(t)
	ae := seedResource(t, env, onem2m.ResourceTypeAE, "ae1", "cb1", "app",
		onem2m.Attributes{"aei": "CAe1", "api": "Rapp"})
	seedResource(t, env, onem2m.ResourceTypePollingChannel, "pch1", "ae1", "channel", onem2m.Attributes{})

	r := New(onem2m.ResourceTypePollingChannel, onem2m.Attributes{})
	r.SetIdentity("pch2", "ae1", "channel-2")
	err := env.factory.Behavior(onem2m.ResourceTypePollingChannel).Prepare(context.Background(), r, ae, "CAe1")
	wantRSC(t, err, onem2m.RSCConflict)
}

func TestPollingChannelDeactivateClosesQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pch := seedResource(t, env, onem2m.ResourceTypePollingChannel, "pch1", "ae1", "channel", onem2m.Attributes{})

	env.factory.Behavior(onem2m.ResourceTypePollingChannel).Deactivate(ctx, pch, "CAe1")
	if !slices.Contains(env.closedPCH, "pch1") {
		t.Errorf("closed channels = %v, want pch1", env.closedPCH)
	}
}
