package resources

import (
	"context"
	"strings"
	"testing"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

func TestAERegistration(t *testing.T) {
	tests := []struct {
		name       string
		originator string
		attrs      onem2m.Attributes
		wantRSC    onem2m.RSC
		wantAlloc  bool
		wantAEI    string
	}{
		{
			name:       "allocation requested with C",
			originator: "C",
			attrs:      onem2m.Attributes{"api": "Rsensor.vendor"},
			wantAlloc:  true,
		},
		{
			name:       "allocation with empty originator",
			originator: "",
			attrs:      onem2m.Attributes{"api": "Nsensor.vendor"},
			wantAlloc:  true,
		},
		{
			name:       "self-assigned C id",
			originator: "CmyApp",
			attrs:      onem2m.Attributes{"api": "Rsensor.vendor"},
			wantAEI:    "CmyApp",
		},
		{
			name:       "self-assigned S id",
			originator: "SmyApp",
			attrs:      onem2m.Attributes{"api": "Rsensor.vendor"},
			wantAEI:    "SmyApp",
		},
		{
			name:       "originator outside the AE-ID space",
			originator: "device-1",
			attrs:      onem2m.Attributes{"api": "Rsensor.vendor"},
			wantRSC:    onem2m.RSCAppRuleValidationFailed,
		},
		{
			name:       "appID must start with R or N",
			originator: "C",
			attrs:      onem2m.Attributes{"api": "sensor.vendor"},
			wantRSC:    onem2m.RSCBadRequest,
		},
		{
			name:       "appID missing",
			originator: "C",
			attrs:      onem2m.Attributes{},
			wantRSC:    onem2m.RSCBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			parent := seedResource(t, env, onem2m.ResourceTypeCSEBase, "cb1", "", "cse-in", onem2m.Attributes{})

			r := New(onem2m.ResourceTypeAE, tt.attrs.Clone())
			r.SetIdentity(onem2m.NewResourceID(onem2m.ResourceTypeAE), "cb1", "myApp")

			err := env.factory.Behavior(onem2m.ResourceTypeAE).Prepare(context.Background(), r, parent, tt.originator)
			if tt.wantRSC != 0 {
				wantRSC(t, err, tt.wantRSC)
				return
			}
			if err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}

			aei := r.Attributes.StrOr("aei", "")
			if aei == "" || aei != r.RI {
				t.Fatalf("aei = %q, must be set and equal ri %q", aei, r.RI)
			}
			if tt.wantAlloc && !strings.HasPrefix(aei, "C") {
				t.Errorf("allocated AE-ID %q should carry the registrar prefix C", aei)
			}
			if tt.wantAEI != "" && aei != tt.wantAEI {
				t.Errorf("aei = %q, want %q", aei, tt.wantAEI)
			}
			if !r.Attributes.Has("srv") {
				t.Error("srv should be seeded from the CSE release versions")
			}
		})
	}
}

func TestAERegistrationDuplicate(t *testing.T) {
	env := newTestEnv(t)
	parent := seedResource(t, env, onem2m.ResourceTypeCSEBase, "cb1", "", "cse-in", onem2m.Attributes{})
	seedResource(t, env, onem2m.ResourceTypeAE, "CmyApp", "cb1", "first",
		onem2m.Attributes{"api": "Rsensor.vendor", "aei": "CmyApp"})

	r := New(onem2m.ResourceTypeAE, onem2m.Attributes{"api": "Rsensor.vendor"})
	r.SetIdentity(onem2m.NewResourceID(onem2m.ResourceTypeAE), "cb1", "second")

	err := env.factory.Behavior(onem2m.ResourceTypeAE).Prepare(context.Background(), r, parent, "CmyApp")
	wantRSC(t, err, onem2m.RSCOriginatorAlreadyRegistered)
}

func TestAEKeepsExplicitReleaseVersions(t *testing.T) {
	env := newTestEnv(t)
	parent := seedResource(t, env, onem2m.ResourceTypeCSEBase, "cb1", "", "cse-in", onem2m.Attributes{})

	r := New(onem2m.ResourceTypeAE, onem2m.Attributes{"api": "Rsensor.vendor", "srv": []any{"3"}})
	r.SetIdentity(onem2m.NewResourceID(onem2m.ResourceTypeAE), "cb1", "myApp")

	if err := env.factory.Behavior(onem2m.ResourceTypeAE).Prepare(context.Background(), r, parent, "C"); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	srv, _ := r.Attributes.StrSlice("srv")
	if len(srv) != 1 || srv[0] != "3" {
		t.Errorf("srv = %v, the registered value must not be overwritten", srv)
	}
}
