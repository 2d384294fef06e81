package validation

import (
	"strings"
	"testing"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/registry"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	reg, err := registry.New("", logger)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	return New(reg)
}

func TestCreateContainer(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name    string
		attrs   onem2m.Attributes
		wantErr string
		wantRSC onem2m.RSC
	}{
		{
			name:  "minimal container",
			attrs: onem2m.Attributes{},
		},
		{
			name:  "with optional attributes",
			attrs: onem2m.Attributes{"mni": float64(10), "lbl": []any{"a", "b"}, "mbs": float64(1024)},
		},
		{
			name:    "unknown attribute",
			attrs:   onem2m.Attributes{"nosuch": 1},
			wantErr: "unknown attribute",
		},
		{
			name:    "server assigned attribute",
			attrs:   onem2m.Attributes{"cni": float64(1)},
			wantErr: "not allowed in create",
		},
		{
			name:    "wrong type",
			attrs:   onem2m.Attributes{"mni": "ten"},
			wantRSC: onem2m.RSCContentsUnacceptable,
		},
		{
			name:    "negative nonNeg integer",
			attrs:   onem2m.Attributes{"mni": float64(-1)},
			wantRSC: onem2m.RSCContentsUnacceptable,
		},
		{
			name:    "fractional integer",
			attrs:   onem2m.Attributes{"mni": 1.5},
			wantRSC: onem2m.RSCContentsUnacceptable,
		},
		{
			name:  "null creator requests originator",
			attrs: onem2m.Attributes{"cr": nil},
		},
		{
			name:    "creator with value",
			attrs:   onem2m.Attributes{"cr": "CAdmin"},
			wantRSC: onem2m.RSCContentsUnacceptable,
		},
		{
			name:    "null optional attribute",
			attrs:   onem2m.Attributes{"mni": nil},
			wantRSC: onem2m.RSCContentsUnacceptable,
		},
		{
			name:    "non-string label",
			attrs:   onem2m.Attributes{"lbl": []any{"ok", 5}},
			wantRSC: onem2m.RSCContentsUnacceptable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Create(onem2m.ResourceTypeContainer, "m2m:cnt", tt.attrs)
			checkValidationError(t, err, tt.wantErr, tt.wantRSC)
		})
	}
}

func TestCreateNormalizesNumbers(t *testing.T) {
	v := newTestValidator(t)
	attrs := onem2m.Attributes{"mni": float64(10)}
	if err := v.Create(onem2m.ResourceTypeContainer, "m2m:cnt", attrs); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if n, ok := attrs["mni"].(int64); !ok || n != 10 {
		t.Errorf("mni not normalized to int64: %T %v", attrs["mni"], attrs["mni"])
	}
}

func TestCreateMandatoryAttributes(t *testing.T) {
	v := newTestValidator(t)

	// AE requires api and rr.
	err := v.Create(onem2m.ResourceTypeAE, "m2m:ae", onem2m.Attributes{"api": "Nmy-app"})
	if err == nil || !strings.Contains(err.Error(), "missing mandatory") {
		t.Errorf("Create(ae without rr) error = %v", err)
	}
	err = v.Create(onem2m.ResourceTypeAE, "m2m:ae", onem2m.Attributes{"api": "Nmy-app", "rr": true})
	if err != nil {
		t.Errorf("Create(complete ae) error = %v", err)
	}
}

func TestCreateSubscription(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name    string
		attrs   onem2m.Attributes
		wantErr bool
	}{
		{
			name:  "valid with enc and bn",
			attrs: onem2m.Attributes{"nu": []any{"http://receiver:9999"}, "enc": map[string]any{"net": []any{float64(3)}}, "bn": map[string]any{"num": float64(5), "dur": "PT20S"}},
		},
		{
			name:    "missing nu",
			attrs:   onem2m.Attributes{"enc": map[string]any{"net": []any{float64(1)}}},
			wantErr: true,
		},
		{
			name:    "empty nu",
			attrs:   onem2m.Attributes{"nu": []any{}},
			wantErr: true,
		},
		{
			name:    "net outside enum",
			attrs:   onem2m.Attributes{"nu": []any{"http://r"}, "enc": map[string]any{"net": []any{float64(42)}}},
			wantErr: true,
		},
		{
			name:    "unknown enc member",
			attrs:   onem2m.Attributes{"nu": []any{"http://r"}, "enc": map[string]any{"nope": float64(1)}},
			wantErr: true,
		},
		{
			name:    "bad batch duration",
			attrs:   onem2m.Attributes{"nu": []any{"http://r"}, "bn": map[string]any{"dur": "twenty"}},
			wantErr: true,
		},
		{
			name:    "nct outside enum",
			attrs:   onem2m.Attributes{"nu": []any{"http://r"}, "nct": float64(9)},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Create(onem2m.ResourceTypeSubscription, "m2m:sub", tt.attrs)
			if (err != nil) != tt.wantErr {
				t.Errorf("Create() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateACPComplex(t *testing.T) {
	v := newTestValidator(t)

	valid := onem2m.Attributes{
		"pv":  map[string]any{"acr": []any{map[string]any{"acor": []any{"CAE1"}, "acop": float64(63)}}},
		"pvs": map[string]any{"acr": []any{map[string]any{"acor": []any{"CAdmin"}, "acop": float64(63)}}},
	}
	if err := v.Create(onem2m.ResourceTypeACP, "m2m:acp", valid); err != nil {
		t.Fatalf("Create(valid acp) error = %v", err)
	}

	missingAcop := onem2m.Attributes{
		"pv":  map[string]any{"acr": []any{map[string]any{"acor": []any{"CAE1"}}}},
		"pvs": map[string]any{"acr": []any{map[string]any{"acor": []any{"CAdmin"}, "acop": float64(63)}}},
	}
	err := v.Create(onem2m.ResourceTypeACP, "m2m:acp", missingAcop)
	if err == nil || !strings.Contains(err.Error(), "acop") {
		t.Errorf("Create(acp without acop) error = %v", err)
	}
}

func TestCreateScheduleElement(t *testing.T) {
	v := newTestValidator(t)

	ok := onem2m.Attributes{"se": map[string]any{"sce": []any{"0 0 12 * * * *"}}}
	if err := v.Create(onem2m.ResourceTypeSchedule, "m2m:sch", ok); err != nil {
		t.Fatalf("Create(valid sch) error = %v", err)
	}

	bad := onem2m.Attributes{"se": map[string]any{"sce": []any{"not a cron"}}}
	if err := v.Create(onem2m.ResourceTypeSchedule, "m2m:sch", bad); err == nil {
		t.Error("Create() accepted an invalid schedule element")
	}
}

func TestGeoCoordinates(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name    string
		loc     map[string]any
		wantErr bool
	}{
		{name: "point", loc: map[string]any{"typ": float64(1), "crd": "[4.35, 50.85]"}},
		{name: "polygon", loc: map[string]any{"typ": float64(3), "crd": "[[[0,0],[0,1],[1,1],[0,0]]]"}},
		{name: "point with three members", loc: map[string]any{"typ": float64(1), "crd": "[1,2,3]"}, wantErr: true},
		{name: "type out of range", loc: map[string]any{"typ": float64(9), "crd": "[1,2]"}, wantErr: true},
		{name: "crd not json", loc: map[string]any{"typ": float64(1), "crd": "(1,2)"}, wantErr: true},
		{name: "polygon ring too short", loc: map[string]any{"typ": float64(3), "crd": "[[[0,0],[0,1]]]"}, wantErr: true},
		{name: "unknown member", loc: map[string]any{"typ": float64(1), "crd": "[1,2]", "x": true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := onem2m.Attributes{"loc": tt.loc}
			err := v.Create(onem2m.ResourceTypeContainer, "m2m:cnt", attrs)
			if (err != nil) != tt.wantErr {
				t.Errorf("Create() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestUpdateRules(t *testing.T) {
	v := newTestValidator(t)
	current := onem2m.Attributes{"ri": "cnt1", "ty": int64(3), "mni": int64(5), "lbl": []any{"a"}}

	tests := []struct {
		name    string
		updates onem2m.Attributes
		wantErr string
	}{
		{
			name:    "plain update",
			updates: onem2m.Attributes{"mni": float64(10)},
		},
		{
			name:    "delete optional with null",
			updates: onem2m.Attributes{"lbl": nil},
		},
		{
			name:    "resourceID is immutable",
			updates: onem2m.Attributes{"ri": "other"},
			wantErr: "cannot be updated",
		},
		{
			name:    "rename rejected",
			updates: onem2m.Attributes{"rn": "newName"},
			wantErr: "cannot be updated",
		},
		{
			name:    "unknown attribute",
			updates: onem2m.Attributes{"nope": 1},
			wantErr: "unknown attribute",
		},
		{
			name:    "acpi must travel alone",
			updates: onem2m.Attributes{"acpi": []any{"acp1"}, "mni": float64(2)},
			wantErr: "acpi",
		},
		{
			name:    "acpi alone accepted",
			updates: onem2m.Attributes{"acpi": []any{"acp1"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Update(onem2m.ResourceTypeContainer, "m2m:cnt", current, tt.updates)
			checkValidationError(t, err, tt.wantErr, 0)
		})
	}
}

func TestFlexContainerSpecialization(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name    string
		wireKey string
		attrs   onem2m.Attributes
		wantErr string
	}{
		{
			name:    "valid colour",
			wireKey: "cod:color",
			attrs:   onem2m.Attributes{"cnd": "org.onem2m.common.moduleclass.colour", "red": float64(255), "green": float64(0), "blue": float64(127)},
		},
		{
			name:    "missing custom mandatory",
			wireKey: "cod:color",
			attrs:   onem2m.Attributes{"cnd": "org.onem2m.common.moduleclass.colour", "red": float64(255), "green": float64(0)},
			wantErr: "missing mandatory",
		},
		{
			name:    "cnd mismatch",
			wireKey: "cod:color",
			attrs:   onem2m.Attributes{"cnd": "org.onem2m.common.moduleclass.binarySwitch", "red": float64(1), "green": float64(1), "blue": float64(1)},
			wantErr: "does not match",
		},
		{
			name:    "unknown specialization",
			wireKey: "xx:nope",
			attrs:   onem2m.Attributes{"cnd": "x"},
			wantErr: "unregistered",
		},
		{
			name:    "generic envelope resolved by cnd",
			wireKey: "m2m:fcnt",
			attrs:   onem2m.Attributes{"cnd": "org.onem2m.common.moduleclass.binarySwitch", "powSe": true},
		},
		{
			name:    "generic envelope with unknown cnd",
			wireKey: "m2m:fcnt",
			attrs:   onem2m.Attributes{"cnd": "com.example.unknown"},
			wantErr: "unregistered containerDefinition",
		},
		{
			name:    "custom attribute of wrong specialization",
			wireKey: "cod:binSh",
			attrs:   onem2m.Attributes{"cnd": "org.onem2m.common.moduleclass.binarySwitch", "powSe": true, "red": float64(1)},
			wantErr: "unknown attribute",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Create(onem2m.ResourceTypeFlexContainer, tt.wireKey, tt.attrs)
			checkValidationError(t, err, tt.wantErr, 0)
		})
	}
}

func TestCreateAnnouncedVariant(t *testing.T) {
	v := newTestValidator(t)

	// cntA needs lnk; everything else, et included, stays optional.
	attrs := onem2m.Attributes{"lnk": "/other-cse/cnt1", "et": "20370101T000000", "mni": float64(3)}
	if err := v.Create(onem2m.ResourceTypeContainer.Announced(), "m2m:cntA", attrs); err != nil {
		t.Fatalf("Create(cntA) error = %v", err)
	}

	missing := onem2m.Attributes{"et": "20370101T000000"}
	err := v.Create(onem2m.ResourceTypeContainer.Announced(), "m2m:cntA", missing)
	if err == nil || !strings.Contains(err.Error(), "lnk") {
		t.Errorf("Create(cntA without lnk) error = %v", err)
	}

	// cni is NA and must not travel to the announced variant.
	na := onem2m.Attributes{"lnk": "/other-cse/cnt1", "et": "20370101T000000", "cni": float64(1)}
	if err := v.Create(onem2m.ResourceTypeContainer.Announced(), "m2m:cntA", na); err == nil {
		t.Error("Create(cntA with cni) must fail")
	}
}

func checkValidationError(t *testing.T, err error, wantSubstr string, wantRSC onem2m.RSC) {
	t.Helper()
	if wantSubstr == "" && wantRSC == 0 {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return
	}
	if err == nil {
		t.Fatal("expected an error")
	}
	if wantSubstr != "" && !strings.Contains(err.Error(), wantSubstr) {
		t.Errorf("error %q does not contain %q", err, wantSubstr)
	}
	if wantRSC != 0 {
		if got := onem2m.RSCOf(err); got != wantRSC {
			t.Errorf("RSC = %d, want %d", got, wantRSC)
		}
	}
}
