package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

func newTestLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return logger
}

func TestLoadBuiltins(t *testing.T) {
	snap, err := Load("", 1)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cnt, ok := snap.Type(onem2m.ResourceTypeContainer)
	if !ok {
		t.Fatal("container policy missing")
	}
	if cnt.ShortName != "cnt" || cnt.LongName != "container" {
		t.Errorf("container names = %q/%q", cnt.ShortName, cnt.LongName)
	}
	mni, ok := cnt.Attribute("mni")
	if !ok {
		t.Fatal("cnt.mni policy missing")
	}
	if mni.Type != TypeNonNegInteger || mni.Create != Optional {
		t.Errorf("mni policy = %+v", mni)
	}
	if ri, ok := cnt.Attribute("ri"); !ok || ri.Create != NotPresent {
		t.Errorf("universal ri not merged into cnt: %+v", ri)
	}
	if et, ok := cnt.Attribute("et"); !ok || et.Announced != AnnounceMA {
		t.Errorf("common et not merged into cnt: %+v", et)
	}
	if !cnt.AllowsChild(onem2m.ResourceTypeContentInstance) {
		t.Error("cnt must allow cin children")
	}
	if cnt.AllowsChild(onem2m.ResourceTypeAE) {
		t.Error("cnt must not allow ae children")
	}

	cb, ok := snap.Type(onem2m.ResourceTypeCSEBase)
	if !ok {
		t.Fatal("CSEBase policy missing")
	}
	if cb.Creatable || cb.Updatable || cb.Deletable {
		t.Error("CSEBase must not be creatable, updatable or deletable")
	}
	if cb.Announceable() {
		t.Error("CSEBase must not be announceable")
	}

	cin, _ := snap.Type(onem2m.ResourceTypeContentInstance)
	if cin.Updatable {
		t.Error("contentInstance must not be updatable")
	}

	sub, _ := snap.Type(onem2m.ResourceTypeSubscription)
	nu, ok := sub.Attribute("nu")
	if !ok || nu.Create != Mandatory || !nu.IsList() {
		t.Errorf("sub.nu policy = %+v", nu)
	}
	if sub.Announceable() {
		t.Error("subscription must not be announceable")
	}
}

func TestLoadDerivesAnnouncedVariants(t *testing.T) {
	snap, err := Load("", 1)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cntA, ok := snap.Type(onem2m.ResourceTypeContainer.Announced())
	if !ok {
		t.Fatal("containerAnnc policy missing")
	}
	if cntA.ShortName != "cntA" {
		t.Errorf("cntA short name = %q", cntA.ShortName)
	}
	lnk, ok := cntA.Attribute("lnk")
	if !ok || lnk.Create != Mandatory || lnk.Update != NotPresent {
		t.Errorf("cntA.lnk policy = %+v", lnk)
	}
	if _, ok := cntA.Attribute("at"); ok {
		t.Error("announced variant must not carry announceTo")
	}
	if _, ok := cntA.Attribute("cni"); ok {
		t.Error("NA attribute cni must not appear on cntA")
	}
	if et, ok := cntA.Attribute("et"); !ok || et.Create != Optional {
		t.Errorf("et must stay optional on cntA, got %+v", et)
	}
	if mni, ok := cntA.Attribute("mni"); !ok || mni.Create != Optional {
		t.Errorf("OA attribute mni must be optional on cntA, got %+v", mni)
	}

	aeA, ok := snap.Type(onem2m.ResourceTypeAE.Announced())
	if !ok {
		t.Fatal("aeAnnc policy missing")
	}
	if api, ok := aeA.Attribute("api"); !ok || api.Create != Mandatory {
		t.Errorf("MA attribute api must be mandatory on aeA, got %+v", api)
	}
	if !cntA.AllowsChild(onem2m.ResourceTypeSubscription) {
		t.Error("cntA must allow subscriptions")
	}
	if !cntA.AllowsChild(onem2m.ResourceTypeContentInstance.Announced()) {
		t.Error("cntA must allow cinA children")
	}

	// Parents of announceable children accept the announced variants too.
	cb, _ := snap.Type(onem2m.ResourceTypeCSEBase)
	if !cb.AllowsChild(onem2m.ResourceTypeAE.Announced()) {
		t.Error("CSEBase must allow aeA children")
	}

	if _, ok := snap.Type(onem2m.ResourceTypeSubscription.Announced()); ok {
		t.Error("subscription must not have an announced variant")
	}
}

func TestLoadBuiltinSpecializations(t *testing.T) {
	snap, err := Load("", 1)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	sp, ok := snap.Specialization("cod:color")
	if !ok {
		t.Fatal("cod:color specialization missing")
	}
	if sp.ContainerDefinition != "org.onem2m.common.moduleclass.colour" {
		t.Errorf("cod:color cnd = %q", sp.ContainerDefinition)
	}
	if red, ok := sp.Attributes["red"]; !ok || red.Create != Mandatory {
		t.Errorf("cod:color red policy = %+v", red)
	}

	byCND, ok := snap.SpecializationByCND("org.onem2m.common.moduleclass.colour")
	if !ok || byCND != sp {
		t.Error("SpecializationByCND must resolve to the same specialization")
	}
}

func TestLoadEnums(t *testing.T) {
	snap, err := Load("", 1)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		enum string
		v    int64
		want bool
	}{
		{"notificationEventType", 3, true},
		{"notificationEventType", 11, false},
		{"timeWindowType", 2, true},
		{"timeWindowType", 0, false},
		{"cseTypeID", 1, true},
		{"noSuchEnum", 1, false},
	}
	for _, tt := range tests {
		if got := snap.EnumContains(tt.enum, tt.v); got != tt.want {
			t.Errorf("EnumContains(%s, %d) = %v, want %v", tt.enum, tt.v, got, tt.want)
		}
	}
}

func TestLoadUserOverlay(t *testing.T) {
	dir := t.TempDir()
	src := `package policies

specializations: {
	"hd:lamp": {
		cnd: "com.example.home.lamp"
		ln:  "lamp"
		attributes: [
			{sn: "bri", ln: "brightness", ns: "hd", type: "nonNegInteger", card: "1", oc: "M", ou: "O"},
		]
	}
}
`
	if err := os.WriteFile(filepath.Join(dir, "lamp.cue"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	snap, err := Load(dir, 1)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	sp, ok := snap.Specialization("hd:lamp")
	if !ok {
		t.Fatal("user specialization hd:lamp missing")
	}
	if sp.ContainerDefinition != "com.example.home.lamp" {
		t.Errorf("hd:lamp cnd = %q", sp.ContainerDefinition)
	}
	// Builtins survive the overlay.
	if _, ok := snap.Specialization("cod:color"); !ok {
		t.Error("builtin specialization lost after overlay")
	}
}

func TestLoadRejectsBrokenOverlay(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{
			name: "syntax error",
			src:  "package policies\nspecializations: {",
		},
		{
			name: "schema violation",
			src: `package policies

specializations: "hd:bad": {cnd: "x", ln: "bad", attributes: [{sn: "a", ln: "a", type: "noSuchType"}]}
`,
		},
		{
			name: "duplicate cnd",
			src: `package policies

specializations: "hd:dup": {
	cnd: "org.onem2m.common.moduleclass.colour"
	ln:  "dup"
	attributes: []
}
`,
		},
		{
			name: "unknown enum reference",
			src: `package policies

specializations: "hd:enum": {
	cnd: "com.example.enum"
	ln:  "enum"
	attributes: [{sn: "md", ln: "mode", ns: "hd", type: "enum", etype: "noSuchEnum"}]
}
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "bad.cue"), []byte(tt.src), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(dir, 1); err == nil {
				t.Error("Load() accepted a broken overlay")
			}
		})
	}
}

func TestRegistryWatchReload(t *testing.T) {
	dir := t.TempDir()
	reg, err := New(dir, newTestLogger(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer reg.Close()

	if err := reg.Watch(); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	before := reg.Snapshot()
	if _, ok := before.Specialization("hd:plug"); ok {
		t.Fatal("hd:plug must not exist before the overlay is written")
	}

	src := `package policies

specializations: "hd:plug": {
	cnd: "com.example.home.plug"
	ln:  "plug"
	attributes: [{sn: "onoff", ln: "onOff", ns: "hd", type: "boolean", card: "1", oc: "M", ou: "O"}]
}
`
	if err := os.WriteFile(filepath.Join(dir, "plug.cue"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := reg.Snapshot()
		if _, ok := snap.Specialization("hd:plug"); ok {
			if snap.Version() <= before.Version() {
				t.Errorf("reload did not bump version: %d -> %d", before.Version(), snap.Version())
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher did not pick up the new policy file")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestReloadKeepsSnapshotOnFailure(t *testing.T) {
	dir := t.TempDir()
	reg, err := New(dir, newTestLogger(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer reg.Close()

	before := reg.Snapshot()

	if err := os.WriteFile(filepath.Join(dir, "broken.cue"), []byte("package policies\nenums: {"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(); err == nil {
		t.Error("Reload() accepted a broken policy file")
	}
	if reg.Snapshot() != before {
		t.Error("failed reload must keep the previous snapshot")
	}
}
