package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CSE.CSEID != "id-in" {
		t.Errorf("CSEID = %s, want id-in", cfg.CSE.CSEID)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("driver = %s, want memory", cfg.Storage.Driver)
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auriga.yaml")
	data := `
cse:
  cseID: id-mn
  resourceName: cse-mn
  type: MN
storage:
  driver: sqlite
  path: /tmp/test.db
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CSE.CSEID != "id-mn" || cfg.CSE.Type != "MN" {
		t.Errorf("cse overlay not applied: %+v", cfg.CSE)
	}
	if cfg.CSE.TypeCode() != 2 {
		t.Errorf("TypeCode = %d, want 2", cfg.CSE.TypeCode())
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "/tmp/test.db" {
		t.Errorf("storage overlay not applied: %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging overlay not applied: %+v", cfg.Logging)
	}
	// Untouched fields keep defaults
	if cfg.HTTP.ListenAddress != ":8080" {
		t.Errorf("default listen address lost: %s", cfg.HTTP.ListenAddress)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"slash in cseID": `
cse:
  cseID: /id-in
`,
		"bad cse type": `
cse:
  type: GW
`,
		"bad resource name": `
cse:
  resourceName: "has space"
`,
		"sqlite without path": `
storage:
  driver: sqlite
  path: ""
`,
		"bad log level": `
logging:
  level: loud
`,
	}
	for name, body := range cases {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load should fail", name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AURIGA_CSE_ID", "id-env")
	t.Setenv("AURIGA_HTTP_ADDR", ":9000")
	t.Setenv("AURIGA_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CSE.CSEID != "id-env" {
		t.Errorf("env CSEID not applied: %s", cfg.CSE.CSEID)
	}
	if cfg.HTTP.ListenAddress != ":9000" {
		t.Errorf("env HTTP addr not applied: %s", cfg.HTTP.ListenAddress)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("env log level not applied: %s", cfg.Logging.Level)
	}
}

func TestCSEAddressing(t *testing.T) {
	c := CSEConfig{CSEID: "id-in", SPID: "sp.example", ResourceName: "cse-in"}
	if got := c.SPRelativeID(); got != "/id-in" {
		t.Errorf("SPRelativeID = %s", got)
	}
	if got := c.AbsoluteID(); got != "//sp.example/id-in" {
		t.Errorf("AbsoluteID = %s", got)
	}
}

func TestWriteTimeoutMustCoverLongPoll(t *testing.T) {
	cfg := Default()
	cfg.CSE.PollingChannelTimeout = 2 * time.Minute
	if err := Validate(cfg); err == nil {
		t.Error("writeTimeout below pollingChannelTimeout should fail validation")
	}
}

func TestTelemetryConfigAssembly(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"

	tc := cfg.TelemetryConfig("1.2.3")
	if tc.ServiceVersion != "1.2.3" {
		t.Errorf("version = %s", tc.ServiceVersion)
	}
	if tc.Logging.Level != "debug" {
		t.Errorf("level = %s", tc.Logging.Level)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "stdout" {
		t.Errorf("tracing = %+v", tc.Tracing)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("assembled telemetry config should validate: %v", err)
	}
}
