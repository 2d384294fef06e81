// Package config loads and validates the CSE runtime configuration.
//
// Configuration comes from a YAML file, overlaid with a small set of
// environment variables, and is validated before the server starts. Every
// field has a default so an empty file yields a working single-node CSE.
package config

import (
	"time"

	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// Config is the root CSE configuration.
type Config struct {
	// CSE configures the service entity itself.
	CSE CSEConfig `yaml:"cse"`

	// HTTP configures the primitive HTTP binding.
	HTTP HTTPConfig `yaml:"http"`

	// Admin configures the operational HTTP listener.
	Admin AdminConfig `yaml:"admin"`

	// Storage configures the resource store.
	Storage StorageConfig `yaml:"storage"`

	// Policies configures the attribute policy registry.
	Policies PolicyConfig `yaml:"policies"`

	// Notifier configures notification delivery.
	Notifier NotifierConfig `yaml:"notifier"`

	// Announcer configures resource announcement.
	Announcer AnnouncerConfig `yaml:"announcer"`

	// Scheduler configures background task execution.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Events configures the resource event bus.
	Events EventsConfig `yaml:"events"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures distributed tracing.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics configures Prometheus metrics.
	Metrics MetricsConfig `yaml:"metrics"`
}

// CSEConfig describes the hosted CSE.
type CSEConfig struct {
	// CSEID is the CSE identifier without the leading slash, e.g. "id-in".
	CSEID string `yaml:"cseID" validate:"required,excludes=/"`

	// ResourceName is the CSEBase resource name, e.g. "cse-in".
	ResourceName string `yaml:"resourceName" validate:"required"`

	// SPID is the service provider identifier, e.g. "acme.example.com".
	SPID string `yaml:"spID" validate:"required"`

	// Type is the CSE type: IN, MN or ASN.
	Type string `yaml:"type" validate:"oneof=IN MN ASN"`

	// SupportedReleaseVersions lists the accepted rvi values.
	SupportedReleaseVersions []string `yaml:"supportedReleaseVersions" validate:"min=1"`

	// AdminOriginator has unrestricted access to every resource.
	AdminOriginator string `yaml:"adminOriginator" validate:"required"`

	// PointOfAccess lists the URIs remote entities reach this CSE at,
	// published in the CSEBase poa attribute.
	PointOfAccess []string `yaml:"pointOfAccess"`

	// RegistrationAllowed permits AE registration with originators "C",
	// "S" or empty, letting the CSE assign the AE-ID.
	RegistrationAllowed bool `yaml:"registrationAllowed"`

	// DefaultExpiration is applied as expirationTime when a create omits
	// et. Zero keeps resources forever.
	DefaultExpiration time.Duration `yaml:"defaultExpiration"`

	// MaxExpiration caps originator-requested expiration times. Zero
	// disables the cap.
	MaxExpiration time.Duration `yaml:"maxExpiration"`

	// DefaultRequestExpiration bounds request handling when a request
	// carries no rqet.
	DefaultRequestExpiration time.Duration `yaml:"defaultRequestExpiration" validate:"gt=0"`

	// PollingChannelTimeout bounds how long a pcu retrieve blocks waiting
	// for a request before answering requestTimeout.
	PollingChannelTimeout time.Duration `yaml:"pollingChannelTimeout" validate:"gt=0"`

	// RequestRecording stores handled request primitives for inspection.
	RequestRecording bool `yaml:"requestRecording"`

	// MaxRecordedRequests caps the recorded request history.
	MaxRecordedRequests int `yaml:"maxRecordedRequests" validate:"min=0"`

	// FanoutParallel caps concurrent member requests during group fan-out.
	FanoutParallel int `yaml:"fanoutParallel" validate:"min=1"`

	// EnableUpperTester exposes the test hook endpoint on the admin
	// listener. Never enable it in production.
	EnableUpperTester bool `yaml:"enableUpperTester"`
}

// SPRelativeID returns the SP-relative CSE-ID, e.g. "/id-in".
func (c CSEConfig) SPRelativeID() string {
	return "/" + c.CSEID
}

// AbsoluteID returns the absolute CSE address, e.g. "//sp.example/id-in".
func (c CSEConfig) AbsoluteID() string {
	return "//" + c.SPID + "/" + c.CSEID
}

// TypeCode returns the numeric cseType (1 IN, 2 MN, 3 ASN).
func (c CSEConfig) TypeCode() int {
	switch c.Type {
	case "MN":
		return 2
	case "ASN":
		return 3
	default:
		return 1
	}
}

// HTTPConfig configures the primitive HTTP binding.
type HTTPConfig struct {
	// ListenAddress is the address of the oneM2M HTTP binding.
	ListenAddress string `yaml:"listenAddress" validate:"required"`

	// ReadTimeout bounds reading an incoming request.
	ReadTimeout time.Duration `yaml:"readTimeout" validate:"gt=0"`

	// WriteTimeout bounds writing a response. It must exceed the polling
	// channel timeout or long polls are cut short.
	WriteTimeout time.Duration `yaml:"writeTimeout" validate:"gt=0"`

	// ClientTimeout bounds outbound requests (notifications, forwarding,
	// announcements).
	ClientTimeout time.Duration `yaml:"clientTimeout" validate:"gt=0"`

	// MaxBodyBytes caps the accepted request body size.
	MaxBodyBytes int64 `yaml:"maxBodyBytes" validate:"gt=0"`
}

// AdminConfig configures the operational listener serving health, metrics
// and the optional Upper Tester hook.
type AdminConfig struct {
	// Enabled turns the admin listener on.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the admin listener address.
	ListenAddress string `yaml:"listenAddress"`
}

// StorageConfig configures the resource store.
type StorageConfig struct {
	// Driver selects the storage backend: sqlite or memory.
	Driver string `yaml:"driver" validate:"oneof=sqlite memory"`

	// Path is the SQLite database file. Ignored by the memory driver.
	Path string `yaml:"path"`

	// BusyTimeout is the SQLite busy timeout.
	BusyTimeout time.Duration `yaml:"busyTimeout"`
}

// PolicyConfig configures the attribute policy registry.
type PolicyConfig struct {
	// Dir holds additional policy files overlaying the built-in set,
	// including flexContainer specializations.
	Dir string `yaml:"dir"`

	// Watch reloads policy files when they change on disk.
	Watch bool `yaml:"watch"`
}

// NotifierConfig configures notification delivery.
type NotifierConfig struct {
	// VerificationTimeout bounds one subscription verification handshake.
	VerificationTimeout time.Duration `yaml:"verificationTimeout" validate:"gt=0"`

	// DeliveryTimeout bounds the handling of one resource-change event,
	// including every notification send it causes.
	DeliveryTimeout time.Duration `yaml:"deliveryTimeout" validate:"gt=0"`
}

// AnnouncerConfig configures resource announcement to remote CSEs.
type AnnouncerConfig struct {
	// PushTimeout bounds one announcement push to a remote CSE.
	PushTimeout time.Duration `yaml:"pushTimeout" validate:"gt=0"`
}

// SchedulerConfig configures background tasks.
type SchedulerConfig struct {
	// ExpirySweepInterval is how often expired resources are purged.
	ExpirySweepInterval time.Duration `yaml:"expirySweepInterval" validate:"gt=0"`
}

// EventsConfig configures the resource event bus.
type EventsConfig struct {
	// BufferSize is the number of events queued before publishers block.
	BufferSize int `yaml:"bufferSize" validate:"min=0"`
}

// LoggingConfig mirrors telemetry.LoggingConfig in YAML form.
type LoggingConfig struct {
	Level        string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format       string `yaml:"format" validate:"oneof=console json"`
	Output       string `yaml:"output" validate:"required"`
	EnableCaller bool   `yaml:"enableCaller"`
}

// TracingConfig mirrors telemetry.TracingConfig in YAML form.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate" validate:"min=0,max=1"`
	Insecure     bool    `yaml:"insecure"`
}

// MetricsConfig mirrors telemetry.MetricsConfig in YAML form.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the default configuration: an IN-CSE on :8080 with an
// in-memory store, suitable for development and tests.
func Default() *Config {
	return &Config{
		CSE: CSEConfig{
			CSEID:                    "id-in",
			ResourceName:             "cse-in",
			SPID:                     "auriga.example",
			Type:                     "IN",
			SupportedReleaseVersions: []string{"2a", "3", "4"},
			AdminOriginator:          "CAdmin",
			RegistrationAllowed:      true,
			DefaultExpiration:        0,
			MaxExpiration:            0,
			DefaultRequestExpiration: 10 * time.Second,
			PollingChannelTimeout:    30 * time.Second,
			RequestRecording:         false,
			MaxRecordedRequests:      1000,
			FanoutParallel:           8,
			EnableUpperTester:        false,
		},
		HTTP: HTTPConfig{
			ListenAddress: ":8080",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  65 * time.Second,
			ClientTimeout: 10 * time.Second,
			MaxBodyBytes:  4 << 20,
		},
		Admin: AdminConfig{
			Enabled:       true,
			ListenAddress: ":8081",
		},
		Storage: StorageConfig{
			Driver:      "memory",
			Path:        "auriga.db",
			BusyTimeout: 5 * time.Second,
		},
		Policies: PolicyConfig{
			Dir:   "",
			Watch: false,
		},
		Notifier: NotifierConfig{
			VerificationTimeout: 5 * time.Second,
			DeliveryTimeout:     15 * time.Second,
		},
		Announcer: AnnouncerConfig{
			PushTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			ExpirySweepInterval: time.Minute,
		},
		Events: EventsConfig{
			BufferSize: 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// TelemetryConfig assembles the telemetry configuration from the runtime
// configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = "auriga"
	tc.ServiceVersion = version
	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	tc.Logging.Output = c.Logging.Output
	tc.Logging.EnableCaller = c.Logging.EnableCaller
	tc.Tracing.Enabled = c.Tracing.Enabled
	if c.Tracing.Exporter != "" {
		tc.Tracing.Exporter = c.Tracing.Exporter
	}
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Tracing.Insecure
	tc.Metrics.Enabled = c.Metrics.Enabled
	return tc
}
