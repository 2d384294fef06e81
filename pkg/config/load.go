package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

// Load reads the configuration file at path, overlays environment
// variables and validates the result. An empty path loads pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the environment overrides used in container
// deployments where editing the config file is inconvenient.
func applyEnv(cfg *Config) {
	set := func(key string, target *string) {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}
	set("AURIGA_CSE_ID", &cfg.CSE.CSEID)
	set("AURIGA_CSE_NAME", &cfg.CSE.ResourceName)
	set("AURIGA_HTTP_ADDR", &cfg.HTTP.ListenAddress)
	set("AURIGA_ADMIN_ADDR", &cfg.Admin.ListenAddress)
	set("AURIGA_STORAGE_DRIVER", &cfg.Storage.Driver)
	set("AURIGA_STORAGE_PATH", &cfg.Storage.Path)
	set("AURIGA_POLICY_DIR", &cfg.Policies.Dir)
	set("AURIGA_LOG_LEVEL", &cfg.Logging.Level)
}

// Validate checks structural validity plus the cross-field rules the
// validator tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("invalid configuration: field %s failed rule %q", e.Namespace(), e.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if !onem2m.ValidResourceName(cfg.CSE.ResourceName) {
		return fmt.Errorf("invalid configuration: cse.resourceName %q is not a valid resource name", cfg.CSE.ResourceName)
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.Path == "" {
		return fmt.Errorf("invalid configuration: storage.path is required with the sqlite driver")
	}
	if cfg.Admin.Enabled && cfg.Admin.ListenAddress == "" {
		return fmt.Errorf("invalid configuration: admin.listenAddress is required when the admin listener is enabled")
	}
	if cfg.HTTP.WriteTimeout <= cfg.CSE.PollingChannelTimeout {
		return fmt.Errorf("invalid configuration: http.writeTimeout must exceed cse.pollingChannelTimeout or long polls are cut short")
	}
	if cfg.CSE.MaxExpiration != 0 && cfg.CSE.DefaultExpiration > cfg.CSE.MaxExpiration {
		return fmt.Errorf("invalid configuration: cse.defaultExpiration exceeds cse.maxExpiration")
	}
	return nil
}
