package config

import (
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	db "compatos/debug"
)

const (
	COMPATCONFIG = "COMPATCONFIG"
	ENV_PREFIX   = "COMPAT_"

	BIND_LAZY = "lazy"
	BIND_NOW  = "now"

	DEFAULT_AREA_PREFIX = "compat-area"
)

type CompatConfig struct {
	// Debug labels, ";"-separated
	Debug string `yaml:"debug" mapstructure:"debug"`
	// Prefix of the host-visible name of the memfd backing an area
	AreaPrefix string `yaml:"area_prefix" mapstructure:"area_prefix"`
	// Symbol binding for add-ons: "lazy" or "now"
	AddOnBinding string `yaml:"addon_binding" mapstructure:"addon_binding"`
	// Don't hand the launcher's stdio to new images by default
	DetachStdio bool `yaml:"detach_stdio" mapstructure:"detach_stdio"`
}

func NewCompatConfig() *CompatConfig {
	return &CompatConfig{
		Debug:        os.Getenv(db.COMPATDEBUG),
		AreaPrefix:   DEFAULT_AREA_PREFIX,
		AddOnBinding: BIND_LAZY,
	}
}

// Read a YAML config file on top of the defaults.
func ReadConfig(pn string) (*CompatConfig, error) {
	cfg := NewCompatConfig()
	b, err := os.ReadFile(pn)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %q", pn)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %q", pn)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	db.DPrintf(db.CONFIG, "ReadConfig %q: %v", pn, cfg)
	return cfg, nil
}

// Load the config named by COMPATCONFIG, if any, and overlay the
// COMPAT_* environment variables.
func GetCompatConfig() (*CompatConfig, error) {
	cfg := NewCompatConfig()
	if pn := os.Getenv(COMPATCONFIG); pn != "" {
		c, err := ReadConfig(pn)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if err := cfg.Overlay(os.Environ()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Overlay settings from environment entries of the form
// COMPAT_AREA_PREFIX=foo.
func (cfg *CompatConfig) Overlay(environ []string) error {
	m := make(map[string]interface{})
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, ENV_PREFIX) {
			continue
		}
		m[strings.ToLower(strings.TrimPrefix(k, ENV_PREFIX))] = v
	}
	if len(m) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(m); err != nil {
		return errors.Wrap(err, "decode environment")
	}
	db.DPrintf(db.CONFIG, "Overlay %v: %v", m, cfg)
	return cfg.validate()
}

func (cfg *CompatConfig) validate() error {
	switch cfg.AddOnBinding {
	case BIND_LAZY, BIND_NOW:
	default:
		return errors.Errorf("bad addon_binding %q", cfg.AddOnBinding)
	}
	if cfg.AreaPrefix == "" {
		cfg.AreaPrefix = DEFAULT_AREA_PREFIX
	}
	return nil
}

// Make the config's debug labels take effect.
func (cfg *CompatConfig) Apply() {
	db.SetDebug(cfg.Debug)
}

func (cfg *CompatConfig) Marshal() string {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		db.DFatalf("Error marshal config: %v", err)
	}
	return string(b)
}
