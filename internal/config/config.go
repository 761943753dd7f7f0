package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Modes for the remote strategy. Mock replaces all remote operations with
// deterministic canned responses; Live talks to the configured backend.
const (
	ModeMock = "mock"
	ModeLive = "live"
)

// Duration wraps time.Duration so YAML accepts "30m" style strings.
type Duration time.Duration

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Config models intakeline.yml.
type Config struct {
	Mode    string `yaml:"mode"`
	BaseURL string `yaml:"base_url"`

	// AllowFallback lets a live-mode network failure degrade to canned data
	// instead of a hard error.
	AllowFallback bool `yaml:"allow_fallback"`

	CacheTTL      Duration `yaml:"cache_ttl"`
	RemoteTimeout Duration `yaml:"remote_timeout"`

	Autosave struct {
		Interval Duration `yaml:"interval"`
		EveryN   int      `yaml:"every_n"`
	} `yaml:"autosave"`

	// Forms holds per-form readiness policy keyed by form kind. Unknown
	// kinds fall back to the "default" entry.
	Forms map[string]FormPolicy `yaml:"forms"`
}

// FormPolicy is the declarative readiness policy for one form kind.
type FormPolicy struct {
	// Sections are the named sub-sections a user is expected to review.
	Sections []string `yaml:"sections"`
	// ReviewFraction is the minimum fraction of sections that must be
	// visited before the form is submittable.
	ReviewFraction float64 `yaml:"review_fraction"`
	// SignatureField names the draft field holding the signature.
	SignatureField string `yaml:"signature_field"`
	// RequiredFields must be non-empty in the draft to submit.
	RequiredFields []string `yaml:"required_fields"`
	// SubmitPercent is the minimum completion percentage to submit.
	SubmitPercent float64 `yaml:"submit_percent"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Mode != ModeMock && c.Mode != ModeLive {
		return fmt.Errorf("config.mode must be %q or %q", ModeMock, ModeLive)
	}
	if c.Mode == ModeLive && c.BaseURL == "" {
		return fmt.Errorf("config.base_url is required in live mode")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("config.cache_ttl must not be negative")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("config.remote_timeout must be positive")
	}
	if c.Autosave.Interval <= 0 {
		return fmt.Errorf("config.autosave.interval must be positive")
	}
	if c.Autosave.EveryN < 0 {
		return fmt.Errorf("config.autosave.every_n must not be negative")
	}
	for kind, p := range c.Forms {
		if kind == "" {
			return fmt.Errorf("config.forms contains empty form kind")
		}
		if p.ReviewFraction < 0 || p.ReviewFraction > 1 {
			return fmt.Errorf("form %s: review_fraction must be in [0,1]", kind)
		}
		if p.SubmitPercent < 0 || p.SubmitPercent > 100 {
			return fmt.Errorf("form %s: submit_percent must be in [0,100]", kind)
		}
		for _, f := range p.RequiredFields {
			if f == "" {
				return fmt.Errorf("form %s has empty required field name", kind)
			}
		}
	}
	return nil
}

// Form returns the policy for a form kind, falling back to "default" and then
// to built-in defaults.
func (c *Config) Form(kind string) FormPolicy {
	if p, ok := c.Forms[kind]; ok {
		return withPolicyDefaults(p)
	}
	if p, ok := c.Forms["default"]; ok {
		return withPolicyDefaults(p)
	}
	return withPolicyDefaults(FormPolicy{})
}

func withPolicyDefaults(p FormPolicy) FormPolicy {
	if p.ReviewFraction == 0 {
		p.ReviewFraction = 0.8
	}
	if p.SignatureField == "" {
		p.SignatureField = "signature"
	}
	if p.SubmitPercent == 0 {
		p.SubmitPercent = 90
	}
	return p
}

// DefaultYAML returns the commented default config template; `il config
// init` writes it to disk as a starting point.
func DefaultYAML() []byte {
	return []byte(defaultTemplate)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a session directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "intakeline.yml")
}

const defaultTemplate = `mode: mock
base_url: http://127.0.0.1:8080
allow_fallback: true

cache_ttl: 30m
remote_timeout: 5s

autosave:
  interval: 30s
  every_n: 10

forms:
  default:
    review_fraction: 0.8
    signature_field: signature
    submit_percent: 90

  consent:
    sections: [purpose, risks, benefits, alternatives, confidentiality, contact]
    review_fraction: 0.8
    signature_field: signature
    required_fields: [signature]
    submit_percent: 90

  intake:
    sections: [identity, history, household, income]
    review_fraction: 0.8
    signature_field: signature
    required_fields: [first_name, last_name]
    submit_percent: 75
`
