package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendKind selects how requests reach the upstream.
type BackendKind string

const (
	BackendSDK  BackendKind = "sdk"
	BackendHTTP BackendKind = "http"
)

// InjectionMode controls how provider instructions combine with the client's
// system content.
type InjectionMode string

const (
	InjectionOverride InjectionMode = "override"
	InjectionAppend   InjectionMode = "append"
	InjectionDisabled InjectionMode = "disabled"
)

// Provider is one upstream target, loaded from the YAML provider file.
type Provider struct {
	Name    string      `yaml:"name"`
	Backend BackendKind `yaml:"backend"`
	BaseURL string      `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the bearer credential.
	APIKeyEnv string `yaml:"api_key_env"`

	// Headers are provider-required identity headers attached to every
	// upstream request verbatim.
	Headers map[string]string `yaml:"headers"`

	// OAuth, when set, replaces the static API key with a refreshing
	// credential. The refresh token comes from the named environment variable.
	OAuth *OAuthConfig `yaml:"oauth"`

	Injection struct {
		Mode         InjectionMode `yaml:"mode"`
		Instructions string        `yaml:"instructions"`
	} `yaml:"injection"`

	ModelRules []ModelRule `yaml:"model_rules"`
	// ModelAliases are the model names advertised on the list endpoints.
	ModelAliases []string `yaml:"model_aliases"`
	RestoreAlias bool     `yaml:"restore_alias"`

	ParamPolicy       string          `yaml:"param_policy"` // strict | ignore
	ParamCapabilities map[string]bool `yaml:"param_capabilities"`

	ForceStream   bool  `yaml:"force_stream"`
	DefaultStream *bool `yaml:"default_stream"`

	Pricing *PricingConfig `yaml:"pricing"`

	Pool struct {
		MaxConcurrent  int      `yaml:"max_concurrent"`
		AcquireTimeout Duration `yaml:"acquire_timeout"`
	} `yaml:"pool"`

	Timeouts struct {
		Dispatch   Duration `yaml:"dispatch"`
		StreamIdle Duration `yaml:"stream_idle"`
	} `yaml:"timeouts"`
}

// ModelRule is one model mapping rule in file form.
type ModelRule struct {
	Kind        string `yaml:"kind"` // exact | prefix | suffix | regex
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// OAuthConfig holds stored-credential refresh settings.
type OAuthConfig struct {
	ClientID        string `yaml:"client_id"`
	TokenURL        string `yaml:"token_url"`
	RefreshTokenEnv string `yaml:"refresh_token_env"`
}

// RefreshToken resolves the stored refresh token from the environment.
func (o *OAuthConfig) RefreshToken() string {
	if o == nil || o.RefreshTokenEnv == "" {
		return ""
	}
	return os.Getenv(o.RefreshTokenEnv)
}

// PricingConfig declares USD prices per million tokens.
type PricingConfig struct {
	Exact    map[string]PriceEntry `yaml:"exact"`
	Prefixes map[string]PriceEntry `yaml:"prefixes"`
	Default  *PriceEntry           `yaml:"default"`
}

// PriceEntry is one pricing row.
type PriceEntry struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// Duration parses YAML scalars like "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration, or fallback when zero.
func (d Duration) Std(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// LoadProvider reads and validates the provider file at path.
func LoadProvider(path string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider file: %w", err)
	}
	return ParseProvider(data)
}

// ParseProvider parses provider YAML and applies defaults.
func ParseProvider(data []byte) (*Provider, error) {
	var wrapper struct {
		Provider Provider `yaml:"provider"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse provider file: %w", err)
	}
	p := wrapper.Provider

	switch p.Backend {
	case BackendSDK, BackendHTTP:
	case "":
		p.Backend = BackendHTTP
	default:
		return nil, fmt.Errorf("unknown backend %q", p.Backend)
	}

	switch p.Injection.Mode {
	case InjectionOverride, InjectionAppend, InjectionDisabled:
	case "":
		p.Injection.Mode = InjectionDisabled
	default:
		return nil, fmt.Errorf("unknown injection mode %q", p.Injection.Mode)
	}

	switch p.ParamPolicy {
	case "strict", "ignore":
	case "":
		p.ParamPolicy = "ignore"
	default:
		return nil, fmt.Errorf("unknown param policy %q", p.ParamPolicy)
	}

	if p.Pool.MaxConcurrent <= 0 {
		p.Pool.MaxConcurrent = 16
	}
	return &p, nil
}

// WantsStreamDefault resolves the provider's default emission mode.
func (p *Provider) WantsStreamDefault() bool {
	if p.DefaultStream != nil {
		return *p.DefaultStream
	}
	return DefaultStream
}

// APIKey resolves the bearer credential from the configured environment
// variable.
func (p *Provider) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}
