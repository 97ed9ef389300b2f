package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// signatureMethods lists accepted values for security.signature_method.
var signatureMethods = map[string]bool{
	"rsa-sha1":   true,
	"rsa-sha256": true,
	"rsa-sha512": true,
}

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader with the built-in
// env and file secret providers registered.
func NewLoader() *Loader {
	reg := NewSecretRegistry()
	reg.Register(&EnvProvider{})
	reg.Register(&FileProvider{})
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    reg,
	}
}

// WithSecretProvider registers an additional secret provider, e.g. a
// vault-backed one, replacing any existing provider for the same scheme.
func (l *Loader) WithSecretProvider(p SecretProvider) *Loader {
	l.secrets.Register(p)
	return l
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand bare ${VAR} references before unmarshaling
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Resolve ${env:...} and ${file:...} secret references
	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is so strict ${env:...} references can
// surface a resolution error instead of a silent empty string.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server: address is required")
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server: TLS enabled but cert_file not provided")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server: TLS enabled but key_file not provided")
		}
	}
	if cfg.Server.LoginRateLimit.Enabled {
		if cfg.Server.LoginRateLimit.Rate <= 0 {
			return fmt.Errorf("server: login_rate_limit rate must be positive")
		}
		if cfg.Server.LoginRateLimit.Burst <= 0 {
			return fmt.Errorf("server: login_rate_limit burst must be positive")
		}
	}

	if cfg.SAML.SP.BaseURL == "" {
		return fmt.Errorf("saml: sp.base_url is required")
	}
	if err := validateAbsoluteURL("saml: sp.base_url", cfg.SAML.SP.BaseURL); err != nil {
		return err
	}
	for name, p := range map[string]string{
		"acs_path":      cfg.SAML.SP.ACSPath,
		"sls_path":      cfg.SAML.SP.SLSPath,
		"metadata_path": cfg.SAML.SP.MetadataPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("saml: sp.%s must start with '/'", name)
		}
	}

	// IdP settings come from explicit config or from fetched metadata.
	if cfg.SAML.IdP.MetadataURL == "" {
		if cfg.SAML.IdP.EntityID == "" {
			return fmt.Errorf("saml: idp.entity_id is required (or set idp.metadata_url)")
		}
		if cfg.SAML.IdP.SSOURL == "" {
			return fmt.Errorf("saml: idp.sso_url is required (or set idp.metadata_url)")
		}
		if cfg.SAML.IdP.Certificate == "" {
			return fmt.Errorf("saml: idp.certificate is required (or set idp.metadata_url)")
		}
	} else if err := validateAbsoluteURL("saml: idp.metadata_url", cfg.SAML.IdP.MetadataURL); err != nil {
		return err
	}
	if cfg.SAML.IdP.SSOURL != "" {
		if err := validateAbsoluteURL("saml: idp.sso_url", cfg.SAML.IdP.SSOURL); err != nil {
			return err
		}
	}

	if !signatureMethods[cfg.SAML.Security.SignatureMethod] {
		return fmt.Errorf("saml: security.signature_method %q is not supported", cfg.SAML.Security.SignatureMethod)
	}
	if cfg.SAML.Security.AuthnRequestsSigned && cfg.SAML.SP.PrivateKey == "" {
		return fmt.Errorf("saml: security.authn_requests_signed requires sp.private_key")
	}
	if (cfg.SAML.SP.Certificate == "") != (cfg.SAML.SP.PrivateKey == "") {
		return fmt.Errorf("saml: sp.certificate and sp.private_key must be set together")
	}
	if cfg.SAML.Security.ClockSkew < 0 {
		return fmt.Errorf("saml: security.clock_skew must not be negative")
	}
	if cfg.SAML.Security.MaxIssueDelay <= 0 {
		return fmt.Errorf("saml: security.max_issue_delay must be positive")
	}
	switch cfg.SAML.Security.AuthnContextComparison {
	case "exact", "minimum", "maximum", "better":
	default:
		return fmt.Errorf("saml: security.authn_context_comparison %q is not valid", cfg.SAML.Security.AuthnContextComparison)
	}

	if cfg.Session.Secret == "" {
		return fmt.Errorf("session: secret is required")
	}
	if len(cfg.Session.Secret) < 32 {
		return fmt.Errorf("session: secret must be at least 32 bytes")
	}
	if cfg.Session.TTL <= 0 {
		return fmt.Errorf("session: ttl must be positive")
	}
	if cfg.Session.CookieName == "" {
		return fmt.Errorf("session: cookie_name is required")
	}

	switch cfg.Replay.Store {
	case "memory":
	case "redis":
		if cfg.Redis.Address == "" {
			return fmt.Errorf("replay: store \"redis\" requires redis.address")
		}
	default:
		return fmt.Errorf("replay: invalid store type: %s", cfg.Replay.Store)
	}
	if cfg.Replay.TTL <= 0 {
		return fmt.Errorf("replay: ttl must be positive")
	}
	if cfg.Replay.Store == "memory" && cfg.Replay.MaxEntries <= 0 {
		return fmt.Errorf("replay: max_entries must be positive")
	}

	if cfg.Admin.Enabled && (cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535) {
		return fmt.Errorf("admin: invalid port: %d", cfg.Admin.Port)
	}
	if cfg.Shutdown.Timeout < 0 {
		return fmt.Errorf("shutdown: timeout must not be negative")
	}

	return nil
}

func validateAbsoluteURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an absolute http(s) URL", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", field)
	}
	return nil
}

// LoadFromEnv builds a configuration from environment variables alone.
// This is the contract the proxy deployment uses: SAML_IDP_* and
// PROXY_BASE_URL are required, everything else falls back to defaults.
func (l *Loader) LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	cfg.SAML.SP.BaseURL = os.Getenv("PROXY_BASE_URL")
	cfg.SAML.IdP.EntityID = os.Getenv("SAML_IDP_ENTITY_ID")
	cfg.SAML.IdP.SSOURL = os.Getenv("SAML_IDP_SSO_URL")
	cfg.SAML.IdP.Certificate = os.Getenv("SAML_IDP_X509_CERT")
	cfg.SAML.IdP.SLOURL = os.Getenv("SAML_IDP_SLO_URL")
	cfg.SAML.IdP.MetadataURL = os.Getenv("SAML_IDP_METADATA_URL")

	if v := os.Getenv("SAML_ENTITY_ID"); v != "" {
		cfg.SAML.SP.EntityID = v
	}
	if v := os.Getenv("SAML_ACS_PATH"); v != "" {
		cfg.SAML.SP.ACSPath = v
	}
	if v := os.Getenv("SAML_SP_X509_CERT"); v != "" {
		cfg.SAML.SP.Certificate = v
	}
	if v := os.Getenv("SAML_SP_PRIVATE_KEY"); v != "" {
		cfg.SAML.SP.PrivateKey = v
	}
	if v := os.Getenv("SAML_NAME_ID_FORMAT"); v != "" {
		cfg.SAML.Security.NameIDFormat = v
	}
	if v := os.Getenv("SAML_DEBUG"); strings.EqualFold(v, "true") {
		cfg.SAML.Debug = true
	}

	if v := os.Getenv("SAML_USER_ID_ATTRIBUTE"); v != "" {
		cfg.SAML.Attributes.ID = v
	}
	if v := os.Getenv("SAML_USER_EMAIL_ATTRIBUTE"); v != "" {
		cfg.SAML.Attributes.Email = v
	}
	if v := os.Getenv("SAML_USER_FIRST_NAME_ATTRIBUTE"); v != "" {
		cfg.SAML.Attributes.FirstName = v
	}
	if v := os.Getenv("SAML_USER_LAST_NAME_ATTRIBUTE"); v != "" {
		cfg.SAML.Attributes.LastName = v
	}
	if v := os.Getenv("SAML_USER_DISPLAY_NAME_ATTRIBUTE"); v != "" {
		cfg.SAML.Attributes.DisplayName = v
	}
	if v := os.Getenv("SAML_USER_GROUPS_ATTRIBUTE"); v != "" {
		cfg.SAML.Attributes.Groups = v
	}
	if v := os.Getenv("SAML_USER_ROLE_ATTRIBUTE"); v != "" {
		cfg.SAML.Attributes.Role = v
	}

	cfg.Session.Secret = os.Getenv("SESSION_SECRET")
	if v := os.Getenv("SESSION_COOKIE_NAME"); v != "" {
		cfg.Session.CookieName = v
	}

	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		cfg.Redis.Address = v
		cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
		cfg.Replay.Store = "redis"
	}

	if v := os.Getenv("TOWER_LISTEN_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}
