package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// SecretProvider resolves secret references for a single scheme. The SP
// key pair, IdP certificate, session secret, and Redis password are the
// values that normally arrive through one of these instead of sitting in
// the YAML.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry maps schemes to their providers.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry creates an empty registry.
func NewSecretRegistry() *SecretRegistry {
	return &SecretRegistry{providers: make(map[string]SecretProvider)}
}

// Register adds a provider, overwriting any existing provider for the
// same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Clone returns a shallow copy so per-parse additions don't mutate the base.
func (r *SecretRegistry) Clone() *SecretRegistry {
	c := &SecretRegistry{providers: make(map[string]SecretProvider, len(r.providers))}
	for k, v := range r.providers {
		c.providers[k] = v
	}
	return c
}

// Resolve looks up the provider for scheme and delegates resolution.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// EnvProvider resolves ${env:NAME} references. Unlike the loader's bare
// ${NAME} expansion, an unset variable here is an error, which is the
// behavior wanted for secrets.
type EnvProvider struct{}

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileProvider resolves ${file:/path} references by reading the file. This
// is how certificates and keys usually come in: PEM files mounted by the
// deployment rather than inline YAML.
type FileProvider struct {
	// AllowedPrefixes, when set, restricts readable paths to these
	// directory prefixes.
	AllowedPrefixes []string
}

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if len(p.AllowedPrefixes) > 0 && !p.allowed(ref) {
		return "", fmt.Errorf("file path %q not under any allowed prefix", ref)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	// PEM files and secret files alike tend to end with a newline.
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

func (p *FileProvider) allowed(ref string) bool {
	for _, prefix := range p.AllowedPrefixes {
		if strings.HasPrefix(ref, prefix) {
			return true
		}
	}
	return false
}

// secretRefPattern matches a full-string secret reference: ${scheme:reference}.
// The scheme is a lowercase word; bare ${VAR} forms don't match and are left
// to the loader's plain env expansion.
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

type refField struct {
	path   string
	value  *string
	secret bool
}

// refFields enumerates the configuration fields that accept ${scheme:ref}
// references. The secret flag marks the fields the redacted dump masks;
// certificates are public material and stay readable.
func refFields(cfg *Config) []refField {
	return []refField{
		{"saml.sp.certificate", &cfg.SAML.SP.Certificate, false},
		{"saml.sp.private_key", &cfg.SAML.SP.PrivateKey, true},
		{"saml.idp.certificate", &cfg.SAML.IdP.Certificate, false},
		{"session.secret", &cfg.Session.Secret, true},
		{"redis.password", &cfg.Redis.Password, true},
	}
}

// resolveSecretRefs replaces each ${scheme:ref} field value with what its
// provider returns. Resolution is strict: a reference that cannot be
// resolved fails the whole parse rather than leaving an empty secret behind.
func resolveSecretRefs(ctx context.Context, cfg *Config, registry *SecretRegistry) error {
	for _, f := range refFields(cfg) {
		m := secretRefPattern.FindStringSubmatch(*f.value)
		if m == nil {
			continue
		}
		scheme, ref := m[1], m[2]
		resolved, err := registry.Resolve(ctx, scheme, ref)
		if err != nil {
			return fmt.Errorf("resolving %s (${%s:...}): %w", f.path, scheme, err)
		}
		*f.value = resolved
	}
	return nil
}

// RedactedValue is the placeholder string used for redacted secrets.
const RedactedValue = "[REDACTED]"

// RedactConfig returns a deep copy of cfg with every secret field replaced
// by RedactedValue. The original cfg is not mutated. Admin config dumps go
// through this so the SP private key, session secret, and Redis password
// never leave the process.
func RedactConfig(cfg *Config) (*Config, error) {
	// Deep copy via YAML round-trip.
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal failed: %w", err)
	}
	var cp Config
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("redact: unmarshal failed: %w", err)
	}
	for _, f := range refFields(&cp) {
		if f.secret && *f.value != "" {
			*f.value = RedactedValue
		}
	}
	return &cp, nil
}
