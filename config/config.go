package config

import (
	"time"
)

// Config represents the complete Tower configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`
	SAML     SAMLConfig     `yaml:"saml"`
	Session  SessionConfig  `yaml:"session"`
	Replay   ReplayConfig   `yaml:"replay"`
	Redis    RedisConfig    `yaml:"redis"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// ServerConfig defines the public HTTP listener that serves the SSO
// endpoints (login, ACS, metadata, SLS, session).
type ServerConfig struct {
	Address        string        `yaml:"address"`          // listen address (default ":8080")
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // default 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // default 30s
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // default 60s
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // default 1MB
	TLS            TLSConfig     `yaml:"tls"`
	LoginRateLimit RateLimitConfig `yaml:"login_rate_limit"`
}

// TLSConfig defines TLS settings for the public listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RateLimitConfig defines a token-bucket rate limit.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // requests per second (default 10)
	Burst   int     `yaml:"burst"` // burst size (default 20)
}

// AdminConfig defines admin API settings.
type AdminConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Port      int             `yaml:"port"`  // default 8081
	Pprof     bool            `yaml:"pprof"` // Enable /debug/pprof/* endpoints
	Metrics   MetricsConfig   `yaml:"metrics"`
	Readiness ReadinessConfig `yaml:"readiness"`
}

// MetricsConfig defines metrics exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default "/metrics"
}

// ReadinessConfig defines readiness probe settings.
type ReadinessConfig struct {
	RequireRedis bool `yaml:"require_redis"` // fail /readyz when Redis is unreachable
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// SAMLConfig defines the service provider, identity provider, and policy
// settings for the SAML exchange.
type SAMLConfig struct {
	SP         SPConfig        `yaml:"sp"`
	IdP        IdPConfig       `yaml:"idp"`
	Security   SecurityConfig  `yaml:"security"`
	Attributes AttributeConfig `yaml:"attributes"`
	Debug      bool            `yaml:"debug"` // log full XML payloads at debug level
}

// SPConfig defines this service provider's identity and endpoints.
type SPConfig struct {
	// EntityID is the SP entity identifier. Defaults to
	// "{base_url}{metadata_path}" when empty.
	EntityID string `yaml:"entity_id"`
	// BaseURL is the externally visible origin of the proxy admin UI,
	// e.g. "https://proxy.example.com". Required.
	BaseURL      string `yaml:"base_url"`
	ACSPath      string `yaml:"acs_path"`      // default "/sso/saml/acs"
	SLSPath      string `yaml:"sls_path"`      // default "/sso/saml/sls"
	MetadataPath string `yaml:"metadata_path"` // default "/sso/saml/metadata"
	LoginPath    string `yaml:"login_path"`    // default "/sso/saml/login"
	// Certificate and PrivateKey are the SP signing pair, PEM encoded.
	// Both optional; requests are signed only when the key is present.
	Certificate string `yaml:"certificate"`
	PrivateKey  string `yaml:"private_key"`
}

// IdPConfig defines the identity provider endpoints and trust anchors.
// Either MetadataURL or the (EntityID, SSOURL, Certificate) triple must
// be set; fetched metadata fills whichever fields are empty.
type IdPConfig struct {
	EntityID string `yaml:"entity_id"`
	SSOURL   string `yaml:"sso_url"`
	SLOURL   string `yaml:"slo_url"`
	// Certificate is the IdP signing certificate: PEM or raw base64 DER.
	Certificate string `yaml:"certificate"`
	// MetadataURL points at the IdP's SAML metadata document. When set,
	// entity ID, SSO/SLO URLs and certificates are discovered at startup.
	MetadataURL string `yaml:"metadata_url"`
	// RefreshInterval re-fetches the metadata document on a timer so
	// certificate rollover at the IdP is picked up (default 24h).
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// SecurityConfig defines signing and validation policy.
type SecurityConfig struct {
	// AuthnRequestsSigned forces outbound request signing. Signing is
	// also enabled implicitly when an SP private key is configured.
	AuthnRequestsSigned  bool `yaml:"authn_requests_signed"`
	WantAssertionsSigned bool `yaml:"want_assertions_signed"` // default true
	WantMessagesSigned   bool `yaml:"want_messages_signed"`   // default false
	// RequireAttributeStatement rejects assertions that carry no
	// AttributeStatement. Off by default; NameID is used as fallback.
	RequireAttributeStatement bool `yaml:"require_attribute_statement"`
	AllowIdPInitiated         bool `yaml:"allow_idp_initiated"`
	ForceAuthn                bool `yaml:"force_authn"`
	// ClockSkew is the tolerance applied to NotBefore/NotOnOrAfter
	// comparisons (default 3m).
	ClockSkew time.Duration `yaml:"clock_skew"`
	// MaxIssueDelay bounds how old a response's IssueInstant may be
	// (default 90s).
	MaxIssueDelay time.Duration `yaml:"max_issue_delay"`
	// SignatureMethod selects the request signing algorithm:
	// "rsa-sha256" (default), "rsa-sha1", or "rsa-sha512".
	SignatureMethod string `yaml:"signature_method"`
	// NameIDFormat requested in the NameIDPolicy (default email address).
	NameIDFormat string `yaml:"name_id_format"`
	// AuthnContexts lists requested authn context class refs. Empty
	// means no RequestedAuthnContext element is emitted.
	AuthnContexts          []string `yaml:"authn_contexts"`
	AuthnContextComparison string   `yaml:"authn_context_comparison"` // default "exact"
}

// AttributeConfig maps assertion attribute names onto identity fields.
// An empty name leaves the field unpopulated.
type AttributeConfig struct {
	ID          string `yaml:"id"`           // default "email"
	Email       string `yaml:"email"`        // default "email"
	FirstName   string `yaml:"first_name"`   // default "firstName"
	LastName    string `yaml:"last_name"`    // default "lastName"
	DisplayName string `yaml:"display_name"` // default "displayName"
	Groups      string `yaml:"groups"`
	Role        string `yaml:"role"`
}

// SessionConfig defines the post-login session cookie.
type SessionConfig struct {
	// Secret signs session tokens (HS256). Required.
	Secret     string        `yaml:"secret"`
	CookieName string        `yaml:"cookie_name"` // default "tower_session"
	TTL        time.Duration `yaml:"ttl"`         // default 24h
	Domain     string        `yaml:"domain"`
	Secure     bool          `yaml:"secure"` // default true
	// DefaultRedirect is where the ACS sends the browser when no
	// RelayState was carried (default "/").
	DefaultRedirect string `yaml:"default_redirect"`
}

// ReplayConfig defines the one-time-use store backing InResponseTo
// matching and assertion replay detection.
type ReplayConfig struct {
	Store      string        `yaml:"store"`       // "memory" (default) or "redis"
	TTL        time.Duration `yaml:"ttl"`         // pending request lifetime (default 10m)
	MaxEntries int           `yaml:"max_entries"` // memory store cap (default 10000)
}

// RedisConfig defines the Redis connection for the distributed replay store.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	TLS         bool          `yaml:"tls"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ShutdownConfig defines graceful shutdown behavior.
type ShutdownConfig struct {
	Timeout    time.Duration `yaml:"timeout"`     // total shutdown timeout (default 30s)
	DrainDelay time.Duration `yaml:"drain_delay"` // delay before stopping listeners (default 0s)
}

// DefaultConfig returns a Config populated with production defaults.
// YAML and environment loading overlay on top of this.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 1 << 20,
			LoginRateLimit: RateLimitConfig{
				Rate:  10,
				Burst: 20,
			},
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8081,
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		SAML: SAMLConfig{
			SP: SPConfig{
				ACSPath:      "/sso/saml/acs",
				SLSPath:      "/sso/saml/sls",
				MetadataPath: "/sso/saml/metadata",
				LoginPath:    "/sso/saml/login",
			},
			Security: SecurityConfig{
				WantAssertionsSigned:   true,
				ClockSkew:              3 * time.Minute,
				MaxIssueDelay:          90 * time.Second,
				SignatureMethod:        "rsa-sha256",
				NameIDFormat:           "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress",
				AuthnContextComparison: "exact",
			},
			Attributes: AttributeConfig{
				ID:          "email",
				Email:       "email",
				FirstName:   "firstName",
				LastName:    "lastName",
				DisplayName: "displayName",
			},
		},
		Session: SessionConfig{
			CookieName:      "tower_session",
			TTL:             24 * time.Hour,
			Secure:          true,
			DefaultRedirect: "/",
		},
		Replay: ReplayConfig{
			Store:      "memory",
			TTL:        10 * time.Minute,
			MaxEntries: 10000,
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}
