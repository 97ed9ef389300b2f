package saml

import (
	"crypto/rsa"
	"crypto/x509"
	"net/url"
	"strings"
	"time"

	dsig "github.com/russellhaering/goxmldsig"

	"github.com/wudi/tower/config"
)

// SPSettings identifies this service provider.
type SPSettings struct {
	EntityID     string
	ACSURL       *url.URL
	SLSURL       *url.URL
	MetadataURL  *url.URL
	NameIDFormat string

	// Certificate and PrivateKey sign outbound requests and appear in
	// SP metadata. Either both are set or both are nil.
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

// IdPSettings identifies the identity provider and its trust anchors.
type IdPSettings struct {
	EntityID string
	SSOURL   string
	SLOURL   string

	// Certificates holds every signing certificate the IdP may use.
	// Metadata-sourced configurations often carry several during
	// rollover; a signature verifying against any of them is accepted.
	Certificates []*x509.Certificate
}

// SecurityPolicy captures the validation and signing policy. Immutable
// once constructed.
type SecurityPolicy struct {
	SignRequests              bool
	RequireSignedAssertions   bool
	RequireSignedMessages     bool
	RequireAttributeStatement bool
	AllowIdPInitiated         bool
	ForceAuthn                bool

	ClockSkew     time.Duration
	MaxIssueDelay time.Duration

	// SignatureMethod and DigestMethod are full algorithm URIs.
	SignatureMethod string
	DigestMethod    string

	AuthnContexts          []string
	AuthnContextComparison string
}

// Settings is the immutable configuration for one SP/IdP pairing,
// constructed once at startup and passed explicitly to every operation.
type Settings struct {
	SP     SPSettings
	IdP    IdPSettings
	Policy SecurityPolicy
	Debug  bool
}

// signatureMethodURIs maps the config shorthand onto XML-DSig algorithm
// identifiers. Full URIs pass through untouched.
var signatureMethodURIs = map[string]string{
	"rsa-sha1":   dsig.RSASHA1SignatureMethod,
	"rsa-sha256": dsig.RSASHA256SignatureMethod,
	"rsa-sha512": dsig.RSASHA512SignatureMethod,
}

// digestMethodURIs pairs each signature algorithm with its digest.
var digestMethodURIs = map[string]string{
	dsig.RSASHA1SignatureMethod:   "http://www.w3.org/2000/09/xmldsig#sha1",
	dsig.RSASHA256SignatureMethod: "http://www.w3.org/2001/04/xmlenc#sha256",
	dsig.RSASHA512SignatureMethod: "http://www.w3.org/2001/04/xmlenc#sha512",
}

// BuildSettings assembles the immutable Settings from configuration.
// It fails with a ConfigError naming the offending field when a required
// value is absent or certificate material does not parse. No side
// effects beyond reading cfg.
func BuildSettings(cfg config.SAMLConfig) (*Settings, error) {
	if cfg.SP.BaseURL == "" {
		return nil, configErr("sp.base_url", "not set; required for SAML SSO redirects")
	}
	base, err := url.Parse(cfg.SP.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, configErr("sp.base_url", "%q is not an absolute URL", cfg.SP.BaseURL)
	}

	// A metadata URL defers the discrete IdP fields: ApplyIdPMetadata
	// fills whatever is still empty once the document is fetched.
	fromMetadata := cfg.IdP.MetadataURL != ""
	if cfg.IdP.EntityID == "" && !fromMetadata {
		return nil, configErr("idp.entity_id", "not set")
	}
	if cfg.IdP.SSOURL == "" && !fromMetadata {
		return nil, configErr("idp.sso_url", "not set")
	}
	if cfg.IdP.SSOURL != "" {
		if _, err := url.Parse(cfg.IdP.SSOURL); err != nil {
			return nil, configErr("idp.sso_url", "%q is not a valid URL", cfg.IdP.SSOURL)
		}
	}
	if cfg.IdP.Certificate == "" && !fromMetadata {
		return nil, configErr("idp.certificate", "not set")
	}

	var idpCerts []*x509.Certificate
	if cfg.IdP.Certificate != "" {
		idpCert, err := ParseCertificate(cfg.IdP.Certificate)
		if err != nil {
			return nil, configErr("idp.certificate", "%v", err)
		}
		if _, ok := idpCert.PublicKey.(*rsa.PublicKey); !ok {
			return nil, configErr("idp.certificate", "public key is %T, want RSA", idpCert.PublicKey)
		}
		idpCerts = append(idpCerts, idpCert)
	}

	sp := SPSettings{
		EntityID:     cfg.SP.EntityID,
		NameIDFormat: defaultString(cfg.Security.NameIDFormat, NameIDFormatEmailAddress),
	}
	sp.ACSURL = base.JoinPath(defaultString(cfg.SP.ACSPath, "/sso/saml/acs"))
	sp.SLSURL = base.JoinPath(defaultString(cfg.SP.SLSPath, "/sso/saml/sls"))
	sp.MetadataURL = base.JoinPath(defaultString(cfg.SP.MetadataPath, "/sso/saml/metadata"))
	if sp.EntityID == "" {
		sp.EntityID = sp.MetadataURL.String()
	}

	if (cfg.SP.Certificate == "") != (cfg.SP.PrivateKey == "") {
		return nil, configErr("sp.certificate", "certificate and private key must be set together")
	}
	if cfg.SP.PrivateKey != "" {
		sp.PrivateKey, err = ParsePrivateKey(cfg.SP.PrivateKey)
		if err != nil {
			return nil, configErr("sp.private_key", "%v", err)
		}
		sp.Certificate, err = ParseCertificate(cfg.SP.Certificate)
		if err != nil {
			return nil, configErr("sp.certificate", "%v", err)
		}
		certKey, ok := sp.Certificate.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, configErr("sp.certificate", "public key is %T, want RSA", sp.Certificate.PublicKey)
		}
		if certKey.N.Cmp(sp.PrivateKey.N) != 0 {
			return nil, configErr("sp.certificate", "certificate does not match private key")
		}
	}

	sigMethod := defaultString(cfg.Security.SignatureMethod, "rsa-sha256")
	sigURI, ok := signatureMethodURIs[sigMethod]
	if !ok {
		if _, known := digestMethodURIs[sigMethod]; known {
			sigURI = sigMethod
		} else {
			return nil, configErr("security.signature_method", "%q is not supported", sigMethod)
		}
	}

	policy := SecurityPolicy{
		// Outbound signing turns on exactly when key material exists;
		// the explicit flag only hard-requires it.
		SignRequests:              cfg.Security.AuthnRequestsSigned || sp.PrivateKey != nil,
		RequireSignedAssertions:   cfg.Security.WantAssertionsSigned,
		RequireSignedMessages:     cfg.Security.WantMessagesSigned,
		RequireAttributeStatement: cfg.Security.RequireAttributeStatement,
		AllowIdPInitiated:         cfg.Security.AllowIdPInitiated,
		ForceAuthn:                cfg.Security.ForceAuthn,
		ClockSkew:                 cfg.Security.ClockSkew,
		MaxIssueDelay:             cfg.Security.MaxIssueDelay,
		SignatureMethod:           sigURI,
		DigestMethod:              digestMethodURIs[sigURI],
		AuthnContexts:             append([]string(nil), cfg.Security.AuthnContexts...),
		AuthnContextComparison:    defaultString(cfg.Security.AuthnContextComparison, "exact"),
	}
	if policy.ClockSkew < 0 {
		return nil, configErr("security.clock_skew", "must not be negative")
	}
	if policy.ClockSkew == 0 {
		policy.ClockSkew = 3 * time.Minute
	}
	if policy.MaxIssueDelay <= 0 {
		policy.MaxIssueDelay = 90 * time.Second
	}
	if policy.SignRequests && sp.PrivateKey == nil {
		return nil, configErr("security.authn_requests_signed", "requires sp.private_key")
	}

	return &Settings{
		SP: sp,
		IdP: IdPSettings{
			EntityID:     cfg.IdP.EntityID,
			SSOURL:       cfg.IdP.SSOURL,
			SLOURL:       cfg.IdP.SLOURL,
			Certificates: idpCerts,
		},
		Policy: policy,
		Debug:  cfg.Debug,
	}, nil
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
