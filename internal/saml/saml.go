// Package saml implements the service-provider side of the SAML 2.0 web
// browser SSO profile: building authentication requests for the
// HTTP-Redirect and HTTP-POST bindings, validating POST-bound responses
// (signatures, conditions, audience, issuer, replay correlation), and
// mapping assertions onto identity records.
//
// The package performs no I/O of its own apart from FetchIdPMetadata;
// HTTP transport, session issuance, and replay bookkeeping are the
// caller's collaborators.
package saml

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"regexp"
	"time"
)

// XML namespaces used across the protocol.
const (
	NamespaceProtocol  = "urn:oasis:names:tc:SAML:2.0:protocol"
	NamespaceAssertion = "urn:oasis:names:tc:SAML:2.0:assertion"
	NamespaceMetadata  = "urn:oasis:names:tc:SAML:2.0:metadata"
	NamespaceDSig      = "http://www.w3.org/2000/09/xmldsig#"
)

// Bindings.
const (
	HTTPRedirectBinding = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
	HTTPPostBinding     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
)

// NameID formats.
const (
	NameIDFormatEmailAddress = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	NameIDFormatUnspecified  = "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified"
	NameIDFormatTransient    = "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"
	NameIDFormatPersistent   = "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"
	NameIDFormatEntity       = "urn:oasis:names:tc:SAML:2.0:nameid-format:entity"
)

// Status codes.
const (
	StatusSuccess   = "urn:oasis:names:tc:SAML:2.0:status:Success"
	StatusRequester = "urn:oasis:names:tc:SAML:2.0:status:Requester"
	StatusResponder = "urn:oasis:names:tc:SAML:2.0:status:Responder"
)

// Subject confirmation methods.
const (
	ConfirmationMethodBearer = "urn:oasis:names:tc:SAML:2.0:cm:bearer"
)

// timeFormat is the SAML dateTime rendering: UTC, second precision.
const timeFormat = "2006-01-02T15:04:05Z"

// GenerateID returns a cryptographically random token usable as an XML
// ID attribute: 128 bits of entropy, hex encoded, prefixed with an
// underscore since xsd:ID must not begin with a digit.
func GenerateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("saml: crypto/rand failed: %v", err))
	}
	return "_" + hex.EncodeToString(b)
}

// whitespaceRE strips the line breaks and indentation that PEM blocks
// and metadata documents wrap certificates in.
var whitespaceRE = regexp.MustCompile(`\s+`)

// ParseCertificate decodes an X.509 certificate supplied either as a PEM
// block or as raw base64 DER (the form IdP metadata and most IdP admin
// consoles hand out).
func ParseCertificate(raw string) (*x509.Certificate, error) {
	if raw == "" {
		return nil, fmt.Errorf("certificate is empty")
	}
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("cannot parse certificate: %w", err)
		}
		return cert, nil
	}

	cleaned := whitespaceRE.ReplaceAllString(raw, "")
	der, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("certificate is neither PEM nor base64 DER: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("cannot parse certificate: %w", err)
	}
	return cert, nil
}

// ParsePrivateKey decodes a PEM-encoded RSA private key in PKCS#1 or
// PKCS#8 form.
func ParsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	if raw == "" {
		return nil, fmt.Errorf("private key is empty")
	}
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, fmt.Errorf("private key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}
	return key, nil
}

// formatTime renders t as a SAML dateTime attribute value.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
