package saml

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies why a response failed validation. The kind is safe to
// expose to callers and metrics; messages never carry key material.
type Kind string

const (
	KindMalformed        Kind = "malformed"
	KindSignatureInvalid Kind = "signature_invalid"
	KindExpired          Kind = "expired"
	KindAudienceMismatch Kind = "audience_mismatch"
	KindIssuerMismatch   Kind = "issuer_mismatch"
	KindNoAuthnStatement Kind = "no_authn_statement"
	KindReplayed         Kind = "replayed"
)

// ConfigError reports missing or unusable settings. It is fatal to the
// request and maps to HTTP 500.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// HTTPStatus implements the structured-error surface for the web layer.
func (e *ConfigError) HTTPStatus() int { return http.StatusInternalServerError }

func configErr(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports a failed check on an inbound SAML message.
// A failed validation is terminal for the login attempt and maps to
// HTTP 401; the user must restart the flow.
type ValidationError struct {
	Kind       Kind
	Message    string
	underlying error
}

func (e *ValidationError) Error() string {
	if e.underlying == nil {
		return fmt.Sprintf("saml %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("saml %s: %s: %v", e.Kind, e.Message, e.underlying)
}

func (e *ValidationError) Unwrap() error { return e.underlying }

// HTTPStatus implements the structured-error surface for the web layer.
func (e *ValidationError) HTTPStatus() int { return http.StatusUnauthorized }

func validationErr(kind Kind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapValidationErr(kind Kind, err error, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...), underlying: err}
}

// KindOf returns the validation kind carried by err, or "" when err is
// not a ValidationError.
func KindOf(err error) Kind {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}

// HTTPStatusOf maps any error from this package onto the status the web
// layer should answer with: 401 for validation failures, 500 otherwise.
func HTTPStatusOf(err error) int {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.HTTPStatus()
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.HTTPStatus()
	}
	return http.StatusInternalServerError
}
