package saml

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := validationErr(KindExpired, "assertion expired at %s", "2024-03-14T10:05:00Z")
	if got := KindOf(err); got != KindExpired {
		t.Errorf("KindOf = %q", got)
	}

	wrapped := fmt.Errorf("acs: %w", err)
	if got := KindOf(wrapped); got != KindExpired {
		t.Errorf("KindOf through wrapping = %q", got)
	}

	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := validationErr(KindAudienceMismatch, "no audience restriction matches %q", "https://sp.test")
	want := `saml audience_mismatch: no audience restriction matches "https://sp.test"`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	inner := errors.New("illegal base64 data")
	wrapped := wrapValidationErr(KindMalformed, inner, "cannot decode response")
	want = "saml malformed: cannot decode response: illegal base64 data"
	if wrapped.Error() != want {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), want)
	}
	if !errors.Is(wrapped, inner) {
		t.Error("wrapped error lost its cause")
	}
}

func TestConfigErrorMessage(t *testing.T) {
	err := configErr("sp.base_url", "not set; required for SAML SSO redirects")
	if err.Error() != "sp.base_url: not set; required for SAML SSO redirects" {
		t.Errorf("Error() = %q", err.Error())
	}
	if (&ConfigError{Message: "bare"}).Error() != "bare" {
		t.Error("field-less config error should print the message alone")
	}
}

func TestHTTPStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", validationErr(KindSignatureInvalid, "bad digest"), http.StatusUnauthorized},
		{"wrapped validation", fmt.Errorf("acs: %w", validationErr(KindExpired, "old")), http.StatusUnauthorized},
		{"config", configErr("idp.sso_url", "not set"), http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusOf(tt.err); got != tt.want {
				t.Errorf("HTTPStatusOf = %d, want %d", got, tt.want)
			}
		})
	}
}
