package saml

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"io"
	"net/url"

	"github.com/beevik/etree"
	"github.com/klauspost/compress/flate"
	xrv "github.com/mattermost/xml-roundtrip-validator"
)

// maxLogoutMessageSize bounds the inflated size of a logout message.
const maxLogoutMessageSize = 1 << 20

// ValidateLogoutRedirect checks a redirect-binding LogoutRequest query
// string and returns the decoded message. A Signature parameter, when
// present, must verify against the IdP certificates; an unsigned
// message is rejected when the policy requires signed messages.
// rawQuery must be the query exactly as received.
func ValidateLogoutRedirect(settings *Settings, rawQuery string) (*LogoutRequest, error) {
	decoded, err := decodeLogoutRedirect(settings, rawQuery, "SAMLRequest")
	if err != nil {
		return nil, err
	}
	return parseLogoutRequest(decoded)
}

// ValidateLogoutPost checks a POST-binding LogoutRequest form value.
// An enveloped signature, when present, must verify; an unsigned
// message is rejected when the policy requires signed messages.
func ValidateLogoutPost(settings *Settings, rawFormValue []byte) (*LogoutRequest, error) {
	decoded, err := decodeLogoutPost(settings, rawFormValue)
	if err != nil {
		return nil, err
	}
	return parseLogoutRequest(decoded)
}

// ValidateLogoutResponseRedirect checks a redirect-binding
// LogoutResponse, the IdP's answer to a logout this SP initiated.
// Signature handling matches ValidateLogoutRedirect.
func ValidateLogoutResponseRedirect(settings *Settings, rawQuery string) (*LogoutResponse, error) {
	decoded, err := decodeLogoutRedirect(settings, rawQuery, "SAMLResponse")
	if err != nil {
		return nil, err
	}
	return parseLogoutResponse(decoded)
}

// ValidateLogoutResponsePost checks a POST-binding LogoutResponse form
// value. Signature handling matches ValidateLogoutPost.
func ValidateLogoutResponsePost(settings *Settings, rawFormValue []byte) (*LogoutResponse, error) {
	decoded, err := decodeLogoutPost(settings, rawFormValue)
	if err != nil {
		return nil, err
	}
	return parseLogoutResponse(decoded)
}

// decodeLogoutRedirect extracts and decodes the named parameter from a
// redirect-binding query, verifying the detached query signature when
// one is present.
func decodeLogoutRedirect(settings *Settings, rawQuery, param string) ([]byte, error) {
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, wrapValidationErr(KindMalformed, err, "cannot parse logout query string")
	}
	value := query.Get(param)
	if value == "" {
		return nil, validationErr(KindMalformed, "logout redirect carries no %s", param)
	}

	if query.Get("Signature") != "" {
		if err := NewVerifier(settings.IdP.Certificates).VerifyRedirectBinding(rawQuery); err != nil {
			return nil, err
		}
	} else if settings.Policy.RequireSignedMessages {
		return nil, validationErr(KindSignatureInvalid, "logout message is not signed")
	}

	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, wrapValidationErr(KindMalformed, err, "%s is not valid base64", param)
	}
	// The redirect binding mandates raw deflate, but some IdPs reuse the
	// plain POST encoding on this channel.
	if inflated, err := inflate(decoded); err == nil {
		decoded = inflated
	}
	if err := xrv.Validate(bytes.NewReader(decoded)); err != nil {
		return nil, wrapValidationErr(KindMalformed, err, "logout message failed XML round-trip validation")
	}
	return decoded, nil
}

// decodeLogoutPost decodes a POST-binding logout form value, verifying
// the enveloped signature when one is present.
func decodeLogoutPost(settings *Settings, rawFormValue []byte) ([]byte, error) {
	trimmed := whitespaceRE.ReplaceAllString(string(rawFormValue), "")
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, wrapValidationErr(KindMalformed, err, "logout message is not valid base64")
	}
	if err := xrv.Validate(bytes.NewReader(decoded)); err != nil {
		return nil, wrapValidationErr(KindMalformed, err, "logout message failed XML round-trip validation")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(decoded); err != nil {
		return nil, wrapValidationErr(KindMalformed, err, "logout message is not well-formed XML")
	}
	root := doc.Root()
	if root == nil {
		return nil, validationErr(KindMalformed, "logout message document is empty")
	}

	if root.FindElement("./Signature") != nil {
		validated, err := NewVerifier(settings.IdP.Certificates).VerifyEnveloped(root)
		if err != nil {
			return nil, err
		}
		signedDoc := etree.NewDocument()
		signedDoc.SetRoot(validated)
		decoded, err = signedDoc.WriteToBytes()
		if err != nil {
			return nil, wrapValidationErr(KindMalformed, err, "cannot serialize validated logout message")
		}
	} else if settings.Policy.RequireSignedMessages {
		return nil, validationErr(KindSignatureInvalid, "logout message is not signed")
	}
	return decoded, nil
}

func parseLogoutRequest(decoded []byte) (*LogoutRequest, error) {
	req := &LogoutRequest{}
	if err := xml.Unmarshal(decoded, req); err != nil {
		return nil, wrapValidationErr(KindMalformed, err, "message is not a valid samlp:LogoutRequest")
	}
	if req.Version != "2.0" {
		return nil, validationErr(KindMalformed, "unsupported SAML version %q", req.Version)
	}
	if req.ID == "" {
		return nil, validationErr(KindMalformed, "logout request has no ID")
	}
	return req, nil
}

func parseLogoutResponse(decoded []byte) (*LogoutResponse, error) {
	resp := &LogoutResponse{}
	if err := xml.Unmarshal(decoded, resp); err != nil {
		return nil, wrapValidationErr(KindMalformed, err, "message is not a valid samlp:LogoutResponse")
	}
	if resp.Version != "2.0" {
		return nil, validationErr(KindMalformed, "unsupported SAML version %q", resp.Version)
	}
	if resp.ID == "" {
		return nil, validationErr(KindMalformed, "logout response has no ID")
	}
	return resp, nil
}

// inflate reverses the raw deflate compression of the redirect binding.
func inflate(data []byte) ([]byte, error) {
	zr := flate.NewReader(bytes.NewReader(data))
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxLogoutMessageSize))
	if err != nil {
		return nil, err
	}
	return out, nil
}
