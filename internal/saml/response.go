package saml

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"strings"
	"time"

	"github.com/beevik/etree"
	xrv "github.com/mattermost/xml-roundtrip-validator"
)

// ResponseValidator checks inbound POST-bound responses against the
// settings. It holds no mutable state and is safe for concurrent use.
type ResponseValidator struct {
	settings *Settings
	verifier *Verifier

	// now is pinned by tests.
	now func() time.Time
}

// NewResponseValidator returns a validator trusting the IdP
// certificates from settings.
func NewResponseValidator(settings *Settings) *ResponseValidator {
	return &ResponseValidator{
		settings: settings,
		verifier: NewVerifier(settings.IdP.Certificates),
		now:      time.Now,
	}
}

// ValidateResponse runs the full check sequence on a POSTed
// SAMLResponse value with a one-shot validator.
func ValidateResponse(settings *Settings, rawPOSTBody []byte, expectedRequestID string) (*Assertion, error) {
	return NewResponseValidator(settings).Validate(rawPOSTBody, expectedRequestID)
}

// Validate checks rawPOSTBody, the base64 SAMLResponse form value, and
// returns the assertion re-parsed from the signature-validated subtree.
// expectedRequestID is the ID of the AuthnRequest this response must
// answer; empty skips the InResponseTo comparison (IdP-initiated flow).
// Checks short-circuit on the first failure; a response either passes
// every check or yields nothing.
func (v *ResponseValidator) Validate(rawPOSTBody []byte, expectedRequestID string) (*Assertion, error) {
	envelope, root, err := decodeResponse(rawPOSTBody)
	if err != nil {
		return nil, err
	}

	if err := checkStatus(envelope); err != nil {
		return nil, err
	}

	assertionEl, err := v.extractSignedAssertion(root)
	if err != nil {
		return nil, err
	}
	assertion, err := decodeValidatedAssertion(assertionEl)
	if err != nil {
		return nil, err
	}

	now := v.now().UTC()
	if err := v.validateTimes(envelope, assertion, now); err != nil {
		return nil, err
	}
	if err := v.validateAudience(assertion); err != nil {
		return nil, err
	}
	if err := v.validateIssuer(envelope, assertion); err != nil {
		return nil, err
	}
	if err := validateInResponseTo(envelope, assertion, expectedRequestID); err != nil {
		return nil, err
	}

	if len(assertion.AuthnStatements) == 0 {
		return nil, validationErr(KindNoAuthnStatement, "assertion carries no AuthnStatement")
	}
	if v.settings.Policy.RequireAttributeStatement && len(assertion.AttributeStatements) == 0 {
		return nil, validationErr(KindMalformed, "assertion carries no AttributeStatement")
	}

	return assertion, nil
}

// PeekInResponseTo returns the InResponseTo attribute of a POSTed
// SAMLResponse without validating anything beyond well-formedness. The
// ACS uses it to look up the pending request before running the full
// check sequence; the value is untrusted until Validate confirms it.
func PeekInResponseTo(rawPOSTBody []byte) (string, error) {
	envelope, _, err := decodeResponse(rawPOSTBody)
	if err != nil {
		return "", err
	}
	return envelope.InResponseTo, nil
}

// decodeResponse base64-decodes the form value, rejects XML that does
// not survive a decode/encode round trip unchanged, and parses the
// envelope. Nothing about the result is trusted yet.
func decodeResponse(raw []byte) (*Response, *etree.Element, error) {
	trimmed := whitespaceRE.ReplaceAllString(string(raw), "")
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, nil, wrapValidationErr(KindMalformed, err, "SAMLResponse is not valid base64")
	}

	if err := xrv.Validate(bytes.NewReader(decoded)); err != nil {
		return nil, nil, wrapValidationErr(KindMalformed, err, "response failed XML round-trip validation")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(decoded); err != nil {
		return nil, nil, wrapValidationErr(KindMalformed, err, "response is not well-formed XML")
	}
	root := doc.Root()
	if root == nil {
		return nil, nil, validationErr(KindMalformed, "response document is empty")
	}

	envelope := &Response{}
	if err := xml.Unmarshal(decoded, envelope); err != nil {
		return nil, nil, wrapValidationErr(KindMalformed, err, "response is not a valid samlp:Response")
	}
	if envelope.Version != "2.0" {
		return nil, nil, validationErr(KindMalformed, "unsupported SAML version %q", envelope.Version)
	}
	if envelope.IssueInstant.IsZero() {
		return nil, nil, validationErr(KindMalformed, "response has no IssueInstant")
	}
	return envelope, root, nil
}

func checkStatus(envelope *Response) error {
	if envelope.Status == nil || envelope.Status.StatusCode.Value == "" {
		return validationErr(KindMalformed, "response carries no status code")
	}
	if code := envelope.Status.StatusCode.Value; code != StatusSuccess {
		if envelope.Status.StatusMessage != nil && envelope.Status.StatusMessage.Value != "" {
			return validationErr(KindMalformed, "IdP returned status %s: %s", code, strings.TrimSpace(envelope.Status.StatusMessage.Value))
		}
		return validationErr(KindMalformed, "IdP returned status %s", code)
	}
	return nil
}

// extractSignedAssertion verifies the signatures present on the
// response and its assertion and returns the assertion element from the
// validated subtree. An assertion-level signature takes precedence: the
// returned element is then the copy that signature covered. At least
// one signature must be present and every signature present must
// verify; the policy can additionally force either level.
func (v *ResponseValidator) extractSignedAssertion(root *etree.Element) (*etree.Element, error) {
	policy := v.settings.Policy

	responseSigned := false
	searchRoot := root
	respSig, err := findChild(root, NamespaceDSig, "Signature")
	if err != nil {
		return nil, err
	}
	if respSig != nil {
		validated, err := v.verifier.VerifyEnveloped(root)
		if err != nil {
			return nil, err
		}
		searchRoot = validated
		responseSigned = true
	}

	assertions, err := findChildren(searchRoot, NamespaceAssertion, "Assertion")
	if err != nil {
		return nil, err
	}
	if len(assertions) != 1 {
		return nil, validationErr(KindMalformed, "response carries %d assertions, want exactly 1", len(assertions))
	}
	assertionEl := assertions[0]

	assertionSigned := false
	assertSig, err := findChild(assertionEl, NamespaceDSig, "Signature")
	if err != nil {
		return nil, err
	}
	if assertSig != nil {
		validated, err := v.verifier.VerifyEnveloped(assertionEl)
		if err != nil {
			return nil, err
		}
		assertionEl = validated
		assertionSigned = true
	}

	if !responseSigned && !assertionSigned {
		return nil, validationErr(KindSignatureInvalid, "neither the response nor the assertion is signed")
	}
	if policy.RequireSignedAssertions && !assertionSigned {
		return nil, validationErr(KindSignatureInvalid, "policy requires a signed assertion")
	}
	if policy.RequireSignedMessages && !responseSigned {
		return nil, validationErr(KindSignatureInvalid, "policy requires a signed response message")
	}

	return assertionEl, nil
}

// decodeValidatedAssertion serializes exactly the subtree the signature
// covered and decodes it into the schema struct. The original document
// is never consulted again after this point.
func decodeValidatedAssertion(assertionEl *etree.Element) (*Assertion, error) {
	detached, err := detachElement(assertionEl)
	if err != nil {
		return nil, wrapValidationErr(KindMalformed, err, "cannot detach validated assertion")
	}

	doc := etree.NewDocument()
	doc.SetRoot(detached)
	buf, err := doc.WriteToBytes()
	if err != nil {
		return nil, wrapValidationErr(KindMalformed, err, "cannot serialize validated assertion")
	}

	assertion := &Assertion{}
	if err := xml.Unmarshal(buf, assertion); err != nil {
		return nil, wrapValidationErr(KindMalformed, err, "cannot decode validated assertion")
	}
	if assertion.Version != "2.0" {
		return nil, validationErr(KindMalformed, "unsupported assertion version %q", assertion.Version)
	}
	return assertion, nil
}

func (v *ResponseValidator) validateTimes(envelope *Response, assertion *Assertion, now time.Time) error {
	skew := v.settings.Policy.ClockSkew
	maxDelay := v.settings.Policy.MaxIssueDelay

	if assertion.IssueInstant.IsZero() {
		return validationErr(KindMalformed, "assertion has no IssueInstant")
	}
	if maxDelay > 0 {
		if now.After(envelope.IssueInstant.Add(maxDelay + skew)) {
			return validationErr(KindExpired, "response issued at %s is too old", envelope.IssueInstant.Format(timeFormat))
		}
		if now.After(assertion.IssueInstant.Add(maxDelay + skew)) {
			return validationErr(KindExpired, "assertion issued at %s is too old", assertion.IssueInstant.Format(timeFormat))
		}
	}

	cond := assertion.Conditions
	if cond == nil {
		return validationErr(KindMalformed, "assertion has no Conditions")
	}
	if !cond.NotBefore.IsZero() && now.Before(cond.NotBefore.Add(-skew)) {
		return validationErr(KindExpired, "assertion not valid before %s", cond.NotBefore.Format(timeFormat))
	}
	if !cond.NotOnOrAfter.IsZero() && !now.Before(cond.NotOnOrAfter.Add(skew)) {
		return validationErr(KindExpired, "assertion expired at %s", cond.NotOnOrAfter.Format(timeFormat))
	}

	if assertion.Subject != nil {
		for _, sc := range assertion.Subject.SubjectConfirmations {
			data := sc.SubjectConfirmationData
			if data == nil || data.NotOnOrAfter.IsZero() {
				continue
			}
			if !now.Before(data.NotOnOrAfter.Add(skew)) {
				return validationErr(KindExpired, "subject confirmation expired at %s", data.NotOnOrAfter.Format(timeFormat))
			}
		}
	}
	return nil
}

func (v *ResponseValidator) validateAudience(assertion *Assertion) error {
	entityID := v.settings.SP.EntityID
	for _, restriction := range assertion.Conditions.AudienceRestrictions {
		for _, aud := range restriction.Audiences {
			if strings.TrimSpace(aud.Value) == entityID {
				return nil
			}
		}
	}
	return validationErr(KindAudienceMismatch, "no audience restriction matches %q", entityID)
}

func (v *ResponseValidator) validateIssuer(envelope *Response, assertion *Assertion) error {
	idpEntityID := v.settings.IdP.EntityID

	got := ""
	if assertion.Issuer != nil {
		got = strings.TrimSpace(assertion.Issuer.Value)
	}
	if got != idpEntityID {
		return validationErr(KindIssuerMismatch, "assertion issuer %q, want %q", got, idpEntityID)
	}

	if envelope.Issuer != nil {
		if issuer := strings.TrimSpace(envelope.Issuer.Value); issuer != idpEntityID {
			return validationErr(KindIssuerMismatch, "response issuer %q, want %q", issuer, idpEntityID)
		}
	}
	return nil
}

func validateInResponseTo(envelope *Response, assertion *Assertion, expected string) error {
	if expected == "" {
		return nil
	}
	if envelope.InResponseTo != expected {
		return validationErr(KindMalformed, "InResponseTo %q does not match the login request", envelope.InResponseTo)
	}
	if assertion.Subject != nil {
		for _, sc := range assertion.Subject.SubjectConfirmations {
			data := sc.SubjectConfirmationData
			if data == nil || data.InResponseTo == "" {
				continue
			}
			if data.InResponseTo != expected {
				return validationErr(KindMalformed, "subject confirmation InResponseTo %q does not match the login request", data.InResponseTo)
			}
		}
	}
	return nil
}
