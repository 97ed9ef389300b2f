package saml

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/url"
	"time"

	"github.com/beevik/etree"
	"github.com/klauspost/compress/flate"
)

// AuthnRequest is an outbound authentication request. It is built fresh
// per login attempt and never parsed back.
type AuthnRequest struct {
	ID                     string
	IssueInstant           time.Time
	Destination            string
	ACSURL                 string
	ProtocolBinding        string
	Issuer                 string
	NameIDFormat           string
	ForceAuthn             bool
	AuthnContexts          []string
	AuthnContextComparison string
}

// Element renders the request as XML.
func (req *AuthnRequest) Element() *etree.Element {
	el := etree.NewElement("samlp:AuthnRequest")
	el.CreateAttr("xmlns:samlp", NamespaceProtocol)
	el.CreateAttr("xmlns:saml", NamespaceAssertion)
	el.CreateAttr("ID", req.ID)
	el.CreateAttr("Version", "2.0")
	el.CreateAttr("IssueInstant", formatTime(req.IssueInstant))
	el.CreateAttr("Destination", req.Destination)
	el.CreateAttr("AssertionConsumerServiceURL", req.ACSURL)
	el.CreateAttr("ProtocolBinding", req.ProtocolBinding)
	if req.ForceAuthn {
		el.CreateAttr("ForceAuthn", "true")
	}

	issuer := el.CreateElement("saml:Issuer")
	issuer.CreateAttr("Format", NameIDFormatEntity)
	issuer.SetText(req.Issuer)

	policy := el.CreateElement("samlp:NameIDPolicy")
	policy.CreateAttr("AllowCreate", "true")
	if req.NameIDFormat != "" && req.NameIDFormat != NameIDFormatUnspecified {
		policy.CreateAttr("Format", req.NameIDFormat)
	}

	if len(req.AuthnContexts) > 0 {
		rac := el.CreateElement("samlp:RequestedAuthnContext")
		comparison := req.AuthnContextComparison
		if comparison == "" {
			comparison = "exact"
		}
		rac.CreateAttr("Comparison", comparison)
		for _, ref := range req.AuthnContexts {
			classRef := rac.CreateElement("saml:AuthnContextClassRef")
			classRef.SetText(ref)
		}
	}

	return el
}

// RequestBuilder mints authentication requests for both front-channel
// bindings and logout responses for the single-logout endpoint.
type RequestBuilder struct {
	settings *Settings
	signer   *Signer

	// now and newID are pinned by tests.
	now   func() time.Time
	newID func() string
}

// NewRequestBuilder returns a builder for the given settings. A signer
// is set up when the policy requires signed requests.
func NewRequestBuilder(settings *Settings) (*RequestBuilder, error) {
	b := &RequestBuilder{
		settings: settings,
		now:      time.Now,
		newID:    GenerateID,
	}
	if settings.Policy.SignRequests {
		signer, err := NewSigner(settings.SP.Certificate, settings.SP.PrivateKey, settings.Policy.SignatureMethod)
		if err != nil {
			return nil, err
		}
		b.signer = signer
	}
	return b, nil
}

// New mints an AuthnRequest addressed at the IdP single sign-on URL.
// The returned ID must be remembered so the response can be matched
// back to it.
func (b *RequestBuilder) New() *AuthnRequest {
	p := b.settings.Policy
	return &AuthnRequest{
		ID:                     b.newID(),
		IssueInstant:           b.now().UTC(),
		Destination:            b.settings.IdP.SSOURL,
		ACSURL:                 b.settings.SP.ACSURL.String(),
		ProtocolBinding:        HTTPPostBinding,
		Issuer:                 b.settings.SP.EntityID,
		NameIDFormat:           b.settings.SP.NameIDFormat,
		ForceAuthn:             p.ForceAuthn,
		AuthnContexts:          p.AuthnContexts,
		AuthnContextComparison: p.AuthnContextComparison,
	}
}

// Redirect returns the IdP URL for the deflate binding. When the policy
// requires signed requests the query carries SigAlg and Signature
// parameters computed over the encoded message.
func (b *RequestBuilder) Redirect(req *AuthnRequest, relayState string) (*url.URL, error) {
	message, err := deflateEncode(req.Element())
	if err != nil {
		return nil, fmt.Errorf("encode authn request: %w", err)
	}

	dest, err := url.Parse(req.Destination)
	if err != nil {
		return nil, configErr("idp.sso_url", "not a valid URL: %v", err)
	}

	query, err := b.redirectQuery("SAMLRequest", message, relayState)
	if err != nil {
		return nil, err
	}
	if dest.RawQuery != "" {
		dest.RawQuery += "&" + query
	} else {
		dest.RawQuery = query
	}
	return dest, nil
}

var postBindingTmpl = template.Must(template.New("saml-post-form").Parse(`` +
	`<form method="post" action="{{.URL}}" id="SAMLRequestForm">` +
	`<input type="hidden" name="SAMLRequest" value="{{.SAMLRequest}}" />` +
	`<input type="hidden" name="RelayState" value="{{.RelayState}}" />` +
	`<input id="SAMLSubmitButton" type="submit" value="Submit" />` +
	`</form>` +
	`<script>document.getElementById('SAMLSubmitButton').style.visibility="hidden";` +
	`document.getElementById('SAMLRequestForm').submit();</script>`))

// Post renders the auto-submitting HTML form for the POST binding.
// Signed requests carry the signature inside the XML itself, inserted
// directly after the Issuer as the schema requires.
func (b *RequestBuilder) Post(req *AuthnRequest, relayState string) ([]byte, error) {
	el := req.Element()
	if b.signer != nil {
		sigEl, err := b.signer.ConstructSignature(el)
		if err != nil {
			return nil, fmt.Errorf("sign authn request: %w", err)
		}
		el.InsertChildAt(1, sigEl)
	}

	doc := etree.NewDocument()
	doc.SetRoot(el)
	reqBuf, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize authn request: %w", err)
	}

	data := struct {
		URL         string
		SAMLRequest string
		RelayState  string
	}{
		URL:         req.Destination,
		SAMLRequest: base64.StdEncoding.EncodeToString(reqBuf),
		RelayState:  relayState,
	}

	var out bytes.Buffer
	if err := postBindingTmpl.Execute(&out, data); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// LogoutResponseRedirect answers an IdP-initiated LogoutRequest with a
// Success LogoutResponse over the redirect binding.
func (b *RequestBuilder) LogoutResponseRedirect(inResponseTo, relayState string) (*url.URL, error) {
	sloURL := b.settings.IdP.SLOURL
	if sloURL == "" {
		return nil, configErr("idp.slo_url", "not set")
	}

	el := etree.NewElement("samlp:LogoutResponse")
	el.CreateAttr("xmlns:samlp", NamespaceProtocol)
	el.CreateAttr("xmlns:saml", NamespaceAssertion)
	el.CreateAttr("ID", b.newID())
	el.CreateAttr("Version", "2.0")
	el.CreateAttr("IssueInstant", formatTime(b.now().UTC()))
	el.CreateAttr("Destination", sloURL)
	if inResponseTo != "" {
		el.CreateAttr("InResponseTo", inResponseTo)
	}
	issuer := el.CreateElement("saml:Issuer")
	issuer.SetText(b.settings.SP.EntityID)
	status := el.CreateElement("samlp:Status")
	code := status.CreateElement("samlp:StatusCode")
	code.CreateAttr("Value", StatusSuccess)

	message, err := deflateEncode(el)
	if err != nil {
		return nil, fmt.Errorf("encode logout response: %w", err)
	}

	dest, err := url.Parse(sloURL)
	if err != nil {
		return nil, configErr("idp.slo_url", "not a valid URL: %v", err)
	}

	query, err := b.redirectQuery("SAMLResponse", message, relayState)
	if err != nil {
		return nil, err
	}
	if dest.RawQuery != "" {
		dest.RawQuery += "&" + query
	} else {
		dest.RawQuery = query
	}
	return dest, nil
}

// redirectQuery assembles the redirect-binding query. The signature,
// when the builder has a signer, covers the encoded parameters in
// exactly the order they are concatenated here.
func (b *RequestBuilder) redirectQuery(param, message, relayState string) (string, error) {
	query := param + "=" + url.QueryEscape(message)
	if relayState != "" {
		query += "&RelayState=" + url.QueryEscape(relayState)
	}
	if b.signer == nil {
		return query, nil
	}

	query += "&SigAlg=" + url.QueryEscape(b.signer.MethodIdentifier())
	sig, err := b.signer.SignString(query)
	if err != nil {
		return "", fmt.Errorf("sign redirect query: %w", err)
	}
	return query + "&Signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(sig)), nil
}

// deflateEncode writes el through raw deflate into standard base64, the
// encoding the redirect binding mandates.
func deflateEncode(el *etree.Element) (string, error) {
	var buf bytes.Buffer
	b64 := base64.NewEncoder(base64.StdEncoding, &buf)
	zw, err := flate.NewWriter(b64, flate.BestCompression)
	if err != nil {
		return "", err
	}
	doc := etree.NewDocument()
	doc.SetRoot(el)
	if _, err := doc.WriteTo(zw); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	if err := b64.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
