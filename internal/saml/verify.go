package saml

import (
	"crypto"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/russellhaering/goxmldsig/etreeutils"
)

// redirectSigAlgs maps the SigAlg identifiers accepted on the redirect
// binding to their digest function.
var redirectSigAlgs = map[string]crypto.Hash{
	dsig.RSASHA1SignatureMethod:   crypto.SHA1,
	dsig.RSASHA256SignatureMethod: crypto.SHA256,
	dsig.RSASHA512SignatureMethod: crypto.SHA512,
}

// findChildren returns the direct children of parentEl with the given
// local tag whose prefix resolves to childNS.
func findChildren(parentEl *etree.Element, childNS, childTag string) ([]*etree.Element, error) {
	var found []*etree.Element
	for _, childEl := range parentEl.ChildElements() {
		if childEl.Tag != childTag {
			continue
		}

		ctx, err := etreeutils.NSBuildParentContext(childEl)
		if err != nil {
			return nil, err
		}
		ctx, err = ctx.SubContext(childEl)
		if err != nil {
			return nil, err
		}

		ns, err := ctx.LookupPrefix(childEl.Space)
		if err != nil {
			return nil, wrapValidationErr(KindMalformed, err, "cannot resolve prefix %q on %s", childEl.Space, childEl.Tag)
		}
		if ns != childNS {
			continue
		}

		found = append(found, childEl)
	}
	return found, nil
}

// findChild returns the first direct child of parentEl with the given
// local tag whose prefix resolves to childNS, or nil when absent.
func findChild(parentEl *etree.Element, childNS, childTag string) (*etree.Element, error) {
	found, err := findChildren(parentEl, childNS, childTag)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// detachElement returns a copy of el carrying every namespace
// declaration it inherits from its ancestors, so the copy serializes
// self-contained.
func detachElement(el *etree.Element) (*etree.Element, error) {
	ctx, err := etreeutils.NSBuildParentContext(el)
	if err != nil {
		return nil, err
	}
	ctx, err = ctx.SubContext(el)
	if err != nil {
		return nil, err
	}
	return etreeutils.NSDetatch(ctx, el)
}

// Verifier checks enveloped XML signatures and redirect-binding query
// signatures against the IdP signing certificates.
type Verifier struct {
	certs []*x509.Certificate

	// Clock overrides the time source used for certificate validity
	// checks. Nil means wall clock.
	Clock *dsig.Clock
}

// NewVerifier returns a Verifier trusting the given certificates. More
// than one certificate covers IdP key rollover windows.
func NewVerifier(certs []*x509.Certificate) *Verifier {
	return &Verifier{certs: certs}
}

// VerifyEnveloped validates the enveloped signature on el and returns
// the canonicalized subtree the signature actually covered. Callers
// must parse any security-relevant content from the returned element,
// never from el, since only the returned subtree is known to be signed.
func (v *Verifier) VerifyEnveloped(el *etree.Element) (*etree.Element, error) {
	sigEl, err := findChild(el, NamespaceDSig, "Signature")
	if err != nil {
		return nil, err
	}
	if sigEl == nil {
		return nil, validationErr(KindSignatureInvalid, "%s carries no signature", el.Tag)
	}
	if err := checkSignatureReference(el, sigEl); err != nil {
		return nil, err
	}
	stripUnusableKeyInfo(sigEl)

	detached, err := detachElement(el)
	if err != nil {
		return nil, wrapValidationErr(KindSignatureInvalid, err, "cannot detach %s for validation", el.Tag)
	}

	vc := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{Roots: v.certs})
	vc.IdAttribute = "ID"
	if v.Clock != nil {
		vc.Clock = v.Clock
	}

	validated, err := vc.Validate(detached)
	if err != nil {
		return nil, wrapValidationErr(KindSignatureInvalid, err, "signature on %s did not verify", el.Tag)
	}
	return validated, nil
}

// checkSignatureReference enforces that the enveloped signature covers
// exactly the element it is attached to: a single same-document
// Reference to the element's own ID, and that ID unique across the
// whole document.
func checkSignatureReference(el, sigEl *etree.Element) error {
	id := el.SelectAttrValue("ID", "")
	if id == "" {
		return validationErr(KindSignatureInvalid, "signed %s has no ID attribute", el.Tag)
	}

	refs := sigEl.FindElements("./SignedInfo/Reference")
	if len(refs) != 1 {
		return validationErr(KindSignatureInvalid, "signature on %s has %d references, want 1", el.Tag, len(refs))
	}
	uri := refs[0].SelectAttrValue("URI", "")
	if uri != "#"+id {
		return validationErr(KindSignatureInvalid, "signature reference %q does not cover element ID %q", uri, id)
	}

	root := el
	for root.Parent() != nil {
		root = root.Parent()
	}
	if n := countElementsWithID(root, id); n != 1 {
		return validationErr(KindSignatureInvalid, "element ID %q occurs %d times in document", id, n)
	}
	return nil
}

func countElementsWithID(el *etree.Element, id string) int {
	n := 0
	if el.SelectAttrValue("ID", "") == id {
		n++
	}
	for _, child := range el.ChildElements() {
		n += countElementsWithID(child, id)
	}
	return n
}

// stripUnusableKeyInfo removes the KeyInfo from a signature that does
// not embed an X509Certificate, so validation falls back to the
// certificates configured from IdP metadata instead of whatever key
// material the message brought along.
func stripUnusableKeyInfo(sigEl *etree.Element) {
	if sigEl.FindElement("./KeyInfo/X509Data/X509Certificate") != nil {
		return
	}
	if keyInfo := sigEl.FindElement("./KeyInfo"); keyInfo != nil {
		sigEl.RemoveChild(keyInfo)
	}
}

// VerifyRedirectBinding checks the query-string signature of a
// redirect-binding message. rawQuery is the query exactly as received;
// the signed data is reassembled from the still-encoded parameters in
// the order the binding mandates, so re-encoding must not happen first.
func (v *Verifier) VerifyRedirectBinding(rawQuery string) error {
	raw := parseRawQuery(rawQuery)

	encSig, ok := raw["Signature"]
	if !ok {
		return validationErr(KindSignatureInvalid, "redirect message carries no Signature parameter")
	}
	if _, ok := raw["SigAlg"]; !ok {
		return validationErr(KindSignatureInvalid, "redirect message carries no SigAlg parameter")
	}

	var parts []string
	for _, key := range []string{"SAMLRequest", "SAMLResponse", "RelayState", "SigAlg"} {
		if value, ok := raw[key]; ok {
			parts = append(parts, key+"="+value)
		}
	}
	signed := strings.Join(parts, "&")

	sigAlg, err := url.QueryUnescape(raw["SigAlg"])
	if err != nil {
		return wrapValidationErr(KindSignatureInvalid, err, "cannot decode SigAlg parameter")
	}
	hash, ok := redirectSigAlgs[sigAlg]
	if !ok {
		return validationErr(KindSignatureInvalid, "unsupported SigAlg %q", sigAlg)
	}

	sigB64, err := url.QueryUnescape(encSig)
	if err != nil {
		return wrapValidationErr(KindSignatureInvalid, err, "cannot decode Signature parameter")
	}
	signature, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return wrapValidationErr(KindSignatureInvalid, err, "Signature parameter is not valid base64")
	}

	h := hash.New()
	h.Write([]byte(signed))
	digest := h.Sum(nil)

	for _, cert := range v.certs {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			continue
		}
		if rsa.VerifyPKCS1v15(pub, hash, digest, signature) == nil {
			return nil
		}
	}
	return validationErr(KindSignatureInvalid, "redirect signature did not verify against any IdP certificate")
}

// parseRawQuery splits a query string without decoding the values.
// Repeated keys keep the first occurrence.
func parseRawQuery(query string) map[string]string {
	params := make(map[string]string)
	for query != "" {
		pair := query
		if i := strings.IndexByte(pair, '&'); i >= 0 {
			pair, query = pair[:i], pair[i+1:]
		} else {
			query = ""
		}
		if pair == "" {
			continue
		}
		key, value := pair, ""
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key, value = pair[:i], pair[i+1:]
		}
		if _, seen := params[key]; !seen {
			params[key] = value
		}
	}
	return params
}

// Signer produces enveloped XML signatures and redirect-binding query
// signatures with the SP key pair.
type Signer struct {
	ctx *dsig.SigningContext
}

// NewSigner builds a Signer for the given key pair. signatureMethod is
// the full algorithm URI from the security policy.
func NewSigner(cert *x509.Certificate, key *rsa.PrivateKey, signatureMethod string) (*Signer, error) {
	if cert == nil || key == nil {
		return nil, configErr("sp.certificate", "signing requires both certificate and private key")
	}
	keyStore := dsig.TLSCertKeyStore(tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	})
	ctx := dsig.NewDefaultSigningContext(keyStore)
	ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	if err := ctx.SetSignatureMethod(signatureMethod); err != nil {
		return nil, configErr("security.signature_method", "%v", err)
	}
	return &Signer{ctx: ctx}, nil
}

// ConstructSignature builds a detached enveloped signature over el
// without mutating it. The caller inserts the returned element at the
// position the schema mandates.
func (s *Signer) ConstructSignature(el *etree.Element) (*etree.Element, error) {
	return s.ctx.ConstructSignature(el, true)
}

// SignString signs msg for the redirect binding.
func (s *Signer) SignString(msg string) ([]byte, error) {
	return s.ctx.SignString(msg)
}

// MethodIdentifier reports the configured signature algorithm URI.
func (s *Signer) MethodIdentifier() string {
	return s.ctx.GetSignatureMethodIdentifier()
}
