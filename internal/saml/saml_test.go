package saml

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/wudi/tower/config"
)

// testSPEntityID is the entity ID BuildSettings derives for the fixture
// SP: base URL plus the default metadata path.
const testSPEntityID = "https://sp.test/sso/saml/metadata"

// testKeyPair generates a throwaway RSA key and a self-signed
// certificate valid around the current time.
func testKeyPair(t *testing.T, cn string) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse generated certificate: %v", err)
	}
	return key, cert
}

func certToPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

func keyToPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}

// testIdP bundles the key material and endpoints of a fake identity
// provider together with a signer producing messages under its key.
type testIdP struct {
	key    *rsa.PrivateKey
	cert   *x509.Certificate
	signer *Signer

	entityID string
	ssoURL   string
	sloURL   string
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()
	key, cert := testKeyPair(t, "idp.test")
	signer, err := NewSigner(cert, key, dsig.RSASHA256SignatureMethod)
	if err != nil {
		t.Fatalf("build IdP signer: %v", err)
	}
	return &testIdP{
		key:      key,
		cert:     cert,
		signer:   signer,
		entityID: "https://idp.test/metadata",
		ssoURL:   "https://idp.test/sso",
		sloURL:   "https://idp.test/slo",
	}
}

// samlConfig returns a minimal configuration trusting this IdP. The SP
// entity ID is left empty so it defaults to the metadata URL.
func (idp *testIdP) samlConfig() config.SAMLConfig {
	return config.SAMLConfig{
		SP: config.SPConfig{
			BaseURL: "https://sp.test",
		},
		IdP: config.IdPConfig{
			EntityID:    idp.entityID,
			SSOURL:      idp.ssoURL,
			SLOURL:      idp.sloURL,
			Certificate: certToPEM(idp.cert),
		},
	}
}

func testSettings(t *testing.T, idp *testIdP) *Settings {
	t.Helper()
	settings, err := BuildSettings(idp.samlConfig())
	if err != nil {
		t.Fatalf("build settings: %v", err)
	}
	return settings
}

// testAttr is one attribute emitted into a fixture assertion.
type testAttr struct {
	name     string
	friendly string
	values   []string
}

// responseFixture assembles SAMLResponse documents for validator tests.
// newResponseFixture returns knobs for a currently valid response with
// a signed assertion addressed at the settings from testSettings; tests
// flip individual knobs to produce each failure.
type responseFixture struct {
	idp *testIdP

	responseID      string
	assertionID     string
	inResponseTo    string
	scdInResponseTo string
	status          string
	statusMessage   string
	issuer          string
	responseIssuer  string
	audience        string
	nameID          string
	sessionIndex    string
	issueInstant    time.Time
	notBefore       time.Time
	notOnOrAfter    time.Time
	scdNotOnOrAfter time.Time
	version         string
	attrs           []testAttr

	omitConditions     bool
	omitAuthnStatement bool
	omitResponseIssuer bool
	duplicateID        bool
	extraAssertion     bool
	signAssertion      bool
	signResponse       bool

	// mutate edits the assembled document after signing, so tests can
	// model post-signature tampering.
	mutate func(resp *etree.Element)
}

func newResponseFixture(idp *testIdP, requestID string) *responseFixture {
	now := time.Now().UTC()
	return &responseFixture{
		idp:             idp,
		responseID:      GenerateID(),
		assertionID:     GenerateID(),
		inResponseTo:    requestID,
		scdInResponseTo: requestID,
		status:          StatusSuccess,
		issuer:          idp.entityID,
		audience:        testSPEntityID,
		nameID:          "alice@example.com",
		sessionIndex:    "session-0042",
		issueInstant:    now,
		notBefore:       now.Add(-5 * time.Minute),
		notOnOrAfter:    now.Add(5 * time.Minute),
		scdNotOnOrAfter: now.Add(5 * time.Minute),
		version:         "2.0",
		attrs: []testAttr{
			{name: "email", values: []string{"alice@example.com"}},
			{name: "firstName", values: []string{"Alice"}},
			{name: "lastName", values: []string{"Liddell"}},
		},
		signAssertion: true,
	}
}

// assertionElement builds one unsigned assertion with the fixture knobs.
func (f *responseFixture) assertionElement(id string) *etree.Element {
	assertion := etree.NewElement("saml:Assertion")
	assertion.CreateAttr("xmlns:saml", NamespaceAssertion)
	assertion.CreateAttr("ID", id)
	assertion.CreateAttr("Version", f.version)
	assertion.CreateAttr("IssueInstant", formatTime(f.issueInstant))

	issuer := assertion.CreateElement("saml:Issuer")
	issuer.SetText(f.issuer)

	subject := assertion.CreateElement("saml:Subject")
	nameID := subject.CreateElement("saml:NameID")
	nameID.CreateAttr("Format", NameIDFormatEmailAddress)
	nameID.SetText(f.nameID)
	sc := subject.CreateElement("saml:SubjectConfirmation")
	sc.CreateAttr("Method", ConfirmationMethodBearer)
	scd := sc.CreateElement("saml:SubjectConfirmationData")
	scd.CreateAttr("Recipient", "https://sp.test/sso/saml/acs")
	if !f.scdNotOnOrAfter.IsZero() {
		scd.CreateAttr("NotOnOrAfter", formatTime(f.scdNotOnOrAfter))
	}
	if f.scdInResponseTo != "" {
		scd.CreateAttr("InResponseTo", f.scdInResponseTo)
	}

	if !f.omitConditions {
		cond := assertion.CreateElement("saml:Conditions")
		cond.CreateAttr("NotBefore", formatTime(f.notBefore))
		cond.CreateAttr("NotOnOrAfter", formatTime(f.notOnOrAfter))
		if f.audience != "" {
			restriction := cond.CreateElement("saml:AudienceRestriction")
			aud := restriction.CreateElement("saml:Audience")
			aud.SetText(f.audience)
		}
	}

	if !f.omitAuthnStatement {
		authn := assertion.CreateElement("saml:AuthnStatement")
		authn.CreateAttr("AuthnInstant", formatTime(f.issueInstant))
		authn.CreateAttr("SessionIndex", f.sessionIndex)
		authnCtx := authn.CreateElement("saml:AuthnContext")
		ref := authnCtx.CreateElement("saml:AuthnContextClassRef")
		ref.SetText("urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport")
	}

	if len(f.attrs) > 0 {
		statement := assertion.CreateElement("saml:AttributeStatement")
		for _, attr := range f.attrs {
			attrEl := statement.CreateElement("saml:Attribute")
			attrEl.CreateAttr("Name", attr.name)
			if attr.friendly != "" {
				attrEl.CreateAttr("FriendlyName", attr.friendly)
			}
			for _, v := range attr.values {
				valEl := attrEl.CreateElement("saml:AttributeValue")
				valEl.SetText(v)
			}
		}
	}
	return assertion
}

func (f *responseFixture) element(t *testing.T) *etree.Element {
	t.Helper()

	assertion := f.assertionElement(f.assertionID)
	if f.signAssertion {
		sigEl, err := f.idp.signer.ConstructSignature(assertion)
		if err != nil {
			t.Fatalf("sign fixture assertion: %v", err)
		}
		assertion.InsertChildAt(1, sigEl)
	}

	resp := etree.NewElement("samlp:Response")
	resp.CreateAttr("xmlns:samlp", NamespaceProtocol)
	resp.CreateAttr("xmlns:saml", NamespaceAssertion)
	resp.CreateAttr("ID", f.responseID)
	resp.CreateAttr("Version", f.version)
	resp.CreateAttr("IssueInstant", formatTime(f.issueInstant))
	resp.CreateAttr("Destination", "https://sp.test/sso/saml/acs")
	if f.inResponseTo != "" {
		resp.CreateAttr("InResponseTo", f.inResponseTo)
	}

	if !f.omitResponseIssuer {
		respIssuer := resp.CreateElement("saml:Issuer")
		if f.responseIssuer != "" {
			respIssuer.SetText(f.responseIssuer)
		} else {
			respIssuer.SetText(f.issuer)
		}
	}
	statusEl := resp.CreateElement("samlp:Status")
	codeEl := statusEl.CreateElement("samlp:StatusCode")
	codeEl.CreateAttr("Value", f.status)
	if f.statusMessage != "" {
		msgEl := statusEl.CreateElement("samlp:StatusMessage")
		msgEl.SetText(f.statusMessage)
	}
	resp.AddChild(assertion)
	if f.extraAssertion {
		resp.AddChild(f.assertionElement(GenerateID()))
	}
	if f.duplicateID {
		ext := etree.NewElement("samlp:Extensions")
		ext.CreateAttr("ID", f.assertionID)
		resp.InsertChildAt(1, ext)
	}

	if f.signResponse {
		sigEl, err := f.idp.signer.ConstructSignature(resp)
		if err != nil {
			t.Fatalf("sign fixture response: %v", err)
		}
		resp.InsertChildAt(1, sigEl)
	}

	if f.mutate != nil {
		f.mutate(resp)
	}
	return resp
}

// encode serializes the fixture the way a browser would POST it.
func (f *responseFixture) encode(t *testing.T) []byte {
	t.Helper()
	doc := etree.NewDocument()
	doc.SetRoot(f.element(t))
	raw, err := doc.WriteToBytes()
	if err != nil {
		t.Fatalf("serialize fixture response: %v", err)
	}
	return []byte(base64.StdEncoding.EncodeToString(raw))
}

func TestGenerateID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateID()
		if !strings.HasPrefix(id, "_") {
			t.Fatalf("ID %q does not start with underscore", id)
		}
		if len(id) != 33 {
			t.Fatalf("ID %q has length %d, want 33", id, len(id))
		}
		if _, err := hex.DecodeString(id[1:]); err != nil {
			t.Fatalf("ID %q body is not hex: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("ID %q generated twice", id)
		}
		seen[id] = true
	}
}

func TestParseCertificatePEM(t *testing.T) {
	_, cert := testKeyPair(t, "parse.test")
	parsed, err := ParseCertificate(certToPEM(cert))
	if err != nil {
		t.Fatalf("parse PEM certificate: %v", err)
	}
	if !parsed.Equal(cert) {
		t.Error("parsed certificate differs from the original")
	}
}

func TestParseCertificateBase64DER(t *testing.T) {
	_, cert := testKeyPair(t, "parse.test")
	b64 := base64.StdEncoding.EncodeToString(cert.Raw)

	// Metadata documents wrap the base64 in whitespace.
	wrapped := b64[:40] + "\n  " + b64[40:]
	parsed, err := ParseCertificate(wrapped)
	if err != nil {
		t.Fatalf("parse base64 DER certificate: %v", err)
	}
	if !parsed.Equal(cert) {
		t.Error("parsed certificate differs from the original")
	}
}

func TestParseCertificateRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "not a certificate", "-----BEGIN CERTIFICATE-----\naGVsbG8=\n-----END CERTIFICATE-----"} {
		if _, err := ParseCertificate(raw); err == nil {
			t.Errorf("ParseCertificate(%q) succeeded, want error", raw)
		}
	}
}

func TestParsePrivateKeyPKCS1(t *testing.T) {
	key, _ := testKeyPair(t, "key.test")
	parsed, err := ParsePrivateKey(keyToPEM(key))
	if err != nil {
		t.Fatalf("parse PKCS#1 key: %v", err)
	}
	if parsed.N.Cmp(key.N) != 0 {
		t.Error("parsed key differs from the original")
	}
}

func TestParsePrivateKeyPKCS8(t *testing.T) {
	key, _ := testKeyPair(t, "key.test")
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	raw := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	parsed, err := ParsePrivateKey(raw)
	if err != nil {
		t.Fatalf("parse PKCS#8 key: %v", err)
	}
	if parsed.N.Cmp(key.N) != 0 {
		t.Error("parsed key differs from the original")
	}
}

func TestParsePrivateKeyRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "not a key"} {
		if _, err := ParsePrivateKey(raw); err == nil {
			t.Errorf("ParsePrivateKey(%q) succeeded, want error", raw)
		}
	}
}
