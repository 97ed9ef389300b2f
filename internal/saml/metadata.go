package saml

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxMetadataSize caps a fetched IdP metadata document.
const maxMetadataSize = 1 << 20

// EntityDescriptor is the metadata root for a single SAML entity, used
// both to publish this SP and to consume IdP metadata.
type EntityDescriptor struct {
	XMLName          xml.Name          `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`
	EntityID         string            `xml:"entityID,attr"`
	ValidUntil       *time.Time        `xml:"validUntil,attr,omitempty"`
	SPSSODescriptor  *SPSSODescriptor  `xml:"SPSSODescriptor"`
	IDPSSODescriptor *IDPSSODescriptor `xml:"IDPSSODescriptor"`
}

// EntitiesDescriptor is the aggregate wrapper some federations publish.
type EntitiesDescriptor struct {
	XMLName           xml.Name            `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntitiesDescriptor"`
	EntityDescriptors []*EntityDescriptor `xml:"EntityDescriptor"`
}

// KeyDescriptor carries an entity certificate and its designated use.
type KeyDescriptor struct {
	Use     string  `xml:"use,attr,omitempty"`
	KeyInfo KeyInfo `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo"`
}

// KeyInfo wraps the base64 DER certificate inside a KeyDescriptor.
type KeyInfo struct {
	XMLName     xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo"`
	Certificate string   `xml:"X509Data>X509Certificate"`
}

// Endpoint is a non-indexed protocol endpoint.
type Endpoint struct {
	Binding          string `xml:"Binding,attr"`
	Location         string `xml:"Location,attr"`
	ResponseLocation string `xml:"ResponseLocation,attr,omitempty"`
}

// IndexedEndpoint is an indexed protocol endpoint.
type IndexedEndpoint struct {
	Binding  string `xml:"Binding,attr"`
	Location string `xml:"Location,attr"`
	Index    int    `xml:"index,attr"`
}

// SPSSODescriptor describes the service-provider role.
type SPSSODescriptor struct {
	XMLName                    xml.Name          `xml:"urn:oasis:names:tc:SAML:2.0:metadata SPSSODescriptor"`
	AuthnRequestsSigned        bool              `xml:",attr"`
	WantAssertionsSigned       bool              `xml:",attr"`
	ProtocolSupportEnumeration string            `xml:"protocolSupportEnumeration,attr"`
	KeyDescriptors             []KeyDescriptor   `xml:"KeyDescriptor"`
	SingleLogoutServices       []Endpoint        `xml:"SingleLogoutService"`
	NameIDFormats              []string          `xml:"NameIDFormat"`
	AssertionConsumerServices  []IndexedEndpoint `xml:"AssertionConsumerService"`
}

// IDPSSODescriptor describes the identity-provider role.
type IDPSSODescriptor struct {
	XMLName                    xml.Name        `xml:"urn:oasis:names:tc:SAML:2.0:metadata IDPSSODescriptor"`
	WantAuthnRequestsSigned    bool            `xml:",attr"`
	ProtocolSupportEnumeration string          `xml:"protocolSupportEnumeration,attr"`
	KeyDescriptors             []KeyDescriptor `xml:"KeyDescriptor"`
	NameIDFormats              []string        `xml:"NameIDFormat"`
	SingleSignOnServices       []Endpoint      `xml:"SingleSignOnService"`
	SingleLogoutServices       []Endpoint      `xml:"SingleLogoutService"`
}

// BuildSPMetadata renders this SP as an EntityDescriptor an IdP can
// import.
func BuildSPMetadata(settings *Settings, validUntil time.Time) *EntityDescriptor {
	sp := settings.SP

	descriptor := &SPSSODescriptor{
		AuthnRequestsSigned:        settings.Policy.SignRequests,
		WantAssertionsSigned:       settings.Policy.RequireSignedAssertions,
		ProtocolSupportEnumeration: NamespaceProtocol,
		NameIDFormats:              []string{sp.NameIDFormat},
		AssertionConsumerServices: []IndexedEndpoint{{
			Binding:  HTTPPostBinding,
			Location: sp.ACSURL.String(),
			Index:    1,
		}},
	}
	if sp.Certificate != nil {
		descriptor.KeyDescriptors = []KeyDescriptor{{
			Use:     "signing",
			KeyInfo: KeyInfo{Certificate: base64.StdEncoding.EncodeToString(sp.Certificate.Raw)},
		}}
	}
	if sp.SLSURL != nil {
		descriptor.SingleLogoutServices = []Endpoint{{
			Binding:  HTTPRedirectBinding,
			Location: sp.SLSURL.String(),
		}}
	}

	vu := validUntil.UTC()
	return &EntityDescriptor{
		EntityID:        sp.EntityID,
		ValidUntil:      &vu,
		SPSSODescriptor: descriptor,
	}
}

// EncodeSPMetadata serializes md and re-parses it the way a consumer
// would, refusing to emit a descriptor that does not survive the round
// trip or lacks the fields an IdP needs to import it.
func EncodeSPMetadata(md *EntityDescriptor) ([]byte, error) {
	out, err := xml.MarshalIndent(md, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode sp metadata: %w", err)
	}

	check := &EntityDescriptor{}
	if err := xml.Unmarshal(out, check); err != nil {
		return nil, fmt.Errorf("generated sp metadata does not parse: %w", err)
	}
	if check.EntityID == "" {
		return nil, fmt.Errorf("generated sp metadata has no entity ID")
	}
	if check.SPSSODescriptor == nil {
		return nil, fmt.Errorf("generated sp metadata has no SPSSODescriptor")
	}
	if len(check.SPSSODescriptor.AssertionConsumerServices) == 0 ||
		check.SPSSODescriptor.AssertionConsumerServices[0].Binding != HTTPPostBinding {
		return nil, fmt.Errorf("generated sp metadata has no POST assertion consumer service")
	}
	if len(check.SPSSODescriptor.NameIDFormats) == 0 {
		return nil, fmt.Errorf("generated sp metadata has no NameIDFormat")
	}

	return append([]byte(xml.Header), out...), nil
}

// ParseIdPMetadata decodes IdP metadata, unwrapping the
// EntitiesDescriptor aggregate when a federation publishes one.
func ParseIdPMetadata(data []byte) (*EntityDescriptor, error) {
	md := &EntityDescriptor{}
	if err := xml.Unmarshal(data, md); err == nil {
		if md.IDPSSODescriptor == nil {
			return nil, configErr("idp.metadata_url", "metadata has no IDPSSODescriptor")
		}
		return md, nil
	}

	aggregate := &EntitiesDescriptor{}
	if err := xml.Unmarshal(data, aggregate); err != nil {
		return nil, configErr("idp.metadata_url", "metadata does not parse: %v", err)
	}
	for _, entity := range aggregate.EntityDescriptors {
		if entity.IDPSSODescriptor != nil {
			return entity, nil
		}
	}
	return nil, configErr("idp.metadata_url", "metadata has no IDPSSODescriptor")
}

// ApplyIdPMetadata fills the IdP settings from a parsed descriptor.
// Values configured explicitly win over metadata. It fails when the
// combination still leaves the IdP unusable.
func ApplyIdPMetadata(settings *Settings, md *EntityDescriptor) error {
	desc := md.IDPSSODescriptor
	if desc == nil {
		return configErr("idp.metadata_url", "metadata has no IDPSSODescriptor")
	}

	idp := &settings.IdP
	if idp.EntityID == "" {
		idp.EntityID = md.EntityID
	}
	if idp.SSOURL == "" {
		idp.SSOURL = locationForBinding(desc.SingleSignOnServices, HTTPRedirectBinding)
		if idp.SSOURL == "" {
			idp.SSOURL = locationForBinding(desc.SingleSignOnServices, HTTPPostBinding)
		}
	}
	if idp.SLOURL == "" {
		idp.SLOURL = locationForBinding(desc.SingleLogoutServices, HTTPRedirectBinding)
	}
	if len(idp.Certificates) == 0 {
		certs, err := signingCertificates(desc)
		if err != nil {
			return err
		}
		idp.Certificates = certs
	}

	switch {
	case idp.EntityID == "":
		return configErr("idp.entity_id", "not set and absent from metadata")
	case idp.SSOURL == "":
		return configErr("idp.sso_url", "not set and metadata advertises no SSO binding")
	case len(idp.Certificates) == 0:
		return configErr("idp.certificate", "not set and metadata carries no signing certificate")
	}
	return nil
}

func locationForBinding(endpoints []Endpoint, binding string) string {
	for _, ep := range endpoints {
		if ep.Binding == binding {
			return ep.Location
		}
	}
	return ""
}

// signingCertificates collects the descriptor's signing certificates,
// falling back to use-less KeyDescriptors when none are marked.
func signingCertificates(desc *IDPSSODescriptor) ([]*x509.Certificate, error) {
	var raws []string
	for _, kd := range desc.KeyDescriptors {
		if kd.Use == "signing" && kd.KeyInfo.Certificate != "" {
			raws = append(raws, kd.KeyInfo.Certificate)
		}
	}
	if len(raws) == 0 {
		for _, kd := range desc.KeyDescriptors {
			if kd.Use == "" && kd.KeyInfo.Certificate != "" {
				raws = append(raws, kd.KeyInfo.Certificate)
			}
		}
	}
	if len(raws) == 0 {
		return nil, configErr("idp.certificate", "metadata carries no signing certificate")
	}

	certs := make([]*x509.Certificate, 0, len(raws))
	for _, raw := range raws {
		cert, err := ParseCertificate(raw)
		if err != nil {
			return nil, configErr("idp.certificate", "metadata certificate does not parse: %v", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// FetchIdPMetadata downloads and parses IdP metadata. Transient fetch
// failures retry with exponential backoff until ctx is cancelled or the
// backoff gives up; 4xx answers fail immediately.
func FetchIdPMetadata(ctx context.Context, metadataURL string) (*EntityDescriptor, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute

	var body []byte
	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("metadata endpoint returned %s", resp.Status)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
		return err
	}

	if err := backoff.Retry(fetch, backoff.WithContext(bo, ctx)); err != nil {
		return nil, configErr("idp.metadata_url", "cannot fetch %s: %v", metadataURL, err)
	}
	return ParseIdPMetadata(body)
}
