package saml

import (
	"encoding/xml"
	"time"
)

// The types below model the subset of SAML 2.0 core the SP consumes on
// inbound messages. They are decoded with encoding/xml only after the
// etree-level signature verification has pinned down the exact subtree;
// ds:Signature children are deliberately absent since they are consumed
// at the etree layer.
//
// See http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf

// Response represents a samlp:Response.
type Response struct {
	XMLName      xml.Name   `xml:"urn:oasis:names:tc:SAML:2.0:protocol Response"`
	ID           string     `xml:",attr"`
	InResponseTo string     `xml:",attr"`
	Destination  string     `xml:",attr"`
	IssueInstant time.Time  `xml:",attr"`
	Version      string     `xml:",attr"`
	Issuer       *Issuer    `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
	Status       *Status    `xml:"urn:oasis:names:tc:SAML:2.0:protocol Status"`
	Assertion    *Assertion `xml:"urn:oasis:names:tc:SAML:2.0:assertion Assertion"`
}

// Issuer represents a saml:Issuer.
type Issuer struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
	Format  string   `xml:",attr"`
	Value   string   `xml:",chardata"`
}

// Status represents a samlp:Status.
type Status struct {
	XMLName       xml.Name       `xml:"urn:oasis:names:tc:SAML:2.0:protocol Status"`
	StatusCode    StatusCode     `xml:"urn:oasis:names:tc:SAML:2.0:protocol StatusCode"`
	StatusMessage *StatusMessage `xml:"urn:oasis:names:tc:SAML:2.0:protocol StatusMessage"`
}

// StatusCode represents a samlp:StatusCode.
type StatusCode struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol StatusCode"`
	Value   string   `xml:",attr"`
}

// StatusMessage represents a samlp:StatusMessage.
type StatusMessage struct {
	Value string `xml:",chardata"`
}

// Assertion represents a saml:Assertion. It is parsed once per inbound
// response and discarded after identity mapping.
type Assertion struct {
	XMLName             xml.Name             `xml:"urn:oasis:names:tc:SAML:2.0:assertion Assertion"`
	ID                  string               `xml:",attr"`
	IssueInstant        time.Time            `xml:",attr"`
	Version             string               `xml:",attr"`
	Issuer              *Issuer              `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
	Subject             *Subject             `xml:"urn:oasis:names:tc:SAML:2.0:assertion Subject"`
	Conditions          *Conditions          `xml:"urn:oasis:names:tc:SAML:2.0:assertion Conditions"`
	AuthnStatements     []AuthnStatement     `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnStatement"`
	AttributeStatements []AttributeStatement `xml:"urn:oasis:names:tc:SAML:2.0:assertion AttributeStatement"`
}

// Subject represents a saml:Subject.
type Subject struct {
	XMLName              xml.Name              `xml:"urn:oasis:names:tc:SAML:2.0:assertion Subject"`
	NameID               *NameID               `xml:"urn:oasis:names:tc:SAML:2.0:assertion NameID"`
	SubjectConfirmations []SubjectConfirmation `xml:"urn:oasis:names:tc:SAML:2.0:assertion SubjectConfirmation"`
}

// NameID represents a saml:NameID.
type NameID struct {
	Format          string `xml:",attr"`
	NameQualifier   string `xml:",attr"`
	SPNameQualifier string `xml:",attr"`
	Value           string `xml:",chardata"`
}

// SubjectConfirmation represents a saml:SubjectConfirmation.
type SubjectConfirmation struct {
	Method                  string                   `xml:",attr"`
	SubjectConfirmationData *SubjectConfirmationData `xml:"urn:oasis:names:tc:SAML:2.0:assertion SubjectConfirmationData"`
}

// SubjectConfirmationData represents a saml:SubjectConfirmationData.
type SubjectConfirmationData struct {
	Address      string    `xml:",attr"`
	InResponseTo string    `xml:",attr"`
	NotOnOrAfter time.Time `xml:",attr"`
	Recipient    string    `xml:",attr"`
}

// Conditions represents a saml:Conditions.
type Conditions struct {
	NotBefore            time.Time             `xml:",attr"`
	NotOnOrAfter         time.Time             `xml:",attr"`
	AudienceRestrictions []AudienceRestriction `xml:"urn:oasis:names:tc:SAML:2.0:assertion AudienceRestriction"`
}

// AudienceRestriction represents a saml:AudienceRestriction.
type AudienceRestriction struct {
	Audiences []Audience `xml:"urn:oasis:names:tc:SAML:2.0:assertion Audience"`
}

// Audience represents a saml:Audience.
type Audience struct {
	Value string `xml:",chardata"`
}

// AuthnStatement represents a saml:AuthnStatement.
type AuthnStatement struct {
	AuthnInstant        time.Time    `xml:",attr"`
	SessionIndex        string       `xml:",attr"`
	SessionNotOnOrAfter time.Time    `xml:",attr"`
	AuthnContext        AuthnContext `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnContext"`
}

// AuthnContext represents a saml:AuthnContext.
type AuthnContext struct {
	AuthnContextClassRef *AuthnContextClassRef `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnContextClassRef"`
}

// AuthnContextClassRef represents a saml:AuthnContextClassRef.
type AuthnContextClassRef struct {
	Value string `xml:",chardata"`
}

// AttributeStatement represents a saml:AttributeStatement.
type AttributeStatement struct {
	Attributes []Attribute `xml:"urn:oasis:names:tc:SAML:2.0:assertion Attribute"`
}

// Attribute represents a saml:Attribute.
type Attribute struct {
	FriendlyName string           `xml:",attr"`
	Name         string           `xml:",attr"`
	NameFormat   string           `xml:",attr"`
	Values       []AttributeValue `xml:"urn:oasis:names:tc:SAML:2.0:assertion AttributeValue"`
}

// AttributeValue represents a saml:AttributeValue.
type AttributeValue struct {
	Type  string `xml:"http://www.w3.org/2001/XMLSchema-instance type,attr"`
	Value string `xml:",chardata"`
}

// LogoutRequest represents a samlp:LogoutRequest, the inbound message on
// the single-logout endpoint.
type LogoutRequest struct {
	XMLName      xml.Name  `xml:"urn:oasis:names:tc:SAML:2.0:protocol LogoutRequest"`
	ID           string    `xml:",attr"`
	IssueInstant time.Time `xml:",attr"`
	Version      string    `xml:",attr"`
	Destination  string    `xml:",attr"`
	Issuer       *Issuer   `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
	NameID       *NameID   `xml:"urn:oasis:names:tc:SAML:2.0:assertion NameID"`
	SessionIndex string    `xml:"urn:oasis:names:tc:SAML:2.0:protocol SessionIndex"`
}

// LogoutResponse represents a samlp:LogoutResponse.
type LogoutResponse struct {
	XMLName      xml.Name  `xml:"urn:oasis:names:tc:SAML:2.0:protocol LogoutResponse"`
	ID           string    `xml:",attr"`
	InResponseTo string    `xml:",attr"`
	IssueInstant time.Time `xml:",attr"`
	Version      string    `xml:",attr"`
	Destination  string    `xml:",attr"`
	Issuer       *Issuer   `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
	Status       *Status   `xml:"urn:oasis:names:tc:SAML:2.0:protocol Status"`
}

// attributeValues returns every value carried for name, matching the
// attribute Name first and FriendlyName second. Order is preserved;
// the first value is the canonical one.
func (a *Assertion) attributeValues(name string) []string {
	if name == "" {
		return nil
	}
	var out []string
	for _, st := range a.AttributeStatements {
		for _, attr := range st.Attributes {
			if attr.Name != name {
				continue
			}
			for _, v := range attr.Values {
				out = append(out, v.Value)
			}
		}
	}
	if out != nil {
		return out
	}
	for _, st := range a.AttributeStatements {
		for _, attr := range st.Attributes {
			if attr.FriendlyName != name {
				continue
			}
			for _, v := range attr.Values {
				out = append(out, v.Value)
			}
		}
	}
	return out
}

// firstAttributeValue returns the canonical (first) value for name, or "".
func (a *Assertion) firstAttributeValue(name string) string {
	if vs := a.attributeValues(name); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// nameIDValue returns the subject NameID value, or "".
func (a *Assertion) nameIDValue() string {
	if a.Subject == nil || a.Subject.NameID == nil {
		return ""
	}
	return a.Subject.NameID.Value
}
