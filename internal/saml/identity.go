package saml

import "github.com/wudi/tower/config"

// AttributeMapping names the SAML attributes each identity field is
// read from. Empty Groups or Role leaves that field unmapped.
type AttributeMapping struct {
	ID          string
	Email       string
	FirstName   string
	LastName    string
	DisplayName string
	Groups      string
	Role        string
}

// DefaultAttributeMapping matches the attribute names most IdP
// quick-start guides emit.
func DefaultAttributeMapping() AttributeMapping {
	return AttributeMapping{
		ID:          "email",
		Email:       "email",
		FirstName:   "firstName",
		LastName:    "lastName",
		DisplayName: "displayName",
	}
}

// MappingFromConfig builds the mapping from configuration, falling back
// to the defaults for unset core fields.
func MappingFromConfig(cfg config.AttributeConfig) AttributeMapping {
	def := DefaultAttributeMapping()
	return AttributeMapping{
		ID:          defaultString(cfg.ID, def.ID),
		Email:       defaultString(cfg.Email, def.Email),
		FirstName:   defaultString(cfg.FirstName, def.FirstName),
		LastName:    defaultString(cfg.LastName, def.LastName),
		DisplayName: defaultString(cfg.DisplayName, def.DisplayName),
		Groups:      cfg.Groups,
		Role:        cfg.Role,
	}
}

// Identity is the canonical record handed to session issuance after a
// response validates.
type Identity struct {
	UserID      string
	Email       string
	FirstName   string
	LastName    string
	DisplayName string
	Groups      []string
	Role        string

	NameID       string
	NameIDFormat string
	SessionIndex string
}

// MapIdentity projects a validated assertion onto the canonical
// identity record. Per field the first attribute value wins, matching
// the attribute Name before its FriendlyName. Missing attributes
// degrade to their fallbacks; the mapping never fails.
func MapIdentity(assertion *Assertion, mapping AttributeMapping) Identity {
	id := Identity{
		UserID:      assertion.firstAttributeValue(mapping.ID),
		Email:       assertion.firstAttributeValue(mapping.Email),
		FirstName:   assertion.firstAttributeValue(mapping.FirstName),
		LastName:    assertion.firstAttributeValue(mapping.LastName),
		DisplayName: assertion.firstAttributeValue(mapping.DisplayName),
		Groups:      assertion.attributeValues(mapping.Groups),
		Role:        assertion.firstAttributeValue(mapping.Role),
	}

	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		id.NameID = assertion.Subject.NameID.Value
		id.NameIDFormat = assertion.Subject.NameID.Format
	}
	if len(assertion.AuthnStatements) > 0 {
		id.SessionIndex = assertion.AuthnStatements[0].SessionIndex
	}

	if id.UserID == "" {
		id.UserID = id.NameID
	}
	if id.Email == "" {
		id.Email = id.NameID
	}
	if id.DisplayName == "" {
		if id.FirstName != "" && id.LastName != "" {
			id.DisplayName = id.FirstName + " " + id.LastName
		} else {
			id.DisplayName = id.Email
		}
	}
	return id
}
