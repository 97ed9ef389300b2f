// Package session mints and verifies the signed browser session that a
// successful SAML login establishes. The session is a stateless HS256
// JWT carried in an HttpOnly cookie; no server-side session table.
package session

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/tower/config"
	"github.com/wudi/tower/internal/saml"
)

// Claims is the session token payload. The registered claims carry
// subject and expiry; the rest mirrors the identity mapped from the
// validated assertion. SessionIndex and NameID are kept so logout can
// reference the IdP session.
type Claims struct {
	jwt.RegisteredClaims
	Email        string   `json:"email,omitempty"`
	DisplayName  string   `json:"name,omitempty"`
	Groups       []string `json:"groups,omitempty"`
	Role         string   `json:"role,omitempty"`
	NameID       string   `json:"name_id,omitempty"`
	SessionIndex string   `json:"session_index,omitempty"`
}

// Manager issues, verifies and clears session cookies.
type Manager struct {
	secret     []byte
	cookieName string
	ttl        time.Duration
	domain     string
	secure     bool
}

// NewManager builds a Manager from configuration. The signing secret is
// required and must not be trivially brute-forceable.
func NewManager(cfg config.SessionConfig) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("session: secret not set")
	}
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("session: secret must be at least 32 bytes, got %d", len(cfg.Secret))
	}

	cookieName := cfg.CookieName
	if cookieName == "" {
		cookieName = "tower_session"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Manager{
		secret:     []byte(cfg.Secret),
		cookieName: cookieName,
		ttl:        ttl,
		domain:     cfg.Domain,
		secure:     cfg.Secure,
	}, nil
}

// CookieName returns the configured session cookie name.
func (m *Manager) CookieName() string { return m.cookieName }

// TTL returns the session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue mints a signed session token for id.
func (m *Manager) Issue(id *saml.Identity) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Email:        id.Email,
		DisplayName:  id.DisplayName,
		Groups:       id.Groups,
		Role:         id.Role,
		NameID:       id.NameID,
		SessionIndex: id.SessionIndex,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("session: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("session: invalid token")
	}
	return claims, nil
}

// FromRequest extracts and verifies the session carried by r, if any.
func (m *Manager) FromRequest(r *http.Request) (*Claims, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, fmt.Errorf("session: no session cookie")
	}
	return m.Verify(cookie.Value)
}

// SetCookie attaches the session cookie to the response.
func (m *Manager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     "/",
		Domain:   m.domain,
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
