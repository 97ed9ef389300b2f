package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/tower/config"
	"github.com/wudi/tower/internal/errors"
	"github.com/wudi/tower/internal/logging"
	"github.com/wudi/tower/internal/metrics"
	"github.com/wudi/tower/internal/replay"
	"github.com/wudi/tower/internal/saml"
	"github.com/wudi/tower/internal/session"
)

// spMetadataValidity is how far into the future published SP metadata
// claims to be valid.
const spMetadataValidity = 48 * time.Hour

// core bundles the settings-derived SAML machinery. It is rebuilt as a
// unit whenever IdP metadata refreshes and swapped in atomically, so
// in-flight requests always see a consistent settings/builder/validator
// triple.
type core struct {
	settings  *saml.Settings
	builder   *saml.RequestBuilder
	validator *saml.ResponseValidator
}

func buildCore(cfg config.SAMLConfig, md *saml.EntityDescriptor) (*core, error) {
	settings, err := saml.BuildSettings(cfg)
	if err != nil {
		return nil, err
	}
	if md != nil {
		if err := saml.ApplyIdPMetadata(settings, md); err != nil {
			return nil, err
		}
	}
	builder, err := saml.NewRequestBuilder(settings)
	if err != nil {
		return nil, err
	}
	return &core{
		settings:  settings,
		builder:   builder,
		validator: saml.NewResponseValidator(settings),
	}, nil
}

// SSO serves the browser-facing SAML endpoints: login kickoff, the
// assertion consumer, SP metadata, single logout, and the session probe.
type SSO struct {
	cfg  config.SAMLConfig
	core atomic.Pointer[core]

	mapping  saml.AttributeMapping
	sessions *session.Manager
	replays  replay.Store
	metrics  *metrics.Collector
	limiter  *rate.Limiter

	relayKey        []byte
	defaultRedirect string
	loginPath       string
}

// NewSSO builds the SSO handler set. When the IdP is configured through
// a metadata URL the document is fetched before the first core is
// built; startup fails if the IdP cannot be described.
func NewSSO(ctx context.Context, cfg *config.Config, replays replay.Store, sessions *session.Manager, collector *metrics.Collector) (*SSO, error) {
	var md *saml.EntityDescriptor
	if cfg.SAML.IdP.MetadataURL != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		var err error
		md, err = saml.FetchIdPMetadata(fetchCtx, cfg.SAML.IdP.MetadataURL)
		if err != nil {
			return nil, fmt.Errorf("fetch idp metadata: %w", err)
		}
	}

	c, err := buildCore(cfg.SAML, md)
	if err != nil {
		return nil, err
	}

	s := &SSO{
		cfg:             cfg.SAML,
		mapping:         saml.MappingFromConfig(cfg.SAML.Attributes),
		sessions:        sessions,
		replays:         replays,
		metrics:         collector,
		relayKey:        []byte(cfg.Session.Secret),
		defaultRedirect: cfg.Session.DefaultRedirect,
		loginPath:       cfg.SAML.SP.LoginPath,
	}
	if s.defaultRedirect == "" {
		s.defaultRedirect = "/"
	}
	if cfg.Server.LoginRateLimit.Enabled {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.LoginRateLimit.Rate), cfg.Server.LoginRateLimit.Burst)
	}
	s.core.Store(c)
	return s, nil
}

// HandleLogin starts the SP-initiated flow: build an AuthnRequest,
// remember its ID for InResponseTo matching, and bounce the browser to
// the IdP over the redirect binding.
func (s *SSO) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		errors.ErrTooManyRequests.WithRequestID(requestIDFrom(r.Context())).WriteJSON(w)
		return
	}
	s.metrics.RecordSSOAttempt()

	returnTo := r.URL.Query().Get("return_to")
	if returnTo == "" {
		returnTo = s.defaultRedirect
	} else if !safeReturnPath(returnTo) {
		errors.ErrBadRequest.
			WithDetails("return_to must be a relative path").
			WithRequestID(requestIDFrom(r.Context())).
			WriteJSON(w)
		return
	}

	c := s.core.Load()
	req := c.builder.New()
	dest, err := c.builder.Redirect(req, signRelayState(s.relayKey, returnTo))
	if err != nil {
		s.fail(w, r, err, "build authn request")
		return
	}
	if err := s.replays.SaveRequest(r.Context(), req.ID); err != nil {
		s.fail(w, r, err, "save pending request")
		return
	}

	logging.Debug("sso login initiated",
		zap.String("request", req.ID),
		zap.String("idp", c.settings.IdP.EntityID),
		zap.String("request_id", requestIDFrom(r.Context())),
	)
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

// HandleACS consumes the IdP's POSTed response. The pending request is
// taken from the replay store before validation so each AuthnRequest
// admits at most one response, and the assertion ID is marked after so
// a replayed assertion cannot mint a second session.
func (s *SSO) HandleACS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		errors.ErrBadRequest.
			WithDetails("request body is not a valid form").
			WithRequestID(requestIDFrom(r.Context())).
			WriteJSON(w)
		return
	}
	encoded := r.PostFormValue("SAMLResponse")
	if encoded == "" {
		errors.ErrBadRequest.
			WithDetails("SAMLResponse form value is required").
			WithRequestID(requestIDFrom(r.Context())).
			WriteJSON(w)
		return
	}
	raw := []byte(encoded)
	c := s.core.Load()

	if c.settings.Debug {
		if payload, err := base64.StdEncoding.DecodeString(encoded); err == nil {
			logging.Debug("acs response payload",
				zap.ByteString("xml", payload),
				zap.String("request_id", requestIDFrom(r.Context())),
			)
		}
	}

	inResponseTo, err := saml.PeekInResponseTo(raw)
	if err != nil {
		s.reject(w, r, err)
		return
	}
	if inResponseTo != "" {
		taken, err := s.replays.TakeRequest(r.Context(), inResponseTo)
		if err != nil {
			s.fail(w, r, err, "take pending request")
			return
		}
		if !taken {
			s.rejectKind(w, r, saml.KindReplayed, "response answers no pending authentication request")
			return
		}
	} else if !c.settings.Policy.AllowIdPInitiated {
		s.rejectKind(w, r, saml.KindMalformed, "unsolicited response is not allowed")
		return
	}

	assertion, err := c.validator.Validate(raw, inResponseTo)
	if err != nil {
		s.reject(w, r, err)
		return
	}

	if assertion.ID != "" {
		fresh, err := s.replays.MarkAssertion(r.Context(), assertion.ID)
		if err != nil {
			s.fail(w, r, err, "mark assertion")
			return
		}
		if !fresh {
			s.rejectKind(w, r, saml.KindReplayed, "assertion already consumed")
			return
		}
	}

	identity := saml.MapIdentity(assertion, s.mapping)
	if identity.UserID == "" {
		s.rejectKind(w, r, saml.KindMalformed, "assertion yields no subject identifier")
		return
	}

	token, err := s.sessions.Issue(&identity)
	if err != nil {
		s.fail(w, r, err, "issue session")
		return
	}
	s.sessions.SetCookie(w, token)

	dest := s.defaultRedirect
	if rs := r.PostFormValue("RelayState"); rs != "" {
		if to, ok := verifyRelayState(s.relayKey, rs); ok {
			dest = to
		}
	}

	s.metrics.RecordSSOSuccess()
	logging.Info("sso login succeeded",
		zap.String("subject", identity.UserID),
		zap.String("issuer", c.settings.IdP.EntityID),
		zap.String("request_id", requestIDFrom(r.Context())),
	)
	http.Redirect(w, r, dest, http.StatusFound)
}

// HandleMetadata publishes the SP metadata document.
func (s *SSO) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	c := s.core.Load()
	md := saml.BuildSPMetadata(c.settings, time.Now().UTC().Add(spMetadataValidity))
	encoded, err := saml.EncodeSPMetadata(md)
	if err != nil {
		s.fail(w, r, err, "encode sp metadata")
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(encoded)
}

// HandleSLS serves the single logout endpoint on both bindings. An
// IdP-initiated LogoutRequest clears the local session and answers with
// a LogoutResponse when the IdP publishes an SLO URL; a LogoutResponse
// to a logout this SP started just closes out locally. Logout is never
// propagated to other session participants.
func (s *SSO) HandleSLS(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordLogout()
	c := s.core.Load()

	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			errors.ErrBadRequest.
				WithDetails("request body is not a valid form").
				WithRequestID(requestIDFrom(r.Context())).
				WriteJSON(w)
			return
		}
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Query().Get("SAMLRequest") != "":
		req, err := saml.ValidateLogoutRedirect(c.settings, r.URL.RawQuery)
		if err != nil {
			s.reject(w, r, err)
			return
		}
		s.finishIdPLogout(w, r, c, req, r.URL.Query().Get("RelayState"))

	case r.Method == http.MethodPost && r.PostFormValue("SAMLRequest") != "":
		req, err := saml.ValidateLogoutPost(c.settings, []byte(r.PostFormValue("SAMLRequest")))
		if err != nil {
			s.reject(w, r, err)
			return
		}
		s.finishIdPLogout(w, r, c, req, r.PostFormValue("RelayState"))

	case r.Method == http.MethodGet && r.URL.Query().Get("SAMLResponse") != "":
		if _, err := saml.ValidateLogoutResponseRedirect(c.settings, r.URL.RawQuery); err != nil {
			s.reject(w, r, err)
			return
		}
		s.finishLocalLogout(w, r)

	case r.Method == http.MethodPost && r.PostFormValue("SAMLResponse") != "":
		if _, err := saml.ValidateLogoutResponsePost(c.settings, []byte(r.PostFormValue("SAMLResponse"))); err != nil {
			s.reject(w, r, err)
			return
		}
		s.finishLocalLogout(w, r)

	default:
		// No SAML payload: treat as a plain logout of the local session.
		s.finishLocalLogout(w, r)
	}
}

// finishIdPLogout answers a validated IdP LogoutRequest. The local
// session is cleared regardless of whether a response can be returned.
func (s *SSO) finishIdPLogout(w http.ResponseWriter, r *http.Request, c *core, req *saml.LogoutRequest, relayState string) {
	s.sessions.ClearCookie(w)

	subject := ""
	if req.NameID != nil {
		subject = req.NameID.Value
	}
	logging.Info("idp initiated logout",
		zap.String("logout_request", req.ID),
		zap.String("subject", subject),
		zap.String("request_id", requestIDFrom(r.Context())),
	)

	if c.settings.IdP.SLOURL != "" {
		dest, err := c.builder.LogoutResponseRedirect(req.ID, relayState)
		if err == nil {
			http.Redirect(w, r, dest.String(), http.StatusFound)
			return
		}
		logging.Warn("cannot build logout response",
			zap.Error(err),
			zap.String("request_id", requestIDFrom(r.Context())),
		)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *SSO) finishLocalLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.ClearCookie(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// sessionStatus is the GET /sso/session response body.
type sessionStatus struct {
	Authenticated bool     `json:"authenticated"`
	Subject       string   `json:"subject,omitempty"`
	Email         string   `json:"email,omitempty"`
	DisplayName   string   `json:"display_name,omitempty"`
	Groups        []string `json:"groups,omitempty"`
	Role          string   `json:"role,omitempty"`
	ExpiresAt     string   `json:"expires_at,omitempty"`
	LoginURL      string   `json:"login_url,omitempty"`
}

// HandleSession reports whether the caller holds a valid session. The
// admin UI polls this to decide between rendering and redirecting to
// the login kickoff.
func (s *SSO) HandleSession(w http.ResponseWriter, r *http.Request) {
	claims, err := s.sessions.FromRequest(r)
	if err != nil {
		s.metrics.RecordSessionCheck(false)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(sessionStatus{
			Authenticated: false,
			LoginURL:      s.loginPath,
		})
		return
	}

	s.metrics.RecordSessionCheck(true)
	status := sessionStatus{
		Authenticated: true,
		Subject:       claims.Subject,
		Email:         claims.Email,
		DisplayName:   claims.DisplayName,
		Groups:        claims.Groups,
		Role:          claims.Role,
	}
	if claims.ExpiresAt != nil {
		status.ExpiresAt = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// RefreshLoop re-fetches IdP metadata on a timer and swaps in a fresh
// core so certificate rollover at the IdP does not strand the SP. It
// returns when ctx is done or immediately when the IdP is statically
// configured.
func (s *SSO) RefreshLoop(ctx context.Context) {
	if s.cfg.IdP.MetadataURL == "" {
		return
	}
	interval := s.cfg.IdP.RefreshInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshMetadata(ctx)
		}
	}
}

func (s *SSO) refreshMetadata(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	md, err := saml.FetchIdPMetadata(fetchCtx, s.cfg.IdP.MetadataURL)
	if err != nil {
		s.metrics.RecordMetadataRefresh(false)
		logging.Warn("idp metadata refresh failed", zap.Error(err))
		return
	}
	c, err := buildCore(s.cfg, md)
	if err != nil {
		s.metrics.RecordMetadataRefresh(false)
		logging.Warn("idp metadata rejected", zap.Error(err))
		return
	}

	s.core.Store(c)
	s.metrics.RecordMetadataRefresh(true)
	logging.Info("idp metadata refreshed",
		zap.String("idp", c.settings.IdP.EntityID),
		zap.Int("certificates", len(c.settings.IdP.Certificates)),
	)
}

// reject answers a failed SAML validation: the failure kind goes to the
// metrics and the structured error body, the full error only to the
// log. Assertion contents and key material never reach the response.
func (s *SSO) reject(w http.ResponseWriter, r *http.Request, err error) {
	kind := string(saml.KindOf(err))
	if kind == "" {
		kind = "invalid"
	}
	s.metrics.RecordSSOFailure(kind)
	logging.Warn("sso validation failed",
		zap.String("kind", kind),
		zap.Error(err),
		zap.String("request_id", requestIDFrom(r.Context())),
	)

	details := ""
	var ve *saml.ValidationError
	if stderrors.As(err, &ve) {
		details = ve.Message
	}
	errors.New(saml.HTTPStatusOf(err), kind).
		WithDetails(details).
		WithRequestID(requestIDFrom(r.Context())).
		WriteJSON(w)
}

// rejectKind is reject for failures detected by the handler itself
// rather than the validator.
func (s *SSO) rejectKind(w http.ResponseWriter, r *http.Request, kind saml.Kind, details string) {
	s.metrics.RecordSSOFailure(string(kind))
	logging.Warn("sso validation failed",
		zap.String("kind", string(kind)),
		zap.String("details", details),
		zap.String("request_id", requestIDFrom(r.Context())),
	)
	errors.New(http.StatusUnauthorized, string(kind)).
		WithDetails(details).
		WithRequestID(requestIDFrom(r.Context())).
		WriteJSON(w)
}

// fail answers an internal error. The cause is logged, never echoed.
func (s *SSO) fail(w http.ResponseWriter, r *http.Request, err error, op string) {
	logging.Error("sso internal error",
		zap.String("op", op),
		zap.Error(err),
		zap.String("request_id", requestIDFrom(r.Context())),
	)
	errors.ErrInternalServer.WithRequestID(requestIDFrom(r.Context())).WriteJSON(w)
}
