//go:build integration
// +build integration

package test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/wudi/tower/config"
	"github.com/wudi/tower/internal/server"
)

// dockerCmd returns the command prefix for running docker (with sudo if needed).
func dockerCmd() []string {
	if _, err := exec.Command("docker", "ps").CombinedOutput(); err == nil {
		return []string{"docker"}
	}
	if _, err := exec.Command("sudo", "docker", "ps").CombinedOutput(); err == nil {
		return []string{"sudo", "docker"}
	}
	return nil
}

// TestSAMLIntegration drives the full SSO lifecycle against a real
// SimpleSAMLphp IdP running in Docker: metadata exchange, login redirect,
// IdP credential form, assertion consumption, session issuance, logout.
func TestSAMLIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not on PATH")
	}
	docker := dockerCmd()
	if docker == nil {
		t.Skip("docker not accessible (even with sudo)")
	}

	// Pre-allocate the public listener so the IdP container can be told
	// the SP's URLs before the server exists.
	spListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate listener: %v", err)
	}
	spBaseURL := fmt.Sprintf("http://127.0.0.1:%d", spListener.Addr().(*net.TCPAddr).Port)

	spCertPEM, spKeyPEM := generateKeyPair(t, "tower-sp")
	idpCertFile, idpKeyFile := idpCertFiles(t)

	idpBaseURL := startDockerIdP(t, docker, spBaseURL, idpCertFile, idpKeyFile)

	cfg := config.DefaultConfig()
	cfg.SAML.SP.BaseURL = spBaseURL
	cfg.SAML.SP.EntityID = spBaseURL
	cfg.SAML.SP.Certificate = string(spCertPEM)
	cfg.SAML.SP.PrivateKey = string(spKeyPEM)
	cfg.SAML.IdP.MetadataURL = idpBaseURL + "/simplesaml/saml2/idp/metadata.php"
	// The stock SimpleSAMLphp IdP only mints transient NameIDs.
	cfg.SAML.Security.NameIDFormat = "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"
	cfg.SAML.Security.AllowIdPInitiated = true
	cfg.Session.Secret = "integration-test-session-secret-0001"
	cfg.Session.Secure = false

	// New fetches the IdP metadata, so the container must be up first.
	srv, err := server.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ts := &httptest.Server{
		Listener: spListener,
		Config:   &http.Server{Handler: srv.Handler()},
	}
	ts.Start()
	t.Cleanup(ts.Close)

	admin := httptest.NewServer(srv.AdminHandler())
	t.Cleanup(admin.Close)

	t.Logf("SP: %s, IdP: %s", spBaseURL, idpBaseURL)

	t.Run("SPMetadata", func(t *testing.T) {
		resp, err := http.Get(spBaseURL + "/sso/saml/metadata")
		if err != nil {
			t.Fatalf("metadata request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/samlmetadata+xml" {
			t.Errorf("expected Content-Type application/samlmetadata+xml, got %q", ct)
		}
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), spBaseURL) {
			t.Error("metadata does not contain entity ID")
		}
		if !strings.Contains(string(body), "/sso/saml/acs") {
			t.Error("metadata does not contain ACS URL")
		}
	})

	t.Run("SessionRequiresLogin", func(t *testing.T) {
		status, body := getSession(t, spBaseURL, nil)
		if status != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", status)
		}
		if body.Authenticated {
			t.Error("expected authenticated=false")
		}
		if body.LoginURL != "/sso/saml/login" {
			t.Errorf("expected login_url=/sso/saml/login, got %q", body.LoginURL)
		}
	})

	t.Run("LoginRedirect", func(t *testing.T) {
		resp, err := noRedirectClient(nil).Get(spBaseURL + "/sso/saml/login")
		if err != nil {
			t.Fatalf("login request failed: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusFound {
			t.Fatalf("expected 302, got %d", resp.StatusCode)
		}
		loc := resp.Header.Get("Location")
		if !strings.Contains(loc, "/simplesaml/") {
			t.Errorf("expected redirect to IdP, got %q", loc)
		}
		parsed, err := url.Parse(loc)
		if err != nil {
			t.Fatalf("failed to parse Location: %v", err)
		}
		if parsed.Query().Get("SAMLRequest") == "" {
			t.Error("expected SAMLRequest parameter in redirect URL")
		}
		if parsed.Query().Get("RelayState") == "" {
			t.Error("expected RelayState parameter in redirect URL")
		}
	})

	t.Run("FullSSOFlow", func(t *testing.T) {
		cookies, redirect := performLogin(t, spBaseURL, "user1", "password", "/teams?tab=keys")
		if redirect != "/teams?tab=keys" {
			t.Errorf("ACS redirect: got %q, want %q", redirect, "/teams?tab=keys")
		}
		cookie := sessionCookie(t, cookies)

		status, body := getSession(t, spBaseURL, cookie)
		if status != http.StatusOK {
			t.Fatalf("expected 200 with session cookie, got %d", status)
		}
		if !body.Authenticated {
			t.Error("expected authenticated=true")
		}
		if body.Subject != "user1@example.com" {
			t.Errorf("subject: got %q, want %q", body.Subject, "user1@example.com")
		}
	})

	t.Run("SessionReuse", func(t *testing.T) {
		cookies, _ := performLogin(t, spBaseURL, "user1", "password", "")
		cookie := sessionCookie(t, cookies)

		for i := 0; i < 3; i++ {
			status, _ := getSession(t, spBaseURL, cookie)
			if status != http.StatusOK {
				t.Errorf("request %d: expected 200, got %d", i, status)
			}
		}
	})

	t.Run("Logout", func(t *testing.T) {
		cookies, _ := performLogin(t, spBaseURL, "user1", "password", "")
		cookie := sessionCookie(t, cookies)

		req, _ := http.NewRequest(http.MethodGet, spBaseURL+"/sso/saml/sls", nil)
		req.AddCookie(cookie)
		resp, err := noRedirectClient(nil).Do(req)
		if err != nil {
			t.Fatalf("logout request failed: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusFound {
			t.Errorf("expected 302, got %d", resp.StatusCode)
		}
		if loc := resp.Header.Get("Location"); loc != "/" {
			t.Errorf("expected redirect to /, got %q", loc)
		}
		cleared := false
		for _, c := range resp.Cookies() {
			if c.Name == "tower_session" && c.MaxAge < 0 {
				cleared = true
			}
		}
		if !cleared {
			t.Error("session cookie was not cleared")
		}
	})

	t.Run("AdminStats", func(t *testing.T) {
		// Log in once so the counters are guaranteed non-zero even when
		// this subtest runs alone.
		performLogin(t, spBaseURL, "user1", "password", "")

		resp, err := http.Get(admin.URL + "/stats")
		if err != nil {
			t.Fatalf("stats request failed: %v", err)
		}
		defer resp.Body.Close()

		var stats struct {
			SSO struct {
				Attempts  uint64 `json:"sso_attempts"`
				Successes uint64 `json:"sso_successes"`
			} `json:"sso"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			t.Fatalf("failed to parse stats: %v", err)
		}
		if stats.SSO.Attempts < 1 {
			t.Errorf("expected sso_attempts >= 1, got %d", stats.SSO.Attempts)
		}
		if stats.SSO.Successes < 1 {
			t.Errorf("expected sso_successes >= 1, got %d", stats.SSO.Successes)
		}
	})
}

// --- Helper Functions ---

// startDockerIdP starts a SimpleSAMLphp IdP container and waits for it to
// become ready. idpCertFile and idpKeyFile are mounted to replace the
// expired built-in certificate.
func startDockerIdP(t *testing.T, docker []string, spBaseURL, idpCertFile, idpKeyFile string) string {
	t.Helper()

	// Find a free port for the IdP
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	idpPort := l.Addr().(*net.TCPAddr).Port
	l.Close()

	containerName := fmt.Sprintf("saml-test-idp-%d", idpPort)
	idpBaseURL := fmt.Sprintf("http://127.0.0.1:%d", idpPort)

	args := append([]string{}, docker[1:]...)
	args = append(args, "run", "-d",
		"--name", containerName,
		"-v", fmt.Sprintf("%s:/var/www/simplesamlphp/cert/server.crt:ro", idpCertFile),
		"-v", fmt.Sprintf("%s:/var/www/simplesamlphp/cert/server.pem:ro", idpKeyFile),
		"-e", fmt.Sprintf("SIMPLESAMLPHP_SP_ENTITY_ID=%s", spBaseURL),
		"-e", fmt.Sprintf("SIMPLESAMLPHP_SP_ASSERTION_CONSUMER_SERVICE=%s/sso/saml/acs", spBaseURL),
		"-e", fmt.Sprintf("SIMPLESAMLPHP_SP_SINGLE_LOGOUT_SERVICE=%s/sso/saml/sls", spBaseURL),
		"-e", fmt.Sprintf("SIMPLESAMLPHP_IDP_BASE_URL=%s/simplesaml/", idpBaseURL),
		"-p", fmt.Sprintf("%d:8080", idpPort),
		"kenchan0130/simplesamlphp",
	)

	cmd := exec.Command(docker[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start IdP container: %v\n%s", err, out)
	}
	containerID := strings.TrimSpace(string(out))
	t.Logf("IdP container %s listening on port %d", containerID[:12], idpPort)

	t.Cleanup(func() {
		rmArgs := append([]string{}, docker[1:]...)
		rmArgs = append(rmArgs, "rm", "-f", containerName)
		exec.Command(docker[0], rmArgs...).Run()
	})

	// Wait for the IdP metadata endpoint to come up
	metadataURL := idpBaseURL + "/simplesaml/saml2/idp/metadata.php"
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(metadataURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				t.Log("IdP metadata reachable")
				return idpBaseURL
			}
		}
		time.Sleep(1 * time.Second)
	}
	logArgs := append([]string{}, docker[1:]...)
	logArgs = append(logArgs, "logs", containerName)
	logs, _ := exec.Command(docker[0], logArgs...).CombinedOutput()
	t.Fatalf("IdP did not become ready within timeout\nLogs:\n%s", logs)
	return ""
}

// generateKeyPair returns a fresh self-signed certificate and its RSA key
// as PEM blocks.
func generateKeyPair(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

// idpCertFiles writes a fresh IdP certificate and key to disk for the
// Docker container to mount. The image's built-in certificate is expired.
func idpCertFiles(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	certPEM, keyPEM := generateKeyPair(t, "test-idp")
	dir := t.TempDir()
	certFile = filepath.Join(dir, "idp.crt")
	keyFile = filepath.Join(dir, "idp.pem")

	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		t.Fatalf("failed to write IdP cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o644); err != nil {
		t.Fatalf("failed to write IdP key: %v", err)
	}
	return certFile, keyFile
}

// noRedirectClient returns a client that surfaces redirects instead of
// following them.
func noRedirectClient(jar http.CookieJar) *http.Client {
	return &http.Client{
		Jar:     jar,
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// performLogin walks the browser side of the SSO flow: the login redirect,
// the IdP credential form, and the auto-submitted response back to the ACS.
// It returns the cookies set by the ACS handler and its redirect target.
func performLogin(t *testing.T, spBaseURL, username, password, returnTo string) ([]*http.Cookie, string) {
	t.Helper()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: %v", err)
	}
	browser := &http.Client{Jar: jar, Timeout: 30 * time.Second}
	noRedirect := noRedirectClient(jar)

	// Step 1: the login endpoint hands out a redirect to the IdP.
	loginURL := spBaseURL + "/sso/saml/login"
	if returnTo != "" {
		loginURL += "?return_to=" + url.QueryEscape(returnTo)
	}
	resp, err := noRedirect.Get(loginURL)
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 from login endpoint, got %d", resp.StatusCode)
	}
	idpURL := resp.Header.Get("Location")
	if idpURL == "" {
		t.Fatal("no Location header from login endpoint")
	}

	// Step 2: follow the redirect chain to the IdP login form.
	formResp, err := browser.Get(idpURL)
	if err != nil {
		t.Fatalf("IdP redirect request failed: %v", err)
	}
	formBody, err := io.ReadAll(formResp.Body)
	formResp.Body.Close()
	if err != nil {
		t.Fatalf("failed to read IdP login page: %v", err)
	}

	// Step 3: submit credentials. The form action may be relative or a
	// bare "?", so it is resolved against the page URL.
	action, fields := parseForm(t, string(formBody), formResp.Request.URL.String())
	fields.Set("username", username)
	fields.Set("password", password)

	submitResp, err := browser.PostForm(action, fields)
	if err != nil {
		t.Fatalf("login form submission failed: %v", err)
	}
	submitBody, err := io.ReadAll(submitResp.Body)
	submitResp.Body.Close()
	if err != nil {
		t.Fatalf("failed to read login response: %v", err)
	}

	// Step 4: a successful login yields the auto-submit page carrying the
	// SAML response. Post it to the ACS the way the browser would.
	action, fields = parseForm(t, string(submitBody), submitResp.Request.URL.String())
	if fields.Get("SAMLResponse") == "" {
		t.Fatalf("no SAMLResponse in IdP response. Body:\n%.800s", submitBody)
	}

	acsResp, err := noRedirect.PostForm(action, fields)
	if err != nil {
		t.Fatalf("ACS request failed: %v", err)
	}
	acsBody, _ := io.ReadAll(acsResp.Body)
	acsResp.Body.Close()
	if acsResp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 from ACS, got %d: %s", acsResp.StatusCode, acsBody)
	}

	return acsResp.Cookies(), acsResp.Header.Get("Location")
}

// parseForm returns the action URL and input values of the first form in an
// HTML page. A relative action is resolved against the page URL.
func parseForm(t *testing.T, body, pageURL string) (string, url.Values) {
	t.Helper()

	action := pageURL
	fields := url.Values{}
	seenForm := false

	tokenizer := html.NewTokenizer(strings.NewReader(body))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			if !seenForm {
				t.Fatalf("no <form> found in HTML:\n%.500s", body)
			}
			return action, fields

		case html.EndTagToken:
			if tokenizer.Token().Data == "form" && seenForm {
				return action, fields
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			switch token.Data {
			case "form":
				if seenForm {
					continue
				}
				seenForm = true
				for _, attr := range token.Attr {
					if attr.Key == "action" {
						base, _ := url.Parse(pageURL)
						if ref, err := url.Parse(attr.Val); err == nil {
							action = base.ResolveReference(ref).String()
						}
					}
				}
			case "input":
				if !seenForm {
					continue
				}
				var name, value string
				for _, attr := range token.Attr {
					switch attr.Key {
					case "name":
						name = attr.Val
					case "value":
						value = attr.Val
					}
				}
				if name != "" {
					fields.Set(name, value)
				}
			}
		}
	}
}

// sessionCookie picks the session cookie out of an ACS response.
func sessionCookie(t *testing.T, cookies []*http.Cookie) *http.Cookie {
	t.Helper()
	for _, c := range cookies {
		if c.Name == "tower_session" {
			return c
		}
	}
	t.Fatal("no tower_session cookie set by ACS")
	return nil
}

// sessionBody is the subset of the session endpoint response the tests
// assert on.
type sessionBody struct {
	Authenticated bool   `json:"authenticated"`
	Subject       string `json:"subject"`
	Email         string `json:"email"`
	LoginURL      string `json:"login_url"`
}

// getSession calls GET /sso/session, optionally with a session cookie.
func getSession(t *testing.T, spBaseURL string, cookie *http.Cookie) (int, sessionBody) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, spBaseURL+"/sso/session", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("session request failed: %v", err)
	}
	defer resp.Body.Close()

	var body sessionBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to parse session response: %v", err)
	}
	return resp.StatusCode, body
}
