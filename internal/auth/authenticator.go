// Package auth exchanges a tenant's configured OAuth credentials for a
// bearer access token, instance URL, and organization id against a
// Salesforce-shaped OAuth token endpoint.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/flashcdc/cdc-ingestor/internal/db"
	"github.com/flashcdc/cdc-ingestor/internal/ingesterr"
)

const (
	oauthTimeout    = 30 * time.Second
	identityTimeout = 20 * time.Second
)

// Credentials carries the tenant-specific fields the Authenticator needs.
// Separated from db.Client so this package never depends on gorm tags.
type Credentials struct {
	LoginURL      string
	GrantKind     db.OAuthGrantKind
	ClientID      string
	ClientSecret  string
	Username      string
	Password      string
	ConfiguredTID string // tenant id from the config row, if set
}

// Result is the outcome of a successful authentication.
type Result struct {
	Token        *oauth2.Token
	InstanceURL  string
	TenantID     string // resolved organization id, or ConfiguredTID if set
}

// Authenticator exchanges client credentials for a bearer token.
type Authenticator struct {
	httpClient *http.Client
}

// New returns an Authenticator using a dedicated *http.Client so its
// timeouts never interact with other outbound HTTP traffic in the process.
func New() *Authenticator {
	return &Authenticator{httpClient: &http.Client{}}
}

// Authenticate performs the full exchange: POST to the token endpoint, then
// (if a "id" identity URL is present in the response) GET the identity
// endpoint to resolve organization_id. A 400/401/403 from the token
// endpoint (while FAIL_FAST_AUTH is on), a missing access_token, or a
// failed identity call is fatal — the caller must not retry. Other non-2xx
// token responses are transient.
func (a *Authenticator) Authenticate(ctx context.Context, name string, creds Credentials) (*Result, error) {
	form := buildTokenForm(creds)

	tokenURL := strings.TrimRight(creds.LoginURL, "/") + "/services/oauth2/token"

	tctx, cancel := context.WithTimeout(ctx, oauthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(tctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, ingesterr.NewTransient("building token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, ingesterr.NewTransient("token request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, classifyTokenError(resp.StatusCode, body, creds.GrantKind)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ingesterr.NewTransient(fmt.Sprintf("unexpected token status %d", resp.StatusCode), nil)
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, ingesterr.NewTransient("decoding token response", err)
	}
	if payload.AccessToken == "" {
		return nil, ingesterr.NewFatal("OAuth succeeded but no access_token returned", nil)
	}

	result := &Result{
		Token: &oauth2.Token{
			AccessToken: payload.AccessToken,
			TokenType:   "Bearer",
			Expiry:      time.Now().Add(defaultTokenLifetime(payload.ExpiresIn)),
		},
		InstanceURL: payload.InstanceURL,
		TenantID:    creds.ConfiguredTID,
	}

	if payload.ID != "" {
		orgID, err := a.resolveOrgID(ctx, payload.ID, payload.AccessToken)
		if err != nil {
			return nil, err
		}
		if result.TenantID == "" {
			result.TenantID = orgID
		}
	}

	return result, nil
}

func (a *Authenticator) resolveOrgID(ctx context.Context, identityURL, accessToken string) (string, error) {
	ictx, cancel := context.WithTimeout(ctx, identityTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ictx, http.MethodGet, identityURL, nil)
	if err != nil {
		return "", ingesterr.NewFatal("building identity request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", ingesterr.NewFatal("identity call failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return "", ingesterr.NewFatal(fmt.Sprintf("identity call failed: %s", snippet), nil)
	}

	var identity identityResponse
	if err := json.Unmarshal(body, &identity); err != nil {
		return "", ingesterr.NewFatal("decoding identity response", err)
	}
	return identity.OrganizationID, nil
}

// buildTokenForm builds the form body per grant kind: client_credentials
// always carries response_type=code alongside grant_type, since some
// orgs' token endpoints reject the request without it.
func buildTokenForm(creds Credentials) url.Values {
	form := url.Values{}
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)

	switch creds.GrantKind {
	case db.GrantClientCredentials:
		form.Set("grant_type", "client_credentials")
		form.Set("response_type", "code")
	default:
		form.Set("grant_type", "password")
	}
	return form
}

// failFastAuth mirrors FAIL_FAST_AUTH (default on): when set, a 4xx from
// the token endpoint is fatal misconfiguration; when off it retries with
// backoff like a network error.
var failFastAuth = envBool("FAIL_FAST_AUTH", true)

func envBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func classifyTokenError(status int, body []byte, grant db.OAuthGrantKind) error {
	var errResp oauthErrorResponse
	errText := string(body)
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		errText = errResp.Error + ":" + errResp.ErrorDescription
	}

	switch status {
	case 400, 401, 403:
		if !failFastAuth {
			return ingesterr.NewTransient(fmt.Sprintf("OAuth failed (%d): %s", status, errText), nil)
		}
		if grant == db.GrantClientCredentials && strings.Contains(strings.ToLower(errText), "not supported") {
			return ingesterr.NewFatal(fmt.Sprintf(
				"OAuth failed (%d): %s\nFor client_credentials grant type, you may need to use your custom "+
					"My Domain login URL instead of the default login host in the Login URL field.", status, errText), nil)
		}
		return ingesterr.NewFatal(fmt.Sprintf("OAuth failed (%d): %s", status, errText), nil)
	default:
		return ingesterr.NewTransient(fmt.Sprintf("OAuth request failed (%d): %s", status, errText), nil)
	}
}

func defaultTokenLifetime(expiresIn string) time.Duration {
	if expiresIn == "" {
		return time.Hour
	}
	if secs, err := strconv.Atoi(expiresIn); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Hour
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
	ID          string `json:"id"`
	ExpiresIn   string `json:"expires_in"`
}

type identityResponse struct {
	OrganizationID string `json:"organization_id"`
}

type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
