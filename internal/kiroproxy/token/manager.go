// Package token refreshes Kiro OAuth access tokens, de-duplicating
// concurrent refreshes for the same credential onto a single in-flight HTTP
// call via golang.org/x/sync/singleflight.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/credstore"
)

// Default skew applied when deciding whether a cached access token is still
// usable.
const DefaultSkew = 60 * time.Second

const refreshTimeout = 15 * time.Second

// socialClientID/socialClientSecret are the fixed OAuth client credentials
// the social (Google-backed) Kiro login flow registers under. Unlike idc
// credentials these are not per-credential secrets.
const (
	socialClientID     = "kiro-proxy-social-client"
	socialClientSecret = "kiro-proxy-social-secret"
)

// EndpointResolver resolves the region-scoped refresh endpoints for a
// credential: credential.authRegion -> DefaultRegion -> "us-east-1".
// cmd/server/main.go sets DefaultRegion to the config auth-region, else the
// config region.
type EndpointResolver struct {
	DefaultRegion string
}

func (r EndpointResolver) authRegion(c credstore.Credential) string {
	if c.AuthRegion != "" {
		return c.AuthRegion
	}
	if r.DefaultRegion != "" {
		return r.DefaultRegion
	}
	return "us-east-1"
}

func (r EndpointResolver) socialRefreshURL(c credstore.Credential) string {
	return fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", r.authRegion(c))
}

func (r EndpointResolver) idcRefreshURL(c credstore.Credential) string {
	return fmt.Sprintf("https://oidc.%s.amazonaws.com/token", r.authRegion(c))
}

// Store is the subset of credstore.Store the Manager needs, so tests can
// supply a fake.
type Store interface {
	Get(id int64) (credstore.Credential, bool)
	ReplaceTokens(id int64, accessToken string, expiresAt time.Time, profileArn, email string) error
}

// Manager refreshes credentials and caches the result back through Store.
type Manager struct {
	store      Store
	httpClient *http.Client
	endpoints  EndpointResolver
	group      singleflight.Group
	now        func() time.Time

	// testSocialURL overrides the social refresh endpoint; set only by tests.
	testSocialURL string
}

// forceSocialURL is a test seam letting unit tests point the social refresh
// flow at an httptest server instead of the real Kiro endpoint.
func (m *Manager) forceSocialURL(url string) {
	m.testSocialURL = url
}

// NewManager constructs a Manager backed by store. httpClient may be nil to
// use a default client with the refresh timeout applied per-request.
func NewManager(store Store, httpClient *http.Client, endpoints EndpointResolver) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Manager{store: store, httpClient: httpClient, endpoints: endpoints, now: time.Now}
}

// refreshResult is what one singleflight attempt produces; every waiter gets
// a copy of this struct back, satisfying the "same token to all callers"
// property.
type refreshResult struct {
	AccessToken string
	ExpiresAt   time.Time
	ProfileArn  string
	Email       string
}

// GetAccessToken returns a valid access token for id. If the store's cached
// token is unexpired (minus skew) it is returned directly; otherwise exactly
// one refresh HTTP call is made per set of concurrent callers.
func (m *Manager) GetAccessToken(ctx context.Context, id int64) (string, error) {
	cred, ok := m.store.Get(id)
	if !ok {
		return "", fmt.Errorf("token: credential %d not found", id)
	}
	if cred.TokenValid(m.now(), DefaultSkew) {
		return cred.AccessToken, nil
	}

	key := strconv.FormatInt(id, 10)
	v, err, _ := m.group.Do(key, func() (any, error) {
		// Re-check after winning the flight: another goroutine may have
		// refreshed while we were waiting to be scheduled.
		fresh, ok := m.store.Get(id)
		if ok && fresh.TokenValid(m.now(), DefaultSkew) {
			return refreshResult{AccessToken: fresh.AccessToken, ExpiresAt: fresh.ExpiresAt, ProfileArn: fresh.ProfileArn, Email: fresh.Email}, nil
		}
		return m.doRefresh(ctx, fresh)
	})
	if err != nil {
		return "", err
	}
	res := v.(refreshResult)
	return res.AccessToken, nil
}

func (m *Manager) doRefresh(ctx context.Context, cred credstore.Credential) (refreshResult, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	var res refreshResult
	var err error
	switch cred.AuthMethod {
	case credstore.AuthMethodIDC:
		res, err = m.refreshIDC(ctx, cred)
	default:
		res, err = m.refreshSocial(ctx, cred)
	}
	if err != nil {
		return refreshResult{}, err
	}
	if storeErr := m.store.ReplaceTokens(cred.ID, res.AccessToken, res.ExpiresAt, res.ProfileArn, res.Email); storeErr != nil {
		return refreshResult{}, fmt.Errorf("token: persist refreshed token: %w", storeErr)
	}
	return res, nil
}

func (m *Manager) refreshSocial(ctx context.Context, cred credstore.Credential) (refreshResult, error) {
	body := map[string]string{
		"refresh_token": cred.RefreshToken,
		"client_id":     socialClientID,
		"client_secret": socialClientSecret,
	}
	url := m.endpoints.socialRefreshURL(cred)
	if m.testSocialURL != "" {
		url = m.testSocialURL
	}
	return m.postTokenRequest(ctx, url, body)
}

func (m *Manager) refreshIDC(ctx context.Context, cred credstore.Credential) (refreshResult, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": cred.RefreshToken,
		"client_id":     cred.ClientID,
		"client_secret": cred.ClientSecret,
	}
	return m.postTokenRequest(ctx, m.endpoints.idcRefreshURL(cred), body)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ProfileArn   string `json:"profileArn"`
	Email        string `json:"email"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (m *Manager) postTokenRequest(ctx context.Context, url string, body map[string]string) (refreshResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return refreshResult{}, fmt.Errorf("%w: encode request: %v", ErrRefreshError, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return refreshResult{}, fmt.Errorf("%w: build request: %v", ErrRefreshError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return refreshResult{}, fmt.Errorf("%w: %v", ErrRefreshTransient, err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		if resp.StatusCode >= 500 {
			return refreshResult{}, fmt.Errorf("%w: status %d", ErrRefreshTransient, resp.StatusCode)
		}
		return refreshResult{}, fmt.Errorf("%w: decode response: %v", ErrRefreshError, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		expiresAt := m.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
		if tr.ExpiresIn == 0 {
			if exp, ok := jwtExpiry(tr.AccessToken); ok {
				expiresAt = exp
			}
		}
		return refreshResult{
			AccessToken: tr.AccessToken,
			ExpiresAt:   expiresAt,
			ProfileArn:  tr.ProfileArn,
			Email:       tr.Email,
		}, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || tr.Error == "invalid_grant":
		return refreshResult{}, fmt.Errorf("%w: %s %s", ErrRefreshRejected, tr.Error, tr.ErrorDesc)
	case resp.StatusCode >= 500:
		return refreshResult{}, fmt.Errorf("%w: status %d", ErrRefreshTransient, resp.StatusCode)
	default:
		return refreshResult{}, fmt.Errorf("%w: status %d %s", ErrRefreshError, resp.StatusCode, tr.Error)
	}
}
