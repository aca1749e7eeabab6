// Package oauthclient performs OAuth2 authorization-code and refresh flows against mail providers.
package oauthclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/lexreach/golang_services/internal/core_domain"
)

var (
	gmailScopes   = []string{"https://www.googleapis.com/auth/gmail.send", "openid", "email"}
	outlookScopes = []string{"https://graph.microsoft.com/Mail.Send", "offline_access", "openid", "email"}
	smtpScopes    = []string{"https://mail.google.com/", "openid", "email"}
)

const (
	googleUserInfoURL    = "https://openidconnect.googleapis.com/v1/userinfo"
	microsoftUserInfoURL = "https://graph.microsoft.com/oidc/userinfo"
)

// Settings configures one provider's OAuth application.
type Settings struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string // overrides the provider's default endpoint when set
	TokenURL     string
	Tenant       string // Outlook only
	UserInfoURL  string
}

// Client wraps an oauth2.Config for one provider.
type Client struct {
	provider    core_domain.Provider
	cfg         oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

// New builds a client for provider with its well-known endpoints and scopes.
func New(provider core_domain.Provider, s Settings, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{
		provider:   provider,
		httpClient: httpClient,
		cfg: oauth2.Config{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			RedirectURL:  s.RedirectURL,
		},
		userInfoURL: s.UserInfoURL,
	}
	switch provider {
	case core_domain.ProviderGmail:
		c.cfg.Endpoint = endpoints.Google
		c.cfg.Scopes = gmailScopes
		if c.userInfoURL == "" {
			c.userInfoURL = googleUserInfoURL
		}
	case core_domain.ProviderOutlook:
		tenant := s.Tenant
		if tenant == "" {
			tenant = "common"
		}
		c.cfg.Endpoint = endpoints.AzureAD(tenant)
		c.cfg.Scopes = outlookScopes
		if c.userInfoURL == "" {
			c.userInfoURL = microsoftUserInfoURL
		}
	case core_domain.ProviderSMTP:
		c.cfg.Endpoint = endpoints.Google
		c.cfg.Scopes = smtpScopes
	default:
		return nil, fmt.Errorf("%w: no oauth flow for %s", core_domain.ErrUnknownProvider, provider)
	}
	if s.AuthURL != "" {
		c.cfg.Endpoint.AuthURL = s.AuthURL
	}
	if s.TokenURL != "" {
		c.cfg.Endpoint.TokenURL = s.TokenURL
	}
	return c, nil
}

func (c *Client) Provider() core_domain.Provider { return c.provider }

// AuthCodeURL returns the consent URL. Offline access is requested so a refresh token is issued.
func (c *Client) AuthCodeURL(state string) string {
	return c.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return c.cfg.Exchange(c.withHTTPClient(ctx), code)
}

// Refresh redeems refreshToken for a new access token. Errors from the token
// endpoint are *oauth2.RetrieveError.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := c.cfg.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

// AccountEmail reads the mailbox address from the provider's OIDC userinfo endpoint.
// It returns "" when no userinfo endpoint is configured.
func (c *Client) AccountEmail(ctx context.Context, accessToken string) (string, error) {
	if c.userInfoURL == "" {
		return "", nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}
	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode userinfo: %w", err)
	}
	return info.Email, nil
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}
