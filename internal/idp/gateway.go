// Package idp talks to the OIDC identity provider: authorization-code and refresh grants,
// token introspection, and administrative session revocation.
package idp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/tyemirov/tokenvault/internal/autherr"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTimeout bounds every outbound provider call.
const DefaultTimeout = 30 * time.Second

// ConsentScopes are requested on the offline-access consent screen.
var ConsentScopes = []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess}

var (
	errMissingIssuer      = errors.New("idp.config.missing_issuer")
	errMissingRealm       = errors.New("idp.config.missing_realm")
	errMissingClientID    = errors.New("idp.config.missing_client_id")
	errMissingRedirectURI = errors.New("idp.config.missing_consent_redirect_uri")
)

const maxErrorBodyBytes = 4096

// Config configures a Gateway.
type Config struct {
	Issuer             string
	Realm              string
	ClientID           string
	ClientSecret       string
	ConsentRedirectURI string
	Timeout            time.Duration
	// Discovery resolves endpoints from the realm's well-known document at startup
	// instead of the fixed Keycloak layout.
	Discovery  bool
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Endpoints are the provider URLs the gateway calls.
type Endpoints struct {
	Authorization string
	Token         string
	Introspection string
	AdminSessions string
}

// KeycloakEndpoints derives the endpoint layout of a Keycloak realm.
func KeycloakEndpoints(issuer string, realm string) Endpoints {
	base := strings.TrimRight(issuer, "/")
	realmBase := base + "/realms/" + url.PathEscape(realm) + "/protocol/openid-connect"
	return Endpoints{
		Authorization: realmBase + "/auth",
		Token:         realmBase + "/token",
		Introspection: realmBase + "/token/introspect",
		AdminSessions: base + "/admin/realms/" + url.PathEscape(realm) + "/sessions",
	}
}

// Gateway is the single client of the identity provider. All clients are built in
// NewGateway and shared by every request.
type Gateway struct {
	oauthConfig      *oauth2.Config
	adminCredentials *clientcredentials.Config
	endpoints        Endpoints
	httpClient       *http.Client
	clientID         string
	clientSecret     string
	logger           *zap.Logger
	now              func() time.Time
}

// NewGateway validates config and builds the provider clients.
func NewGateway(ctx context.Context, config Config) (*Gateway, error) {
	switch {
	case strings.TrimSpace(config.Issuer) == "":
		return nil, errMissingIssuer
	case strings.TrimSpace(config.Realm) == "":
		return nil, errMissingRealm
	case strings.TrimSpace(config.ClientID) == "":
		return nil, errMissingClientID
	case strings.TrimSpace(config.ConsentRedirectURI) == "":
		return nil, errMissingRedirectURI
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoints := KeycloakEndpoints(config.Issuer, config.Realm)
	if config.Discovery {
		discovered, err := discoverEndpoints(ctx, httpClient, config.Issuer, config.Realm)
		if err != nil {
			return nil, err
		}
		endpoints = discovered
	}

	return &Gateway{
		oauthConfig: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.ConsentRedirectURI,
			Scopes:       ConsentScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   endpoints.Authorization,
				TokenURL:  endpoints.Token,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		adminCredentials: &clientcredentials.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			TokenURL:     endpoints.Token,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		endpoints:    endpoints,
		httpClient:   httpClient,
		clientID:     config.ClientID,
		clientSecret: config.ClientSecret,
		logger:       logger,
		now:          time.Now,
	}, nil
}

type discoveryClaims struct {
	IntrospectionEndpoint string `json:"introspection_endpoint"`
}

func discoverEndpoints(ctx context.Context, httpClient *http.Client, issuer string, realm string) (Endpoints, error) {
	realmIssuer := strings.TrimRight(issuer, "/") + "/realms/" + url.PathEscape(realm)
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), realmIssuer)
	if err != nil {
		return Endpoints{}, fmt.Errorf("idp.discovery: %w", err)
	}
	var claims discoveryClaims
	if err := provider.Claims(&claims); err != nil {
		return Endpoints{}, fmt.Errorf("idp.discovery.claims: %w", err)
	}
	endpoints := KeycloakEndpoints(issuer, realm)
	providerEndpoint := provider.Endpoint()
	endpoints.Authorization = providerEndpoint.AuthURL
	endpoints.Token = providerEndpoint.TokenURL
	if claims.IntrospectionEndpoint != "" {
		endpoints.Introspection = claims.IntrospectionEndpoint
	}
	return endpoints, nil
}

// Endpoints reports the resolved provider URLs.
func (gateway *Gateway) Endpoints() Endpoints {
	return gateway.endpoints
}

// ConsentRedirectURI is where the provider sends the user after consent.
func (gateway *Gateway) ConsentRedirectURI() string {
	return gateway.oauthConfig.RedirectURL
}

// ConsentURL builds the authorization URL for the offline-access consent screen.
func (gateway *Gateway) ConsentURL(state string, nonce string) string {
	return gateway.oauthConfig.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce))
}

// NewNonce returns a random OIDC nonce.
func NewNonce() string {
	return rand.Text()
}

// ExchangeCode redeems an authorization code from the consent callback.
func (gateway *Gateway) ExchangeCode(ctx context.Context, code string) (TokenSet, error) {
	started := gateway.now()
	token, err := gateway.oauthConfig.Exchange(gateway.clientContext(ctx), code)
	gateway.observe("exchange_code", started, err)
	if err != nil {
		return TokenSet{}, providerFailure("Code exchange failed", err)
	}
	return tokenSetFrom(token, gateway.now()), nil
}

// RefreshAccessToken runs the refresh_token grant for an online refresh token.
func (gateway *Gateway) RefreshAccessToken(ctx context.Context, refreshToken string) (TokenSet, error) {
	return gateway.refresh(ctx, "refresh_access_token", "Token refresh failed", refreshToken)
}

// RequestOfflineToken runs the refresh_token grant with an offline token to obtain a new one.
func (gateway *Gateway) RequestOfflineToken(ctx context.Context, offlineToken string) (TokenSet, error) {
	return gateway.refresh(ctx, "request_offline_token", "Offline token request failed", offlineToken)
}

func (gateway *Gateway) refresh(ctx context.Context, operation string, failureMessage string, refreshToken string) (TokenSet, error) {
	started := gateway.now()
	source := gateway.oauthConfig.TokenSource(gateway.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	gateway.observe(operation, started, err)
	if err != nil {
		return TokenSet{}, providerFailure(failureMessage, err)
	}
	return tokenSetFrom(token, gateway.now()), nil
}

// Introspect asks the provider whether accessToken is active.
func (gateway *Gateway) Introspect(ctx context.Context, accessToken string) (Introspection, error) {
	started := gateway.now()
	form := url.Values{"token": {accessToken}}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, gateway.endpoints.Introspection, strings.NewReader(form.Encode()))
	if err != nil {
		return Introspection{}, autherr.Wrap(err, autherr.KindIdP, "Token introspection failed")
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")
	request.SetBasicAuth(url.QueryEscape(gateway.clientID), url.QueryEscape(gateway.clientSecret))

	response, err := gateway.httpClient.Do(request)
	if err != nil {
		gateway.observe("introspect", started, err)
		return Introspection{}, autherr.Wrap(err, autherr.KindIdP, "Token introspection failed")
	}
	defer response.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if readErr != nil {
		gateway.observe("introspect", started, readErr)
		return Introspection{}, autherr.Wrap(readErr, autherr.KindIdP, "Token introspection failed")
	}
	if response.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("idp.introspect.status_%d", response.StatusCode)
		gateway.observe("introspect", started, statusErr)
		return Introspection{}, autherr.Wrap(statusErr, autherr.KindIdP, "Token introspection failed").
			WithDetails(responseDetails(response.StatusCode, body))
	}
	var introspection Introspection
	if err := json.Unmarshal(body, &introspection); err != nil {
		gateway.observe("introspect", started, err)
		return Introspection{}, autherr.Wrap(err, autherr.KindIdP, "Token introspection failed").
			WithDetails(responseDetails(response.StatusCode, body))
	}
	gateway.observe("introspect", started, nil)
	return introspection, nil
}

// RevokeSession deletes the provider session, offline tokens included, using a
// client_credentials admin token. A session the provider no longer knows counts as revoked.
func (gateway *Gateway) RevokeSession(ctx context.Context, sessionID string) error {
	started := gateway.now()
	adminToken, err := gateway.adminCredentials.Token(gateway.clientContext(ctx))
	if err != nil {
		gateway.observe("admin_token", started, err)
		return providerFailure("Admin token request failed", err)
	}

	target := gateway.endpoints.AdminSessions + "/" + url.PathEscape(sessionID) + "?isOffline=true"
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return autherr.Wrap(err, autherr.KindIdP, "Session revocation failed")
	}
	adminToken.SetAuthHeader(request)

	response, err := gateway.httpClient.Do(request)
	if err != nil {
		gateway.observe("revoke_session", started, err)
		return autherr.Wrap(err, autherr.KindIdP, "Session revocation failed")
	}
	defer response.Body.Close()
	switch response.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		gateway.observe("revoke_session", started, nil)
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		statusErr := fmt.Errorf("idp.revoke_session.status_%d", response.StatusCode)
		gateway.observe("revoke_session", started, statusErr)
		return autherr.Wrap(statusErr, autherr.KindIdP, "Session revocation failed").
			WithDetails(responseDetails(response.StatusCode, body))
	}
}

func (gateway *Gateway) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, gateway.httpClient)
}

func (gateway *Gateway) observe(operation string, started time.Time, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.Duration("elapsed", gateway.now().Sub(started)),
	}
	if err != nil {
		gateway.logger.Warn("idp.call.failed", append(fields, zap.Error(err))...)
		return
	}
	gateway.logger.Debug("idp.call", fields...)
}

func providerFailure(message string, err error) error {
	failure := autherr.Wrap(err, autherr.KindIdP, message)
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		details := responseDetails(status, retrieveErr.Body)
		if retrieveErr.ErrorCode != "" {
			details["error"] = retrieveErr.ErrorCode
		}
		return failure.WithDetails(details)
	}
	return failure
}

func responseDetails(status int, body []byte) map[string]any {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return map[string]any{"status": status, "body": string(body)}
}
