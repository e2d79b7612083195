// Package bearervalidator lets other services accept a bearer token only after the token
// vault has confirmed it with the identity provider.
package bearervalidator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	// BaseURL is the vault's root, e.g. https://vault.internal.
	BaseURL    string
	HTTPClient *http.Client
	// CacheTTL keeps positive answers for this long. Zero disables caching.
	CacheTTL time.Duration
	Clock    Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "bearer_token"

const validatePath = "/v1/validate-token"

const defaultRequestTimeout = 10 * time.Second

// Sentinel errors exposed by the validator.
var (
	ErrMissingBaseURL = errors.New("bearer.validator.missing_base_url")
	ErrMissingToken   = errors.New("bearer.validator.missing_token")
	ErrInvalidScheme  = errors.New("bearer.validator.invalid_scheme")
	ErrTokenRejected  = errors.New("bearer.validator.rejected")
	ErrUnavailable    = errors.New("bearer.validator.unavailable")
)

// Validator asks the vault whether bearer tokens are active.
type Validator struct {
	endpoint       string
	httpClient     *http.Client
	requestTimeout time.Duration
	cacheTTL       time.Duration
	clock          Clock

	mutex    sync.Mutex
	accepted map[string]time.Time
	inflight singleflight.Group
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("bearer.validator.new: %w", ErrMissingBaseURL)
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("bearer.validator.new: %w", ErrMissingBaseURL)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	requestTimeout := httpClient.Timeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		endpoint:       baseURL + validatePath,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		cacheTTL:       configuration.CacheTTL,
		clock:          clock,
		accepted:       make(map[string]time.Time),
	}, nil
}

// ValidateToken returns nil when the vault reports the token as active.
func (validator *Validator) ValidateToken(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("bearer.validator.validate_token: %w", ErrMissingToken)
	}
	cacheKey := fingerprint(token)
	if validator.cached(cacheKey) {
		return nil
	}
	// The shared call outlives any single caller; each caller still honours its own ctx.
	shared := validator.inflight.DoChan(cacheKey, func() (any, error) {
		askCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), validator.requestTimeout)
		defer cancel()
		return nil, validator.ask(askCtx, token)
	})
	select {
	case <-ctx.Done():
		return fmt.Errorf("bearer.validator.validate_token: %w", ctx.Err())
	case result := <-shared:
		if result.Err != nil {
			return result.Err
		}
	}
	validator.remember(cacheKey)
	return nil
}

// ValidateRequest reads the Authorization header from the request and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (string, error) {
	if request == nil {
		return "", fmt.Errorf("bearer.validator.validate_request: %w", ErrMissingToken)
	}
	token, err := bearerFromHeader(request.Header.Get("Authorization"))
	if err != nil {
		return "", err
	}
	if err := validator.ValidateToken(request.Context(), token); err != nil {
		return "", err
	}
	return token, nil
}

// GinMiddleware rejects requests whose bearer token the vault does not accept and stores
// the token under contextKey otherwise. An unreachable vault yields 503.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		token, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				contextGin.AbortWithStatus(http.StatusServiceUnavailable)
				return
			}
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, token)
		contextGin.Next()
	}
}

func (validator *Validator) ask(ctx context.Context, token string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, validator.endpoint, nil)
	if err != nil {
		return fmt.Errorf("bearer.validator.request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")

	response, err := validator.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("bearer.validator.request: %w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("bearer.validator.request: %w: status %d", ErrUnavailable, response.StatusCode)
	default:
		return fmt.Errorf("bearer.validator.request: %w: status %d", ErrTokenRejected, response.StatusCode)
	}

	var envelope struct {
		Data struct {
			Valid bool `json:"valid"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, 1<<16)).Decode(&envelope); err != nil {
		return fmt.Errorf("bearer.validator.decode: %w: %v", ErrUnavailable, err)
	}
	if !envelope.Data.Valid {
		return fmt.Errorf("bearer.validator.request: %w", ErrTokenRejected)
	}
	return nil
}

func (validator *Validator) cached(cacheKey string) bool {
	if validator.cacheTTL <= 0 {
		return false
	}
	validator.mutex.Lock()
	defer validator.mutex.Unlock()
	expiresAt, ok := validator.accepted[cacheKey]
	if !ok {
		return false
	}
	if !validator.clock.Now().Before(expiresAt) {
		delete(validator.accepted, cacheKey)
		return false
	}
	return true
}

func (validator *Validator) remember(cacheKey string) {
	if validator.cacheTTL <= 0 {
		return
	}
	validator.mutex.Lock()
	defer validator.mutex.Unlock()
	validator.accepted[cacheKey] = validator.clock.Now().Add(validator.cacheTTL)
}

func bearerFromHeader(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", fmt.Errorf("bearer.validator.validate_request: %w", ErrMissingToken)
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("bearer.validator.validate_request: %w", ErrInvalidScheme)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("bearer.validator.validate_request: %w", ErrMissingToken)
	}
	return token, nil
}

func fingerprint(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
