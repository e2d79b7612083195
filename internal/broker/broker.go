// Package broker orchestrates the vault, the identity provider and the state-token
// service into the operations exposed over HTTP.
package broker

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/tyemirov/tokenvault/internal/ackstate"
	"github.com/tyemirov/tokenvault/internal/idp"
	"github.com/tyemirov/tokenvault/internal/vault"
	"go.uber.org/zap"
)

var (
	errMissingVault    = errors.New("broker.missing_vault")
	errMissingProvider = errors.New("broker.missing_identity_provider")
	errMissingState    = errors.New("broker.missing_state_tokens")
)

// IdentityProvider is the subset of the IdP gateway the broker drives.
type IdentityProvider interface {
	ConsentURL(state string, nonce string) string
	ExchangeCode(ctx context.Context, code string) (idp.TokenSet, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (idp.TokenSet, error)
	RequestOfflineToken(ctx context.Context, offlineToken string) (idp.TokenSet, error)
	Introspect(ctx context.Context, accessToken string) (idp.Introspection, error)
	RevokeSession(ctx context.Context, sessionID string) error
}

// StateTokens signs and verifies consent correlation tokens.
type StateTokens interface {
	Make(userID string, sessionStateID string) (string, error)
	Parse(token string) (ackstate.Payload, error)
}

// ValidatedToken is the caller identity established by introspection.
type ValidatedToken struct {
	UserID         string
	SessionStateID string
	AccessToken    string
}

// Dependencies are the collaborators a Broker is built from.
type Dependencies struct {
	Vault       *vault.Service
	Provider    IdentityProvider
	StateTokens StateTokens
	Metrics     MetricsRecorder
	Logger      *zap.Logger
	NewNonce    func() string
}

// Broker implements the token lifecycle operations. Every error it returns is an
// *autherr.Error.
type Broker struct {
	vault       *vault.Service
	provider    IdentityProvider
	stateTokens StateTokens
	metrics     MetricsRecorder
	logger      *zap.Logger
	newNonce    func() string
}

// New validates dependencies and builds a Broker.
func New(dependencies Dependencies) (*Broker, error) {
	switch {
	case dependencies.Vault == nil:
		return nil, errMissingVault
	case dependencies.Provider == nil:
		return nil, errMissingProvider
	case dependencies.StateTokens == nil:
		return nil, errMissingState
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newNonce := dependencies.NewNonce
	if newNonce == nil {
		newNonce = idp.NewNonce
	}
	return &Broker{
		vault:       dependencies.Vault,
		provider:    dependencies.Provider,
		stateTokens: dependencies.StateTokens,
		metrics:     metrics,
		logger:      logger,
		newNonce:    newNonce,
	}, nil
}

// ConsentRequest is returned when a consent flow starts.
type ConsentRequest struct {
	ConsentURL     string `json:"consent_url"`
	SessionStateID string `json:"session_state_id"`
	Message        string `json:"message"`
}

// CallbackParams are the query parameters of the consent callback.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// OfflineTokenResult identifies a stored offline token.
type OfflineTokenResult struct {
	PersistentTokenID uuid.UUID `json:"persistent_token_id"`
	SessionStateID    string    `json:"session_state_id"`
}

// RevocationResult reports what revoking an offline token did.
type RevocationResult struct {
	Message           string    `json:"message"`
	PersistentTokenID uuid.UUID `json:"persistent_token_id"`
	TokenDeleted      bool      `json:"token_deleted"`
	SessionRevoked    bool      `json:"session_revoked"`
	HadSharedSession  bool      `json:"had_shared_session"`
}

// RefreshTokenIDResult identifies the user's refresh token row.
type RefreshTokenIDResult struct {
	PersistentTokenID uuid.UUID `json:"persistent_token_id"`
}

// AccessTokenResult is a freshly minted access token.
type AccessTokenResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ValidationResult is the outcome of bearer validation.
type ValidationResult struct {
	Valid bool `json:"valid"`
}
