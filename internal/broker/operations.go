package broker

import (
	"context"

	"github.com/google/uuid"
	"github.com/tyemirov/tokenvault/internal/autherr"
	"github.com/tyemirov/tokenvault/internal/idp"
	"github.com/tyemirov/tokenvault/internal/vault"
	"go.uber.org/zap"
)

const (
	eventConsentIssued    = "consent.issued"
	eventConsentCompleted = "consent.completed"
	eventOfflineMinted    = "offline.minted"
	eventOfflineRevoked   = "offline.revoked"
	eventSessionRevoked   = "session.revoked"
	eventRefreshStored    = "refresh.stored"
	eventRefreshMinted    = "refresh.minted"
	eventRefreshRotated   = "refresh.rotated"
	eventAccessTokenIssue = "access_token.issued"
	eventBearerValidated  = "bearer.validated"
	eventBearerRejected   = "bearer.rejected"
	eventDuplicateToken   = "vault.duplicate_token"
)

// IssueConsentURL starts the offline-access consent flow for the caller's session.
func (broker *Broker) IssueConsentURL(ctx context.Context, caller ValidatedToken) (ConsentRequest, error) {
	state, err := broker.stateTokens.Make(caller.UserID, caller.SessionStateID)
	if err != nil {
		return ConsentRequest{}, autherr.Rewrap(err, autherr.KeepKind, "Could not create ack state")
	}
	broker.metrics.Increment(eventConsentIssued)
	return ConsentRequest{
		ConsentURL:     broker.provider.ConsentURL(state, broker.newNonce()),
		SessionStateID: caller.SessionStateID,
		Message:        "Please visit the consent URL to authorize offline access",
	}, nil
}

// ConsumeConsentCallback redeems the authorization code and stores the offline token
// under the user and session carried by the state token.
func (broker *Broker) ConsumeConsentCallback(ctx context.Context, params CallbackParams) (OfflineTokenResult, error) {
	if params.Error != "" || params.ErrorDescription != "" {
		message := params.Error
		if message == "" {
			message = params.ErrorDescription
		}
		return OfflineTokenResult{}, autherr.New(autherr.KindIdPCallback, message).
			WithDetails(map[string]any{"error": params.Error, "error_description": params.ErrorDescription})
	}
	if err := autherr.Require(params.State != "", autherr.New(autherr.KindValidation, "Query parameter state is required")); err != nil {
		return OfflineTokenResult{}, err
	}
	if err := autherr.Require(params.Code != "", autherr.New(autherr.KindValidation, "Query parameter code is required")); err != nil {
		return OfflineTokenResult{}, err
	}

	payload, err := broker.stateTokens.Parse(params.State)
	if err != nil {
		return OfflineTokenResult{}, autherr.Rewrap(err, autherr.KeepKind, "Ack state was tampered")
	}

	tokenSet, err := autherr.Shield(autherr.KeepKind, "Could not generate offline token", func() (idp.TokenSet, error) {
		return broker.provider.ExchangeCode(ctx, params.Code)
	})
	if err != nil {
		return OfflineTokenResult{}, err
	}
	tokenSet, err = requireRefreshToken(tokenSet, "No refresh token received from the identity provider")
	if err != nil {
		return OfflineTokenResult{}, err
	}

	entry, err := broker.vault.Store(ctx, payload.UserID, tokenSet.RefreshToken, vault.TokenTypeOffline, payload.SessionStateID, nil)
	if err != nil {
		return OfflineTokenResult{}, err
	}
	broker.metrics.Increment(eventConsentCompleted)
	broker.logger.Info("offline.consent.stored",
		zap.String("user_id", payload.UserID),
		zap.String("persistent_token_id", entry.ID.String()),
	)
	return OfflineTokenResult{PersistentTokenID: entry.ID, SessionStateID: payload.SessionStateID}, nil
}

// MintOfflineToken derives a new offline token from the newest one stored for the
// caller's session, without another consent round.
func (broker *Broker) MintOfflineToken(ctx context.Context, caller ValidatedToken) (OfflineTokenResult, error) {
	source, sourceToken, err := broker.vault.RetrieveOrRaiseBySession(ctx, caller.SessionStateID, vault.TokenTypeOffline)
	if err != nil {
		return OfflineTokenResult{}, autherr.Rewrap(err, autherr.KeepKind, "No offline token was found to generate a new one")
	}

	tokenSet, err := autherr.Shield(autherr.KeepKind, "Identity provider failed to generate a new offline token", func() (idp.TokenSet, error) {
		return broker.provider.RequestOfflineToken(ctx, sourceToken)
	})
	if err != nil {
		return OfflineTokenResult{}, err
	}
	tokenSet, err = requireRefreshToken(tokenSet, "Could not generate new token")
	if err != nil {
		return OfflineTokenResult{}, err
	}

	sessionStateID := firstNonEmpty(tokenSet.SessionState, source.SessionStateID)
	entry, err := broker.vault.Store(ctx, caller.UserID, tokenSet.RefreshToken, vault.TokenTypeOffline, sessionStateID,
		vault.Attributes{"from": source.ID.String()})
	if err != nil {
		return OfflineTokenResult{}, err
	}
	broker.metrics.Increment(eventOfflineMinted)
	return OfflineTokenResult{PersistentTokenID: entry.ID, SessionStateID: entry.SessionStateID}, nil
}

// RevokeOfflineToken deletes the vault row and revokes the provider session once no other
// offline token references it.
func (broker *Broker) RevokeOfflineToken(ctx context.Context, entryID uuid.UUID) (RevocationResult, error) {
	entry, _, err := broker.vault.RetrieveAndDecrypt(ctx, entryID)
	if err != nil {
		return RevocationResult{}, autherr.Rewrap(err, autherr.KindNotFound, "No offline token was found")
	}
	if err := autherr.Require(entry.TokenType == vault.TokenTypeOffline,
		autherr.New(autherr.KindNotFound, "No offline token was found")); err != nil {
		return RevocationResult{}, err
	}

	deleted, err := broker.vault.Delete(ctx, entry.ID)
	if err != nil {
		return RevocationResult{}, autherr.Rewrap(err, autherr.KindDatabase, "Delete operation failed")
	}

	hadSharedSession, err := broker.vault.CheckSharedSession(ctx, entry.SessionStateID, entry.ID, vault.TokenTypeOffline)
	if err != nil {
		return RevocationResult{}, autherr.Rewrap(err, autherr.KindIdP, "Revoke session "+entry.SessionStateID+" for token "+entry.ID.String()+" failed")
	}
	sessionRevoked := false
	if !hadSharedSession {
		if err := broker.provider.RevokeSession(ctx, entry.SessionStateID); err != nil {
			return RevocationResult{}, autherr.Rewrap(err, autherr.KindIdP, "Revoke session "+entry.SessionStateID+" for token "+entry.ID.String()+" failed")
		}
		sessionRevoked = true
		broker.metrics.Increment(eventSessionRevoked)
	}
	broker.metrics.Increment(eventOfflineRevoked)
	broker.logger.Info("offline.revoked",
		zap.String("persistent_token_id", entry.ID.String()),
		zap.Bool("session_revoked", sessionRevoked),
		zap.Bool("had_shared_session", hadSharedSession),
	)
	return RevocationResult{
		Message:           "Offline token revoked successfully",
		PersistentTokenID: entry.ID,
		TokenDeleted:      deleted,
		SessionRevoked:    sessionRevoked,
		HadSharedSession:  hadSharedSession,
	}, nil
}

// StoreRefreshToken saves a caller-supplied refresh token as the caller's single refresh row.
func (broker *Broker) StoreRefreshToken(ctx context.Context, caller ValidatedToken, refreshToken string) (RefreshTokenIDResult, error) {
	if err := autherr.Require(refreshToken != "", autherr.New(autherr.KindValidation, "refresh_token is required")); err != nil {
		return RefreshTokenIDResult{}, err
	}
	entryID, err := broker.vault.UpsertRefresh(ctx, caller.UserID, refreshToken, caller.SessionStateID, nil)
	if err != nil {
		return RefreshTokenIDResult{}, autherr.Rewrap(err, autherr.KindDatabase, "Inserting new refresh token failed")
	}
	broker.warnOnDuplicate(ctx, refreshToken, entryID)
	broker.metrics.Increment(eventRefreshStored)
	return RefreshTokenIDResult{PersistentTokenID: entryID}, nil
}

// MintRefreshTokenID refreshes the caller's stored refresh token with the provider and
// keeps the rotated token in the same row.
func (broker *Broker) MintRefreshTokenID(ctx context.Context, caller ValidatedToken) (RefreshTokenIDResult, error) {
	_, storedToken, err := broker.vault.RetrieveOrRaiseBySession(ctx, caller.SessionStateID, vault.TokenTypeRefresh)
	if err != nil {
		return RefreshTokenIDResult{}, autherr.Rewrap(err, autherr.KeepKind, "No refresh token was found with this session")
	}

	tokenSet, err := autherr.Shield(autherr.KeepKind, "Could not refresh the stored refresh token", func() (idp.TokenSet, error) {
		return broker.provider.RefreshAccessToken(ctx, storedToken)
	})
	if err != nil {
		return RefreshTokenIDResult{}, err
	}
	tokenSet, err = requireRefreshToken(tokenSet, "No refresh token was generated")
	if err != nil {
		return RefreshTokenIDResult{}, err
	}

	entryID, err := broker.vault.UpsertRefresh(ctx, caller.UserID, tokenSet.RefreshToken,
		firstNonEmpty(tokenSet.SessionState, caller.SessionStateID),
		vault.Attributes{"session_id": caller.SessionStateID})
	if err != nil {
		return RefreshTokenIDResult{}, err
	}
	broker.metrics.Increment(eventRefreshMinted)
	return RefreshTokenIDResult{PersistentTokenID: entryID}, nil
}

// FetchAccessToken trades the stored token behind entryID for a fresh access token. A
// rotated refresh token replaces the stored one for refresh rows.
func (broker *Broker) FetchAccessToken(ctx context.Context, entryID uuid.UUID) (AccessTokenResult, error) {
	entry, storedToken, err := broker.vault.RetrieveAndDecrypt(ctx, entryID)
	if err != nil {
		return AccessTokenResult{}, autherr.Rewrap(err, autherr.KeepKind, "No data found for this persistent token id")
	}

	tokenSet, err := autherr.Shield(autherr.KeepKind, "Could not generate new access token", func() (idp.TokenSet, error) {
		return broker.provider.RefreshAccessToken(ctx, storedToken)
	})
	if err != nil {
		return AccessTokenResult{}, err
	}

	if entry.TokenType == vault.TokenTypeRefresh && tokenSet.RefreshToken != "" && tokenSet.RefreshToken != storedToken {
		_, err := broker.vault.UpsertRefresh(ctx, entry.UserID, tokenSet.RefreshToken,
			firstNonEmpty(tokenSet.SessionState, entry.SessionStateID), entry.Attributes)
		if err != nil {
			return AccessTokenResult{}, err
		}
		broker.metrics.Increment(eventRefreshRotated)
	}
	broker.metrics.Increment(eventAccessTokenIssue)
	return AccessTokenResult{AccessToken: tokenSet.AccessToken, ExpiresIn: tokenSet.ExpiresIn}, nil
}

// ValidateBearer reports whether the bearer token passes the same gate as every
// authenticated route: active, with both subject and session claims.
func (broker *Broker) ValidateBearer(ctx context.Context, authorization string) (ValidationResult, error) {
	if _, err := broker.Authenticate(ctx, authorization); err != nil {
		return ValidationResult{}, err
	}
	broker.metrics.Increment(eventBearerValidated)
	return ValidationResult{Valid: true}, nil
}

func (broker *Broker) warnOnDuplicate(ctx context.Context, token string, entryID uuid.UUID) {
	duplicate, err := broker.vault.IsDuplicate(ctx, token, entryID)
	if err != nil {
		broker.logger.Warn("vault.duplicate_check.failed", zap.Error(err))
		return
	}
	if duplicate {
		broker.metrics.Increment(eventDuplicateToken)
		broker.logger.Warn("vault.duplicate_token", zap.String("persistent_token_id", entryID.String()))
	}
}

func requireRefreshToken(tokenSet idp.TokenSet, message string) (idp.TokenSet, error) {
	return autherr.Check(tokenSet, func(candidate idp.TokenSet) bool {
		return candidate.RefreshToken == ""
	}, autherr.New(autherr.KindIdP, message))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
