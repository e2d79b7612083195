package broker

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tokenvault/internal/autherr"
	"github.com/tyemirov/tokenvault/internal/idp"
)

const validatedTokenKey = "validated_token"

// BearerToken extracts the credentials of an "Authorization: Bearer" header.
func BearerToken(authorization string) (string, error) {
	if err := autherr.Require(strings.TrimSpace(authorization) != "",
		autherr.New(autherr.KindUnauthorized, "Authorization header is required")); err != nil {
		return "", err
	}
	scheme, credentials, _ := strings.Cut(strings.TrimSpace(authorization), " ")
	if err := autherr.Require(strings.EqualFold(scheme, "bearer"),
		autherr.New(autherr.KindUnauthorized, "Invalid authentication scheme. Expected: Bearer")); err != nil {
		return "", err
	}
	credentials = strings.TrimSpace(credentials)
	if err := autherr.Require(credentials != "",
		autherr.New(autherr.KindUnauthorized, "Authorization header is required")); err != nil {
		return "", err
	}
	return credentials, nil
}

// Authenticate introspects the bearer token and requires an active token carrying both
// subject and session claims.
func (broker *Broker) Authenticate(ctx context.Context, authorization string) (ValidatedToken, error) {
	bearer, err := BearerToken(authorization)
	if err != nil {
		return ValidatedToken{}, err
	}
	introspection, err := broker.provider.Introspect(ctx, bearer)
	if err != nil {
		return ValidatedToken{}, err
	}
	introspection, err = autherr.Check(introspection, func(candidate idp.Introspection) bool {
		return !candidate.Active
	}, autherr.New(autherr.KindTokenNotActive, "Token is not active"))
	if err != nil {
		broker.metrics.Increment(eventBearerRejected)
		return ValidatedToken{}, err
	}
	if err := autherr.Require(introspection.Subject != "",
		autherr.New(autherr.KindInvalidRequest, "Token missing required claim: sub")); err != nil {
		return ValidatedToken{}, err
	}
	if err := autherr.Require(introspection.SessionStateID() != "",
		autherr.New(autherr.KindInvalidRequest, "Token missing required claim: session_state")); err != nil {
		return ValidatedToken{}, err
	}
	return ValidatedToken{
		UserID:         introspection.Subject,
		SessionStateID: introspection.SessionStateID(),
		AccessToken:    bearer,
	}, nil
}

// RequireBearer authenticates the request and stores the ValidatedToken in the context.
func RequireBearer(broker *Broker) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		validated, err := broker.Authenticate(contextGin.Request.Context(), contextGin.GetHeader("Authorization"))
		if err != nil {
			broker.renderError(contextGin, err)
			return
		}
		contextGin.Set(validatedTokenKey, validated)
		contextGin.Next()
	}
}

// ValidatedTokenFrom returns the token stored by RequireBearer.
func ValidatedTokenFrom(contextGin *gin.Context) (ValidatedToken, bool) {
	value, exists := contextGin.Get(validatedTokenKey)
	if !exists {
		return ValidatedToken{}, false
	}
	validated, ok := value.(ValidatedToken)
	return validated, ok
}
