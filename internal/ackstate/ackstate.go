// Package ackstate signs and verifies the stateless token that correlates a consent
// redirect with the user and IdP session that started it.
package ackstate

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tokenvault/internal/autherr"
)

// DefaultTTL is the nominal lifetime written into every state token.
const DefaultTTL = 600 * time.Second

var errEmptySecret = errors.New("ackstate.empty_secret")

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures a Service.
type Config struct {
	Secret []byte
	TTL    time.Duration
	// EnforceExpiry rejects tokens past exp. Off by default: a consent screen may be
	// completed after the nominal TTL.
	EnforceExpiry bool
	Clock         Clock
}

// Payload is what a verified state token carries.
type Payload struct {
	UserID         string
	SessionStateID string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

type stateClaims struct {
	UserID         string `json:"user_id"`
	SessionStateID string `json:"session_state_id"`
	jwt.RegisteredClaims
}

// Service mints and parses HS256 state tokens with a single secret.
type Service struct {
	secret        []byte
	ttl           time.Duration
	enforceExpiry bool
	clock         Clock
}

// NewService validates config and builds a Service.
func NewService(config Config) (*Service, error) {
	if len(config.Secret) == 0 {
		return nil, errEmptySecret
	}
	ttl := config.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := config.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Service{
		secret:        config.Secret,
		ttl:           ttl,
		enforceExpiry: config.EnforceExpiry,
		clock:         clock,
	}, nil
}

// Make signs a state token binding userID to sessionStateID.
func (service *Service) Make(userID string, sessionStateID string) (string, error) {
	issuedAt := service.clock.Now().UTC().Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		UserID:         userID,
		SessionStateID: sessionStateID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(service.ttl)),
		},
	})
	signed, err := token.SignedString(service.secret)
	if err != nil {
		return "", autherr.Wrap(err, autherr.KindInternal, "State token signing failed")
	}
	return signed, nil
}

// Parse verifies the signature and extracts the payload. Expiry is checked only when the
// service was built with EnforceExpiry.
func (service *Service) Parse(token string) (Payload, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(service.clock.Now),
	}
	if service.enforceExpiry {
		options = append(options, jwt.WithExpirationRequired())
	} else {
		options = append(options, jwt.WithoutClaimsValidation())
	}
	claims := &stateClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return service.secret, nil
	}, options...)
	if err != nil {
		return Payload{}, autherr.Wrap(err, autherr.KindInvalidStateToken, "Invalid ack state token")
	}
	if !parsed.Valid {
		return Payload{}, autherr.New(autherr.KindInvalidStateToken, "Invalid ack state token")
	}
	if err := autherr.Require(claims.UserID != "" && claims.SessionStateID != "",
		autherr.New(autherr.KindInvalidStateToken, "Ack state token is missing user or session")); err != nil {
		return Payload{}, err
	}
	payload := Payload{UserID: claims.UserID, SessionStateID: claims.SessionStateID}
	if claims.IssuedAt != nil {
		payload.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		payload.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return payload, nil
}

// TTL reports the lifetime written into minted tokens.
func (service *Service) TTL() time.Duration {
	return service.ttl
}
