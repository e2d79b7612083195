package idp

import (
	"encoding/json"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// TokenSet is a token endpoint response.
type TokenSet struct {
	AccessToken      string
	TokenType        string
	ExpiresIn        int64
	RefreshToken     string
	RefreshExpiresIn int64
	IDToken          string
	Scope            string
	SessionState     string
}

// Introspection is an RFC 7662 introspection response.
type Introspection struct {
	Active       bool   `json:"active"`
	Subject      string `json:"sub"`
	SessionID    string `json:"sid"`
	SessionState string `json:"session_state"`
	Scope        string `json:"scope"`
	ClientID     string `json:"client_id"`
	Username     string `json:"username"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"exp"`
	IssuedAt     int64  `json:"iat"`
}

// SessionStateID returns sid, falling back to the Keycloak session_state claim.
func (introspection Introspection) SessionStateID() string {
	if introspection.SessionID != "" {
		return introspection.SessionID
	}
	return introspection.SessionState
}

// tokenSetFrom reads refresh_token from the raw response. oauth2 fills Token.RefreshToken
// from the request when the provider omits it.
func tokenSetFrom(token *oauth2.Token, now time.Time) TokenSet {
	tokenSet := TokenSet{
		AccessToken:      token.AccessToken,
		TokenType:        token.TokenType,
		RefreshToken:     extraString(token, "refresh_token"),
		RefreshExpiresIn: extraInt(token, "refresh_expires_in"),
		IDToken:          extraString(token, "id_token"),
		Scope:            extraString(token, "scope"),
		SessionState:     extraString(token, "session_state"),
	}
	tokenSet.ExpiresIn = extraInt(token, "expires_in")
	if tokenSet.ExpiresIn == 0 && !token.Expiry.IsZero() {
		tokenSet.ExpiresIn = int64(token.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	return tokenSet
}

func extraString(token *oauth2.Token, key string) string {
	value, _ := token.Extra(key).(string)
	return value
}

func extraInt(token *oauth2.Token, key string) int64 {
	switch value := token.Extra(key).(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case json.Number:
		parsed, _ := value.Int64()
		return parsed
	case string:
		parsed, _ := strconv.ParseInt(value, 10, 64)
		return parsed
	default:
		return 0
	}
}
