package vault

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenType distinguishes the two kinds of stored credentials.
type TokenType string

const (
	// TokenTypeAny disables the token-type filter on lookups.
	TokenTypeAny TokenType = ""
	// TokenTypeRefresh is the single per-user refresh token tied to an online session.
	TokenTypeRefresh TokenType = "refresh"
	// TokenTypeOffline is a consented offline token; rows of this type only accumulate.
	TokenTypeOffline TokenType = "offline"
)

// ParseTokenType validates a token type string.
func ParseTokenType(value string) (TokenType, error) {
	switch TokenType(value) {
	case TokenTypeRefresh, TokenTypeOffline:
		return TokenType(value), nil
	default:
		return TokenTypeAny, fmt.Errorf("vault.token_type: %w: %q", ErrInvalidTokenType, value)
	}
}

// Attributes is caller-defined metadata stored next to a token and never interpreted here.
type Attributes map[string]any

func (attributes Attributes) clone() Attributes {
	if attributes == nil {
		return nil
	}
	copied := make(Attributes, len(attributes))
	for key, value := range attributes {
		copied[key] = cloneValue(value)
	}
	return copied
}

// cloneValue copies the nested maps and slices a decoded JSON object can hold, so stored
// attributes never alias the caller's values.
func cloneValue(value any) any {
	switch typed := value.(type) {
	case Attributes:
		return typed.clone()
	case map[string]any:
		return map[string]any(Attributes(typed).clone())
	case []any:
		copied := make([]any, len(typed))
		for index, element := range typed {
			copied[index] = cloneValue(element)
		}
		return copied
	case []string:
		return append([]string(nil), typed...)
	default:
		return value
	}
}

// Material is the encrypted form of a token plus its digest.
type Material struct {
	EncryptedToken string
	IV             string
	TokenHash      string
}

// Entry is a stored credential as seen by the rest of the system.
type Entry struct {
	ID             uuid.UUID
	UserID         string
	TokenType      TokenType
	EncryptedToken string
	IV             string
	TokenHash      string
	Attributes     Attributes
	SessionStateID string
	CreatedAt      time.Time
	UpdatedAt      *time.Time
}

// HasTokenMaterial reports whether the entry can be decrypted at all.
func (entry Entry) HasTokenMaterial() bool {
	return entry.EncryptedToken != "" && entry.IV != ""
}

// NewEntry carries the fields of a row about to be created.
type NewEntry struct {
	UserID         string
	TokenType      TokenType
	Material       Material
	SessionStateID string
	Attributes     Attributes
}

func newEntryID() (uuid.UUID, error) {
	entryID, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("vault.new_id: %w", err)
	}
	return entryID, nil
}
