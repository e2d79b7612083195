package vault

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrEntryNotFound indicates no vault row matched the lookup.
	ErrEntryNotFound = errors.New("vault_store.not_found")
	// ErrInvalidTokenType indicates a token type outside {refresh, offline}.
	ErrInvalidTokenType = errors.New("vault_store.invalid_token_type")
)

// Repository persists vault rows. Lookups taking a TokenType accept TokenTypeAny to
// disable the filter; lookups taking an exclude id accept uuid.Nil to exclude nothing.
// Lookups that can match several rows return the most recently created one.
type Repository interface {
	Create(ctx context.Context, entry NewEntry) (Entry, error)
	Retrieve(ctx context.Context, entryID uuid.UUID) (Entry, error)
	RetrieveByUser(ctx context.Context, userID string, tokenType TokenType) (Entry, bool, error)
	RetrieveOrRaiseBySession(ctx context.Context, sessionStateID string, tokenType TokenType) (Entry, error)
	RetrieveBySession(ctx context.Context, sessionStateID string, tokenType TokenType) (Entry, bool, error)
	ListBySession(ctx context.Context, sessionStateID string, excludeID uuid.UUID, tokenType TokenType) ([]Entry, error)
	CheckDuplicateHash(ctx context.Context, tokenHash string, excludeID uuid.UUID) (bool, error)
	// UpsertRefresh replaces the user's single refresh row or creates it.
	UpsertRefresh(ctx context.Context, userID string, material Material, sessionStateID string, attributes Attributes) (uuid.UUID, error)
	Delete(ctx context.Context, entryID uuid.UUID) (bool, error)
}
