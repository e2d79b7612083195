package vault

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/tyemirov/tokenvault/internal/autherr"
	"github.com/tyemirov/tokenvault/internal/tokencrypt"
)

// TokenCipher is the crypto primitive the service seals token material with.
type TokenCipher interface {
	GenerateIV() (string, error)
	Encrypt(plaintext string, iv string) (string, error)
	Decrypt(ciphertext string, iv string) (string, error)
}

// Service encrypts tokens before they reach the repository and decrypts them on the way
// out. Every error it returns is an *autherr.Error.
type Service struct {
	repository Repository
	cipher     TokenCipher
}

// NewService wires a repository and a cipher.
func NewService(repository Repository, cipher TokenCipher) *Service {
	return &Service{repository: repository, cipher: cipher}
}

// Store encrypts token and always inserts a new row.
func (service *Service) Store(ctx context.Context, userID string, token string, tokenType TokenType, sessionStateID string, attributes Attributes) (Entry, error) {
	material, err := service.seal(token)
	if err != nil {
		return Entry{}, err
	}
	entry, err := service.repository.Create(ctx, NewEntry{
		UserID:         userID,
		TokenType:      tokenType,
		Material:       material,
		SessionStateID: sessionStateID,
		Attributes:     attributes,
	})
	if err != nil {
		return Entry{}, autherr.Wrap(err, autherr.KindDatabase, "Storing token failed")
	}
	return entry, nil
}

// RetrieveAndDecrypt returns the row and its plaintext token.
func (service *Service) RetrieveAndDecrypt(ctx context.Context, entryID uuid.UUID) (Entry, string, error) {
	entry, err := service.repository.Retrieve(ctx, entryID)
	if err != nil {
		return Entry{}, "", translateLookup(err, "Token not found")
	}
	return service.open(entry)
}

// UpsertRefresh stores token as the user's single refresh row and returns its id.
func (service *Service) UpsertRefresh(ctx context.Context, userID string, token string, sessionStateID string, attributes Attributes) (uuid.UUID, error) {
	material, err := service.seal(token)
	if err != nil {
		return uuid.Nil, err
	}
	entryID, err := service.repository.UpsertRefresh(ctx, userID, material, sessionStateID, attributes)
	if err != nil {
		return uuid.Nil, autherr.Wrap(err, autherr.KindDatabase, "Upserting refresh token failed")
	}
	return entryID, nil
}

// RetrieveOrRaiseBySession returns the newest row for the session or a NotFound error.
func (service *Service) RetrieveOrRaiseBySession(ctx context.Context, sessionStateID string, tokenType TokenType) (Entry, string, error) {
	entry, err := service.repository.RetrieveOrRaiseBySession(ctx, sessionStateID, tokenType)
	if err != nil {
		return Entry{}, "", translateLookup(err, "No token found for the session/type requested")
	}
	return service.open(entry)
}

// RetrieveBySession returns the newest usable row for the session; found is false otherwise.
func (service *Service) RetrieveBySession(ctx context.Context, sessionStateID string, tokenType TokenType) (Entry, string, bool, error) {
	entry, found, err := service.repository.RetrieveBySession(ctx, sessionStateID, tokenType)
	if err != nil {
		return Entry{}, "", false, autherr.Wrap(err, autherr.KindDatabase, "Session lookup failed")
	}
	return service.openOptional(entry, found)
}

// GetByUser returns the user's newest usable row; found is false otherwise.
func (service *Service) GetByUser(ctx context.Context, userID string, tokenType TokenType) (Entry, string, bool, error) {
	entry, found, err := service.repository.RetrieveByUser(ctx, userID, tokenType)
	if err != nil {
		return Entry{}, "", false, autherr.Wrap(err, autherr.KindDatabase, "User lookup failed")
	}
	return service.openOptional(entry, found)
}

// Delete removes a row and reports whether it existed.
func (service *Service) Delete(ctx context.Context, entryID uuid.UUID) (bool, error) {
	deleted, err := service.repository.Delete(ctx, entryID)
	if err != nil {
		return false, autherr.Wrap(err, autherr.KindDatabase, "Delete operation failed")
	}
	return deleted, nil
}

// CheckSharedSession reports whether any row other than excludeID still references the
// session. The upstream session may only be revoked when this is false.
func (service *Service) CheckSharedSession(ctx context.Context, sessionStateID string, excludeID uuid.UUID, tokenType TokenType) (bool, error) {
	shared, err := service.repository.ListBySession(ctx, sessionStateID, excludeID, tokenType)
	if err != nil {
		return false, autherr.Wrap(err, autherr.KindDatabase, "Shared session lookup failed")
	}
	return len(shared) > 0, nil
}

// IsDuplicate reports whether a row other than excludeID already holds token.
func (service *Service) IsDuplicate(ctx context.Context, token string, excludeID uuid.UUID) (bool, error) {
	duplicate, err := service.repository.CheckDuplicateHash(ctx, tokencrypt.Hash(token), excludeID)
	if err != nil {
		return false, autherr.Wrap(err, autherr.KindDatabase, "Duplicate token lookup failed")
	}
	return duplicate, nil
}

func (service *Service) seal(token string) (Material, error) {
	iv, err := service.cipher.GenerateIV()
	if err != nil {
		return Material{}, autherr.Wrap(err, autherr.KindInternal, "Token encryption failed")
	}
	encrypted, err := service.cipher.Encrypt(token, iv)
	if err != nil {
		return Material{}, autherr.Wrap(err, autherr.KindInternal, "Token encryption failed")
	}
	return Material{
		EncryptedToken: encrypted,
		IV:             iv,
		TokenHash:      tokencrypt.Hash(token),
	}, nil
}

func (service *Service) open(entry Entry) (Entry, string, error) {
	usable, err := autherr.Check(entry, func(candidate Entry) bool {
		return !candidate.HasTokenMaterial()
	}, autherr.New(autherr.KindNotFound, "Token has no encrypted data"))
	if err != nil {
		return Entry{}, "", err
	}
	plaintext, err := service.cipher.Decrypt(usable.EncryptedToken, usable.IV)
	if err != nil {
		return Entry{}, "", autherr.Wrap(err, autherr.KindInternal, "Token decryption failed")
	}
	return usable, plaintext, nil
}

func (service *Service) openOptional(entry Entry, found bool) (Entry, string, bool, error) {
	if !found || !entry.HasTokenMaterial() {
		return Entry{}, "", false, nil
	}
	opened, plaintext, err := service.open(entry)
	if err != nil {
		return Entry{}, "", false, err
	}
	return opened, plaintext, true, nil
}

func translateLookup(err error, notFoundMessage string) error {
	if errors.Is(err, ErrEntryNotFound) {
		return autherr.Wrap(err, autherr.KindNotFound, notFoundMessage)
	}
	return autherr.Wrap(err, autherr.KindDatabase, "Token lookup failed")
}
