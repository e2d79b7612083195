package vault

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository intended for tests and dev.
type MemoryRepository struct {
	mutex   sync.Mutex
	byID    map[uuid.UUID]*Entry
	now     func() time.Time
	version string
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[uuid.UUID]*Entry),
		now:     func() time.Time { return time.Now().UTC() },
		version: "memory",
	}
}

// Create stores a new row.
func (repository *MemoryRepository) Create(ctx context.Context, entry NewEntry) (Entry, error) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	return repository.createLocked(entry)
}

// Retrieve returns the row with the given id.
func (repository *MemoryRepository) Retrieve(ctx context.Context, entryID uuid.UUID) (Entry, error) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	record := repository.byID[entryID]
	if record == nil {
		return Entry{}, fmt.Errorf("vault_store.retrieve.memory: %w", ErrEntryNotFound)
	}
	return copyEntry(record), nil
}

// RetrieveByUser returns the user's most recent row of the given type.
func (repository *MemoryRepository) RetrieveByUser(ctx context.Context, userID string, tokenType TokenType) (Entry, bool, error) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	matches := repository.selectLocked(func(record *Entry) bool {
		return record.UserID == userID && matchesType(record, tokenType)
	})
	if len(matches) == 0 {
		return Entry{}, false, nil
	}
	return matches[0], true, nil
}

// RetrieveOrRaiseBySession returns the most recent row for the session or ErrEntryNotFound.
func (repository *MemoryRepository) RetrieveOrRaiseBySession(ctx context.Context, sessionStateID string, tokenType TokenType) (Entry, error) {
	entry, found, err := repository.RetrieveBySession(ctx, sessionStateID, tokenType)
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, fmt.Errorf("vault_store.retrieve_by_session.memory: %w", ErrEntryNotFound)
	}
	return entry, nil
}

// RetrieveBySession returns the most recent row for the session, if any.
func (repository *MemoryRepository) RetrieveBySession(ctx context.Context, sessionStateID string, tokenType TokenType) (Entry, bool, error) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	matches := repository.selectLocked(func(record *Entry) bool {
		return record.SessionStateID == sessionStateID && matchesType(record, tokenType)
	})
	if len(matches) == 0 {
		return Entry{}, false, nil
	}
	return matches[0], true, nil
}

// ListBySession returns every row sharing the session except excludeID.
func (repository *MemoryRepository) ListBySession(ctx context.Context, sessionStateID string, excludeID uuid.UUID, tokenType TokenType) ([]Entry, error) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	return repository.selectLocked(func(record *Entry) bool {
		return record.SessionStateID == sessionStateID && record.ID != excludeID && matchesType(record, tokenType)
	}), nil
}

// CheckDuplicateHash reports whether another row stores the same token digest.
func (repository *MemoryRepository) CheckDuplicateHash(ctx context.Context, tokenHash string, excludeID uuid.UUID) (bool, error) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	for _, record := range repository.byID {
		if record.TokenHash == tokenHash && record.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

// UpsertRefresh replaces the user's refresh row in place or creates one.
func (repository *MemoryRepository) UpsertRefresh(ctx context.Context, userID string, material Material, sessionStateID string, attributes Attributes) (uuid.UUID, error) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	matches := repository.selectLocked(func(record *Entry) bool {
		return record.UserID == userID && record.TokenType == TokenTypeRefresh
	})
	if len(matches) > 0 {
		record := repository.byID[matches[0].ID]
		updatedAt := repository.now()
		record.EncryptedToken = material.EncryptedToken
		record.IV = material.IV
		record.TokenHash = material.TokenHash
		record.SessionStateID = sessionStateID
		record.Attributes = attributes.clone()
		record.UpdatedAt = &updatedAt
		return record.ID, nil
	}
	created, err := repository.createLocked(NewEntry{
		UserID:         userID,
		TokenType:      TokenTypeRefresh,
		Material:       material,
		SessionStateID: sessionStateID,
		Attributes:     attributes,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return created.ID, nil
}

// Delete removes a row and reports whether it existed.
func (repository *MemoryRepository) Delete(ctx context.Context, entryID uuid.UUID) (bool, error) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	if _, ok := repository.byID[entryID]; !ok {
		return false, nil
	}
	delete(repository.byID, entryID)
	return true, nil
}

// Ping always succeeds.
func (repository *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

// ServerVersion reports the store label.
func (repository *MemoryRepository) ServerVersion(ctx context.Context) (string, error) {
	return repository.version, nil
}

func (repository *MemoryRepository) createLocked(entry NewEntry) (Entry, error) {
	entryID, err := newEntryID()
	if err != nil {
		return Entry{}, err
	}
	record := &Entry{
		ID:             entryID,
		UserID:         entry.UserID,
		TokenType:      entry.TokenType,
		EncryptedToken: entry.Material.EncryptedToken,
		IV:             entry.Material.IV,
		TokenHash:      entry.Material.TokenHash,
		Attributes:     entry.Attributes.clone(),
		SessionStateID: entry.SessionStateID,
		CreatedAt:      repository.now(),
	}
	repository.byID[entryID] = record
	return copyEntry(record), nil
}

// selectLocked returns copies of matching rows, newest first.
func (repository *MemoryRepository) selectLocked(match func(record *Entry) bool) []Entry {
	var matches []Entry
	for _, record := range repository.byID {
		if match(record) {
			matches = append(matches, copyEntry(record))
		}
	}
	sort.Slice(matches, func(left, right int) bool {
		if !matches[left].CreatedAt.Equal(matches[right].CreatedAt) {
			return matches[left].CreatedAt.After(matches[right].CreatedAt)
		}
		return bytes.Compare(matches[left].ID[:], matches[right].ID[:]) > 0
	})
	return matches
}

func matchesType(record *Entry, tokenType TokenType) bool {
	return tokenType == TokenTypeAny || record.TokenType == tokenType
}

func copyEntry(record *Entry) Entry {
	copied := *record
	copied.Attributes = record.Attributes.clone()
	if record.UpdatedAt != nil {
		updatedAt := *record.UpdatedAt
		copied.UpdatedAt = &updatedAt
	}
	return copied
}
