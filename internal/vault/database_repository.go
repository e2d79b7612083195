package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("vault_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("vault_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("vault_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("vault_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("vault_store.unsupported_no_scheme")
	errCorruptAttributes   = errors.New("vault_store.corrupt_attributes")
)

const singleRefreshIndexDDL = `CREATE UNIQUE INDEX IF NOT EXISTS auth_vault_single_refresh_idx ON auth_vault (user_id) WHERE token_type = 'refresh'`

// DatabaseRepository persists vault rows using GORM.
type DatabaseRepository struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

type vaultRecord struct {
	ID             string     `gorm:"column:id;primaryKey;size:36"`
	UserID         string     `gorm:"column:user_id;not null;index:auth_vault_user_id_token_type_idx,priority:1"`
	TokenType      string     `gorm:"column:token_type;not null;index:auth_vault_user_id_token_type_idx,priority:2;index:auth_vault_session_state_token_type_idx,priority:2"`
	EncryptedToken *string    `gorm:"column:encrypted_token"`
	IV             *string    `gorm:"column:iv"`
	TokenHash      *string    `gorm:"column:token_hash"`
	Attributes     *string    `gorm:"column:attributes"`
	SessionStateID string     `gorm:"column:session_state_id;not null;index:auth_vault_session_state_token_type_idx,priority:1"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt      *time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (vaultRecord) TableName() string {
	return "auth_vault"
}

// Driver exposes the selected database driver label.
func (repository *DatabaseRepository) Driver() string {
	return repository.driverLabel
}

// NewDatabaseRepository opens the database named by databaseURL and migrates the schema.
func NewDatabaseRepository(ctx context.Context, databaseURL string) (*DatabaseRepository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("vault_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	return NewDatabaseRepositoryWithDialector(ctx, dialector, driverLabel, true)
}

// NewDatabaseRepositoryWithDialector opens a repository over an explicit dialector.
// Pass migrate=false when the schema is owned elsewhere (see vaultpg.EnsureSchema).
func NewDatabaseRepositoryWithDialector(ctx context.Context, dialector gorm.Dialector, driverLabel string, migrate bool) (*DatabaseRepository, error) {
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("vault_store.open.%s: %w", driverLabel, openErr)
	}
	if migrate {
		if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&vaultRecord{}); migrateErr != nil {
			return nil, fmt.Errorf("vault_store.migrate.%s: %w", driverLabel, migrateErr)
		}
		if indexErr := gormDB.WithContext(ctx).Exec(singleRefreshIndexDDL).Error; indexErr != nil {
			return nil, fmt.Errorf("vault_store.migrate.%s: %w", driverLabel, indexErr)
		}
	}
	return &DatabaseRepository{
		db:          gormDB,
		driverLabel: driverLabel,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create inserts a new row.
func (repository *DatabaseRepository) Create(ctx context.Context, entry NewEntry) (Entry, error) {
	record, err := repository.newRecord(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("vault_store.create.%s: %w", repository.driverLabel, err)
	}
	if err := repository.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Entry{}, fmt.Errorf("vault_store.create.%s: %w", repository.driverLabel, err)
	}
	return toEntry(record)
}

// Retrieve returns the row with the given id.
func (repository *DatabaseRepository) Retrieve(ctx context.Context, entryID uuid.UUID) (Entry, error) {
	var record vaultRecord
	err := repository.db.WithContext(ctx).Where("id = ?", entryID.String()).Take(&record).Error
	if err != nil {
		return Entry{}, repository.lookupError("retrieve", err)
	}
	return toEntry(record)
}

// RetrieveByUser returns the user's most recent row of the given type.
func (repository *DatabaseRepository) RetrieveByUser(ctx context.Context, userID string, tokenType TokenType) (Entry, bool, error) {
	query := withTokenType(repository.db.WithContext(ctx).Where("user_id = ?", userID), tokenType)
	return repository.first("retrieve_by_user", query)
}

// RetrieveOrRaiseBySession returns the most recent row for the session or ErrEntryNotFound.
func (repository *DatabaseRepository) RetrieveOrRaiseBySession(ctx context.Context, sessionStateID string, tokenType TokenType) (Entry, error) {
	entry, found, err := repository.RetrieveBySession(ctx, sessionStateID, tokenType)
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, fmt.Errorf("vault_store.retrieve_by_session.%s: %w", repository.driverLabel, ErrEntryNotFound)
	}
	return entry, nil
}

// RetrieveBySession returns the most recent row for the session, if any.
func (repository *DatabaseRepository) RetrieveBySession(ctx context.Context, sessionStateID string, tokenType TokenType) (Entry, bool, error) {
	query := withTokenType(repository.db.WithContext(ctx).Where("session_state_id = ?", sessionStateID), tokenType)
	return repository.first("retrieve_by_session", query)
}

// ListBySession returns every row sharing the session except excludeID.
func (repository *DatabaseRepository) ListBySession(ctx context.Context, sessionStateID string, excludeID uuid.UUID, tokenType TokenType) ([]Entry, error) {
	query := repository.db.WithContext(ctx).Where("session_state_id = ?", sessionStateID)
	if excludeID != uuid.Nil {
		query = query.Where("id <> ?", excludeID.String())
	}
	query = withTokenType(query, tokenType)

	var records []vaultRecord
	if err := query.Order("created_at DESC, id DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("vault_store.list_by_session.%s: %w", repository.driverLabel, err)
	}
	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		entry, err := toEntry(record)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CheckDuplicateHash reports whether another row stores the same token digest.
func (repository *DatabaseRepository) CheckDuplicateHash(ctx context.Context, tokenHash string, excludeID uuid.UUID) (bool, error) {
	var count int64
	err := repository.db.WithContext(ctx).Model(&vaultRecord{}).
		Where("token_hash = ? AND id <> ?", tokenHash, excludeID.String()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("vault_store.check_duplicate_hash.%s: %w", repository.driverLabel, err)
	}
	return count > 0, nil
}

// UpsertRefresh replaces the user's refresh row in place or creates one, in one transaction.
// A concurrent insert that wins the unique index race turns this call into an update.
func (repository *DatabaseRepository) UpsertRefresh(ctx context.Context, userID string, material Material, sessionStateID string, attributes Attributes) (uuid.UUID, error) {
	entryID, err := repository.upsertRefreshOnce(ctx, userID, material, sessionStateID, attributes)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		entryID, err = repository.upsertRefreshOnce(ctx, userID, material, sessionStateID, attributes)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("vault_store.upsert_refresh.%s: %w", repository.driverLabel, err)
	}
	return entryID, nil
}

// Delete removes a row and reports whether it existed.
func (repository *DatabaseRepository) Delete(ctx context.Context, entryID uuid.UUID) (bool, error) {
	result := repository.db.WithContext(ctx).Where("id = ?", entryID.String()).Delete(&vaultRecord{})
	if result.Error != nil {
		return false, fmt.Errorf("vault_store.delete.%s: %w", repository.driverLabel, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Ping checks database connectivity.
func (repository *DatabaseRepository) Ping(ctx context.Context) error {
	sqlDB, err := repository.db.DB()
	if err != nil {
		return fmt.Errorf("vault_store.ping.%s: %w", repository.driverLabel, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("vault_store.ping.%s: %w", repository.driverLabel, err)
	}
	return nil
}

// ServerVersion reports the database server version string.
func (repository *DatabaseRepository) ServerVersion(ctx context.Context) (string, error) {
	statement := "SELECT version()"
	if repository.driverLabel == "sqlite" {
		statement = "SELECT sqlite_version()"
	}
	var version string
	if err := repository.db.WithContext(ctx).Raw(statement).Scan(&version).Error; err != nil {
		return "", fmt.Errorf("vault_store.server_version.%s: %w", repository.driverLabel, err)
	}
	return version, nil
}

// Close releases the underlying connection pool.
func (repository *DatabaseRepository) Close() error {
	sqlDB, err := repository.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (repository *DatabaseRepository) upsertRefreshOnce(ctx context.Context, userID string, material Material, sessionStateID string, attributes Attributes) (uuid.UUID, error) {
	var entryID uuid.UUID
	err := repository.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing vaultRecord
		findErr := tx.Where("user_id = ? AND token_type = ?", userID, string(TokenTypeRefresh)).
			Order("created_at DESC, id DESC").
			Take(&existing).Error
		if findErr != nil && !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}
		if findErr == nil {
			encodedAttributes, encodeErr := encodeAttributes(attributes)
			if encodeErr != nil {
				return encodeErr
			}
			updatedAt := repository.now()
			updateErr := tx.Model(&vaultRecord{}).Where("id = ?", existing.ID).Updates(map[string]any{
				"encrypted_token":  material.EncryptedToken,
				"iv":               material.IV,
				"token_hash":       material.TokenHash,
				"session_state_id": sessionStateID,
				"attributes":       encodedAttributes,
				"updated_at":       updatedAt,
			}).Error
			if updateErr != nil {
				return updateErr
			}
			parsedID, parseErr := uuid.Parse(existing.ID)
			if parseErr != nil {
				return parseErr
			}
			entryID = parsedID
			return nil
		}
		record, recordErr := repository.newRecord(NewEntry{
			UserID:         userID,
			TokenType:      TokenTypeRefresh,
			Material:       material,
			SessionStateID: sessionStateID,
			Attributes:     attributes,
		})
		if recordErr != nil {
			return recordErr
		}
		if createErr := tx.Create(&record).Error; createErr != nil {
			return createErr
		}
		entryID = uuid.MustParse(record.ID)
		return nil
	})
	return entryID, err
}

func (repository *DatabaseRepository) first(operation string, query *gorm.DB) (Entry, bool, error) {
	var record vaultRecord
	err := query.Order("created_at DESC, id DESC").Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("vault_store.%s.%s: %w", operation, repository.driverLabel, err)
	}
	entry, err := toEntry(record)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (repository *DatabaseRepository) lookupError(operation string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("vault_store.%s.%s: %w", operation, repository.driverLabel, ErrEntryNotFound)
	}
	return fmt.Errorf("vault_store.%s.%s: %w", operation, repository.driverLabel, err)
}

func (repository *DatabaseRepository) newRecord(entry NewEntry) (vaultRecord, error) {
	entryID, err := newEntryID()
	if err != nil {
		return vaultRecord{}, err
	}
	encodedAttributes, err := encodeAttributes(entry.Attributes)
	if err != nil {
		return vaultRecord{}, err
	}
	return vaultRecord{
		ID:             entryID.String(),
		UserID:         entry.UserID,
		TokenType:      string(entry.TokenType),
		EncryptedToken: optionalString(entry.Material.EncryptedToken),
		IV:             optionalString(entry.Material.IV),
		TokenHash:      optionalString(entry.Material.TokenHash),
		Attributes:     encodedAttributes,
		SessionStateID: entry.SessionStateID,
		CreatedAt:      repository.now(),
	}, nil
}

func toEntry(record vaultRecord) (Entry, error) {
	entryID, err := uuid.Parse(record.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("vault_store.decode_id: %w", err)
	}
	attributes, err := decodeAttributes(record.Attributes)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		ID:             entryID,
		UserID:         record.UserID,
		TokenType:      TokenType(record.TokenType),
		EncryptedToken: derefString(record.EncryptedToken),
		IV:             derefString(record.IV),
		TokenHash:      derefString(record.TokenHash),
		Attributes:     attributes,
		SessionStateID: record.SessionStateID,
		CreatedAt:      record.CreatedAt.UTC(),
	}
	if record.UpdatedAt != nil {
		updatedAt := record.UpdatedAt.UTC()
		entry.UpdatedAt = &updatedAt
	}
	return entry, nil
}

func withTokenType(query *gorm.DB, tokenType TokenType) *gorm.DB {
	if tokenType == TokenTypeAny {
		return query
	}
	return query.Where("token_type = ?", string(tokenType))
}

func encodeAttributes(attributes Attributes) (*string, error) {
	if attributes == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return nil, fmt.Errorf("vault_store.encode_attributes: %w", err)
	}
	value := string(encoded)
	return &value, nil
}

func decodeAttributes(encoded *string) (Attributes, error) {
	if encoded == nil || *encoded == "" {
		return nil, nil
	}
	var attributes Attributes
	if err := json.Unmarshal([]byte(*encoded), &attributes); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptAttributes, err)
	}
	return attributes, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("vault_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("vault_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("vault_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("vault_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
