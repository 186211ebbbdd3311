package identities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const pgUniqueViolation = "23505"

var (
	// ErrConflict reports a (provider, provider_user_id) pair that is already linked.
	ErrConflict = errors.New("identities: provider account already linked")
	// ErrLastIdentity reports an unlink that would leave the owner without identities.
	ErrLastIdentity = errors.New("identities: cannot remove the last identity")
	// ErrStaleIdentity reports a row that disappeared between validation and mutation.
	ErrStaleIdentity = errors.New("identities: identity no longer exists")
	// ErrStore wraps failures of the underlying relational store.
	ErrStore = errors.New("identities: store failure")

	errMissingRepositoryDatabase = errors.New("identities: database handle is required")
)

// RepositoryConfig describes the dependencies of the identity repository.
type RepositoryConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
}

// Repository persists identities and the owner's primary identity pointer.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
	ids IDProvider
}

// NewRepository constructs a repository over the provided database handle.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, errMissingRepositoryDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	return &Repository{
		db:  cfg.Database,
		now: clock,
		ids: ids,
	}, nil
}

// FindByID returns the identity with the given id, or nil when none exists.
func (r *Repository) FindByID(ctx context.Context, id string) (*Identity, error) {
	var identity Identity
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&identity).Error
	return optionalRow(&identity, err)
}

// FindByProvider returns the identity linked to the provider account, or nil.
func (r *Repository) FindByProvider(ctx context.Context, provider Provider, providerUserID string) (*Identity, error) {
	var identity Identity
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_user_id = ?", provider.String(), providerUserID).
		Take(&identity).
		Error
	return optionalRow(&identity, err)
}

// FindByUser lists the user's identities, primary first, then oldest first.
func (r *Repository) FindByUser(ctx context.Context, userID string) ([]Identity, error) {
	identities, err := listOwned(r.db.WithContext(ctx), userID)
	if err != nil {
		return nil, storeError(err)
	}
	return identities, nil
}

// CountByUser returns how many identities the user owns.
func (r *Repository) CountByUser(ctx context.Context, userID string) (int64, error) {
	count, err := countOwned(r.db.WithContext(ctx), userID)
	if err != nil {
		return 0, storeError(err)
	}
	return count, nil
}

// Create inserts a new identity. A primary identity also becomes the owner's pointer
// within the same transaction. The primary flag is settled against the owner's
// identity count inside the transaction, so concurrent first links yield one primary.
func (r *Repository) Create(ctx context.Context, draft Draft) (Identity, error) {
	if !draft.Provider.supported() {
		return Identity{}, fmt.Errorf("%w: %q", ErrUnknownProvider, draft.Provider)
	}
	id, err := r.ids.NewID()
	if err != nil {
		return Identity{}, fmt.Errorf("%w: id generation: %w", ErrStore, err)
	}
	now := r.now().UTC()
	record := Identity{
		ID:                    id,
		UserID:                draft.UserID,
		Provider:              draft.Provider,
		ProviderUserID:        draft.ProviderUserID,
		ProviderEmail:         draft.ProviderEmail,
		ProviderUsername:      draft.ProviderUsername,
		ProviderAvatarURL:     draft.ProviderAvatarURL,
		AccessTokenEncrypted:  draft.AccessTokenEncrypted,
		RefreshTokenEncrypted: draft.RefreshTokenEncrypted,
		TokenExpiresAt:        draft.TokenExpiresAt,
		Metadata:              draft.Metadata,
		Verified:              draft.Verified,
		CreateTime:            now,
		UpdateTime:            now,
	}

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOwner(tx, draft.UserID); err != nil {
			return err
		}
		owned, err := countOwned(tx, draft.UserID)
		if err != nil {
			return err
		}
		record.IsPrimary = owned == 0
		if err := tx.Create(&record).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
		if record.IsPrimary {
			return pointOwnerAt(tx, draft.UserID, record.ID, now)
		}
		return nil
	})
	if txErr != nil {
		return Identity{}, storeError(txErr)
	}
	return record, nil
}

// Delete removes the identity when it is owned by userID and reports whether a row was removed.
func (r *Repository) Delete(ctx context.Context, id, userID string) (bool, error) {
	removed, err := deleteOwned(r.db.WithContext(ctx), id, userID)
	if err != nil {
		return false, storeError(err)
	}
	return removed, nil
}

// SetPrimary makes the identity the owner's only primary identity and repoints the owner.
func (r *Repository) SetPrimary(ctx context.Context, id, userID string) error {
	now := r.now().UTC()
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOwner(tx, userID); err != nil {
			return err
		}
		return promote(tx, id, userID, now)
	})
	if txErr != nil {
		return storeError(txErr)
	}
	return nil
}

// Unlink removes the identity owned by userID in one transaction. When the identity is
// primary the replacement is promoted first; if replacementID is no longer a valid
// candidate the oldest remaining identity is promoted instead.
func (r *Repository) Unlink(ctx context.Context, id, userID, replacementID string) error {
	now := r.now().UTC()
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOwner(tx, userID); err != nil {
			return err
		}
		owned, err := listOwned(tx, userID)
		if err != nil {
			return err
		}
		if len(owned) <= 1 {
			return ErrLastIdentity
		}

		var target *Identity
		for index := range owned {
			if owned[index].ID == id {
				target = &owned[index]
				break
			}
		}
		if target == nil {
			return ErrStaleIdentity
		}

		if target.IsPrimary {
			replacement := findCandidate(owned, id, replacementID)
			if replacement == nil {
				replacement = OldestRemaining(owned, id)
			}
			if err := promote(tx, replacement.ID, userID, now); err != nil {
				return err
			}
		}

		removed, err := deleteOwned(tx, id, userID)
		if err != nil {
			return err
		}
		if !removed {
			return ErrStaleIdentity
		}
		return nil
	})
	if txErr != nil {
		return storeError(txErr)
	}
	return nil
}

// TouchLastUsed records that the identity was used again.
func (r *Repository) TouchLastUsed(ctx context.Context, id string) error {
	now := r.now().UTC()
	err := r.db.WithContext(ctx).
		Model(&Identity{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_used_at": now,
			"update_time":  now,
		}).Error
	if err != nil {
		return storeError(err)
	}
	return nil
}

// OldestRemaining returns the earliest created identity other than excludeID, ties broken by id.
func OldestRemaining(owned []Identity, excludeID string) *Identity {
	var oldest *Identity
	for index := range owned {
		candidate := &owned[index]
		if candidate.ID == excludeID {
			continue
		}
		if oldest == nil ||
			candidate.CreateTime.Before(oldest.CreateTime) ||
			(candidate.CreateTime.Equal(oldest.CreateTime) && candidate.ID < oldest.ID) {
			oldest = candidate
		}
	}
	return oldest
}

func findCandidate(owned []Identity, excludeID, candidateID string) *Identity {
	if candidateID == "" || candidateID == excludeID {
		return nil
	}
	for index := range owned {
		if owned[index].ID == candidateID {
			return &owned[index]
		}
	}
	return nil
}

func listOwned(db *gorm.DB, userID string) ([]Identity, error) {
	var identities []Identity
	err := db.
		Where("user_id = ?", userID).
		Order("is_primary DESC").
		Order("create_time ASC").
		Order("id ASC").
		Find(&identities).
		Error
	if err != nil {
		return nil, err
	}
	return identities, nil
}

func countOwned(db *gorm.DB, userID string) (int64, error) {
	var count int64
	err := db.Model(&Identity{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

func deleteOwned(db *gorm.DB, id, userID string) (bool, error) {
	result := db.Where("id = ? AND user_id = ?", id, userID).Delete(&Identity{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// lockOwner serializes identity mutations per owner. The users table belongs to another
// service, so when the owner row is missing the owner's identity rows are locked instead.
func lockOwner(tx *gorm.DB, userID string) error {
	var owner User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", userID).
		Take(&owner).
		Error
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	var owned []Identity
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		Where("user_id = ?", userID).
		Find(&owned).
		Error
}

func promote(tx *gorm.DB, id, userID string, now time.Time) error {
	err := tx.Model(&Identity{}).
		Where("user_id = ? AND is_primary = ?", userID, true).
		Updates(map[string]any{"is_primary": false, "update_time": now}).
		Error
	if err != nil {
		return err
	}

	result := tx.Model(&Identity{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"is_primary": true, "update_time": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleIdentity
	}

	return pointOwnerAt(tx, userID, id, now)
}

func pointOwnerAt(tx *gorm.DB, userID, identityID string, now time.Time) error {
	return tx.Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]any{"primary_identity_id": identityID, "update_time": now}).
		Error
}

func optionalRow(identity *Identity, err error) (*Identity, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err)
	}
	return identity, nil
}

func storeError(err error) error {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrLastIdentity),
		errors.Is(err, ErrStaleIdentity),
		errors.Is(err, ErrStore):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
