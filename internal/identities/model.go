package identities

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidIdentityID indicates that an identity identifier is not a UUID.
	ErrInvalidIdentityID = errors.New("identities: invalid identity id")
	// ErrInvalidUserID indicates that a user identifier is not a UUID.
	ErrInvalidUserID = errors.New("identities: invalid user id")
	// ErrInvalidProviderUserID indicates that the provider-side account id is empty or too long.
	ErrInvalidProviderUserID = errors.New("identities: invalid provider user id")
)

const maxProviderUserIDLength = 255

// Identity links one user to one external provider account.
type Identity struct {
	ID                    string         `gorm:"column:id;primaryKey;size:36;not null"`
	UserID                string         `gorm:"column:user_id;size:36;not null;index:idx_user_identities_user;uniqueIndex:idx_user_identities_single_primary,where:is_primary"`
	Provider              Provider       `gorm:"column:provider;size:32;not null;uniqueIndex:idx_user_identities_provider_account,priority:1"`
	ProviderUserID        string         `gorm:"column:provider_user_id;size:255;not null;uniqueIndex:idx_user_identities_provider_account,priority:2"`
	ProviderEmail         *string        `gorm:"column:provider_email;size:320"`
	ProviderUsername      *string        `gorm:"column:provider_username;size:320"`
	ProviderAvatarURL     *string        `gorm:"column:provider_avatar_url;size:1024"`
	AccessTokenEncrypted  *string        `gorm:"column:access_token_encrypted;type:text"`
	RefreshTokenEncrypted *string        `gorm:"column:refresh_token_encrypted;type:text"`
	TokenExpiresAt        *time.Time     `gorm:"column:token_expires_at"`
	Metadata              map[string]any `gorm:"column:metadata;type:text;serializer:json"`
	IsPrimary             bool           `gorm:"column:is_primary;not null;default:false"`
	Verified              bool           `gorm:"column:verified;not null;default:false"`
	CreateTime            time.Time      `gorm:"column:create_time;not null"`
	UpdateTime            time.Time      `gorm:"column:update_time;not null"`
	LastUsedAt            *time.Time     `gorm:"column:last_used_at"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// User is the slice of the user record this service maintains: the primary identity pointer.
type User struct {
	ID                string    `gorm:"column:id;primaryKey;size:36;not null"`
	PrimaryIdentityID *string   `gorm:"column:primary_identity_id;size:36"`
	CreateTime        time.Time `gorm:"column:create_time;not null;autoCreateTime"`
	UpdateTime        time.Time `gorm:"column:update_time;not null;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Draft carries the caller-supplied attributes of an identity about to be created.
// Token fields hold sealed values. The primary flag is not part of a draft: Create
// decides it from the owner's identity count.
type Draft struct {
	UserID                string
	Provider              Provider
	ProviderUserID        string
	ProviderEmail         *string
	ProviderUsername      *string
	ProviderAvatarURL     *string
	AccessTokenEncrypted  *string
	RefreshTokenEncrypted *string
	TokenExpiresAt        *time.Time
	Metadata              map[string]any
	Verified              bool
}

// ParseIdentityID validates an identity identifier.
func ParseIdentityID(raw string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentityID, err)
	}
	return parsed.String(), nil
}

// ParseUserID validates a user identifier.
func ParseUserID(raw string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUserID, err)
	}
	return parsed.String(), nil
}

// ParseProviderUserID validates the provider-side account identifier.
func ParseProviderUserID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProviderUserID)
	}
	if len(trimmed) > maxProviderUserIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProviderUserID, maxProviderUserIDLength)
	}
	return trimmed, nil
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
