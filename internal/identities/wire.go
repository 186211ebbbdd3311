package identities

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTimestamp indicates a wire timestamp with out-of-range nanoseconds.
var ErrInvalidTimestamp = errors.New("identities: invalid timestamp")

const nanosPerSecond = int32(time.Second)

// WireProvider is the closed provider enumeration used on the wire.
type WireProvider int32

const (
	WireProviderUnspecified WireProvider = 0
	WireProviderGoogle      WireProvider = 1
	WireProviderGitHub      WireProvider = 2
	WireProviderTwitter     WireProvider = 3
	WireProviderDiscord     WireProvider = 4
	WireProviderApple       WireProvider = 5
	WireProviderMicrosoft   WireProvider = 6
	WireProviderEmail       WireProvider = 7
)

var wireProviderNames = map[WireProvider]string{
	WireProviderUnspecified: "IDENTITY_PROVIDER_UNSPECIFIED",
	WireProviderGoogle:      "IDENTITY_PROVIDER_GOOGLE",
	WireProviderGitHub:      "IDENTITY_PROVIDER_GITHUB",
	WireProviderTwitter:     "IDENTITY_PROVIDER_TWITTER",
	WireProviderDiscord:     "IDENTITY_PROVIDER_DISCORD",
	WireProviderApple:       "IDENTITY_PROVIDER_APPLE",
	WireProviderMicrosoft:   "IDENTITY_PROVIDER_MICROSOFT",
	WireProviderEmail:       "IDENTITY_PROVIDER_EMAIL",
}

func (p WireProvider) String() string {
	if name, ok := wireProviderNames[p]; ok {
		return name
	}
	return fmt.Sprintf("IDENTITY_PROVIDER(%d)", int32(p))
}

// ProviderToWire encodes a stored provider.
func ProviderToWire(provider Provider) (WireProvider, error) {
	switch provider {
	case ProviderGoogle:
		return WireProviderGoogle, nil
	case ProviderGitHub:
		return WireProviderGitHub, nil
	case ProviderTwitter:
		return WireProviderTwitter, nil
	case ProviderDiscord:
		return WireProviderDiscord, nil
	case ProviderApple:
		return WireProviderApple, nil
	case ProviderMicrosoft:
		return WireProviderMicrosoft, nil
	case ProviderEmail:
		return WireProviderEmail, nil
	default:
		return WireProviderUnspecified, fmt.Errorf("%w: stored value %q", ErrUnknownProvider, string(provider))
	}
}

// ProviderFromWire decodes a wire provider. The unspecified value is rejected.
func ProviderFromWire(wire WireProvider) (Provider, error) {
	switch wire {
	case WireProviderGoogle:
		return ProviderGoogle, nil
	case WireProviderGitHub:
		return ProviderGitHub, nil
	case WireProviderTwitter:
		return ProviderTwitter, nil
	case WireProviderDiscord:
		return ProviderDiscord, nil
	case WireProviderApple:
		return ProviderApple, nil
	case WireProviderMicrosoft:
		return ProviderMicrosoft, nil
	case WireProviderEmail:
		return ProviderEmail, nil
	default:
		return "", fmt.Errorf("%w: wire value %s", ErrUnknownProvider, wire)
	}
}

// Timestamp encodes an instant as seconds and nanoseconds since the Unix epoch.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// NewTimestamp encodes t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{
		Seconds: t.Unix(),
		Nanos:   int32(t.Nanosecond()),
	}
}

// Time decodes the timestamp as a UTC instant.
func (ts Timestamp) Time() (time.Time, error) {
	if ts.Nanos < 0 || ts.Nanos >= nanosPerSecond {
		return time.Time{}, fmt.Errorf("%w: nanos %d out of range", ErrInvalidTimestamp, ts.Nanos)
	}
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC(), nil
}

func optionalTimestamp(t *time.Time) *Timestamp {
	if t == nil {
		return nil
	}
	encoded := NewTimestamp(*t)
	return &encoded
}

// WireIdentity is the transport representation of an identity. Token fields are never
// exposed. Absent optional text renders as "", so absence and empty text are
// indistinguishable to callers.
type WireIdentity struct {
	UID               string       `json:"uid"`
	UserUID           string       `json:"user_uid"`
	Provider          WireProvider `json:"provider"`
	ProviderUserID    string       `json:"provider_user_id"`
	ProviderEmail     string       `json:"provider_email"`
	ProviderUsername  string       `json:"provider_username"`
	ProviderAvatarURL string       `json:"provider_avatar_url"`
	IsPrimary         bool         `json:"is_primary"`
	Verified          bool         `json:"verified"`
	CreateTime        *Timestamp   `json:"create_time"`
	UpdateTime        *Timestamp   `json:"update_time"`
	LastUsedAt        *Timestamp   `json:"last_used_at"`
}

// ToWire encodes a stored identity. It fails only when the stored provider is outside
// the closed set, which indicates corrupted data.
func ToWire(identity Identity) (WireIdentity, error) {
	provider, err := ProviderToWire(identity.Provider)
	if err != nil {
		return WireIdentity{}, err
	}
	createTime := NewTimestamp(identity.CreateTime)
	updateTime := NewTimestamp(identity.UpdateTime)
	return WireIdentity{
		UID:               identity.ID,
		UserUID:           identity.UserID,
		Provider:          provider,
		ProviderUserID:    identity.ProviderUserID,
		ProviderEmail:     stringOrEmpty(identity.ProviderEmail),
		ProviderUsername:  stringOrEmpty(identity.ProviderUsername),
		ProviderAvatarURL: stringOrEmpty(identity.ProviderAvatarURL),
		IsPrimary:         identity.IsPrimary,
		Verified:          identity.Verified,
		CreateTime:        &createTime,
		UpdateTime:        &updateTime,
		LastUsedAt:        optionalTimestamp(identity.LastUsedAt),
	}, nil
}

// IdentityResponse is the common response shape of every identity operation.
type IdentityResponse struct {
	Identities []WireIdentity `json:"identities"`
}

// GetIdentityRequest selects an identity by exactly one of UID, UserUID or
// ProviderUserID. Provider accompanies ProviderUserID.
type GetIdentityRequest struct {
	UID            *string      `json:"uid,omitempty"`
	UserUID        *string      `json:"user_uid,omitempty"`
	ProviderUserID *string      `json:"provider_user_id,omitempty"`
	Provider       WireProvider `json:"provider"`
}

// ListIdentitiesRequest lists a user's identities.
type ListIdentitiesRequest struct {
	UserUID string `json:"user_uid"`
}

// LinkIdentityRequest links a provider account, or refreshes an existing link.
type LinkIdentityRequest struct {
	UserUID           *string        `json:"user_uid,omitempty"`
	Provider          WireProvider   `json:"provider"`
	ProviderUserID    string         `json:"provider_user_id"`
	ProviderEmail     string         `json:"provider_email"`
	ProviderUsername  string         `json:"provider_username"`
	ProviderAvatarURL string         `json:"provider_avatar_url"`
	AccessToken       string         `json:"access_token"`
	RefreshToken      string         `json:"refresh_token"`
	TokenExpiresAt    *Timestamp     `json:"token_expires_at,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Verified          bool           `json:"verified"`
}

// UnlinkIdentityRequest removes an identity from its owner.
type UnlinkIdentityRequest struct {
	IdentityUID string `json:"identity_uid"`
	UserUID     string `json:"user_uid"`
}

// SetPrimaryIdentityRequest designates an identity as the owner's primary.
type SetPrimaryIdentityRequest struct {
	IdentityUID string `json:"identity_uid"`
	UserUID     string `json:"user_uid"`
}
