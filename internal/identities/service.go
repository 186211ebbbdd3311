package identities

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

const (
	opGetIdentity        = "identities.get"
	opListIdentities     = "identities.list"
	opLinkIdentity       = "identities.link"
	opUnlinkIdentity     = "identities.unlink"
	opSetPrimaryIdentity = "identities.set_primary"
)

var (
	errMissingStore = errors.New("identities: store is required")
	noOpLogger      = zap.NewNop()
)

// Store is the persistence surface the service orchestrates.
type Store interface {
	FindByID(ctx context.Context, id string) (*Identity, error)
	FindByProvider(ctx context.Context, provider Provider, providerUserID string) (*Identity, error)
	FindByUser(ctx context.Context, userID string) ([]Identity, error)
	CountByUser(ctx context.Context, userID string) (int64, error)
	Create(ctx context.Context, draft Draft) (Identity, error)
	SetPrimary(ctx context.Context, id, userID string) error
	Unlink(ctx context.Context, id, userID, replacementID string) error
	TouchLastUsed(ctx context.Context, id string) error
}

// ServiceConfig describes the dependencies of the identity service.
type ServiceConfig struct {
	Store  Store
	Sealer TokenSealer
	Logger *zap.Logger
}

// Service validates identity requests and enforces the primary identity invariants.
type Service struct {
	store  Store
	sealer TokenSealer
	logger *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	sealer := cfg.Sealer
	if sealer == nil {
		sealer = PlaintextSealer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:  cfg.Store,
		sealer: sealer,
		logger: logger,
	}, nil
}

// GetIdentity returns at most one identity chosen by exactly one selector.
func (s *Service) GetIdentity(ctx context.Context, request GetIdentityRequest) (IdentityResponse, error) {
	populated := 0
	for _, selector := range []*string{request.UID, request.UserUID, request.ProviderUserID} {
		if selector != nil {
			populated++
		}
	}
	if populated != 1 {
		return IdentityResponse{}, newServiceError(KindInvalidArgument, opGetIdentity, "invalid_selector",
			"exactly one of uid, user_uid or provider_user_id must be provided", nil)
	}

	var (
		identity *Identity
		err      error
	)
	switch {
	case request.UID != nil:
		id, parseErr := ParseIdentityID(*request.UID)
		if parseErr != nil {
			return IdentityResponse{}, newServiceError(KindInvalidArgument, opGetIdentity, "invalid_uid", "", parseErr)
		}
		identity, err = s.store.FindByID(ctx, id)
	case request.UserUID != nil:
		userID, parseErr := ParseUserID(*request.UserUID)
		if parseErr != nil {
			return IdentityResponse{}, newServiceError(KindInvalidArgument, opGetIdentity, "invalid_user_uid", "", parseErr)
		}
		var owned []Identity
		owned, err = s.store.FindByUser(ctx, userID)
		if err == nil && len(owned) > 0 {
			identity = &owned[0]
		}
	default:
		provider, parseErr := ProviderFromWire(request.Provider)
		if parseErr != nil {
			return IdentityResponse{}, newServiceError(KindInvalidArgument, opGetIdentity, "invalid_provider", "", parseErr)
		}
		providerUserID, parseErr := ParseProviderUserID(*request.ProviderUserID)
		if parseErr != nil {
			return IdentityResponse{}, newServiceError(KindInvalidArgument, opGetIdentity, "invalid_provider_user_id", "", parseErr)
		}
		identity, err = s.store.FindByProvider(ctx, provider, providerUserID)
	}
	if err != nil {
		return IdentityResponse{}, s.internal(opGetIdentity, "lookup_failed", err)
	}

	if identity == nil {
		return IdentityResponse{Identities: []WireIdentity{}}, nil
	}
	return s.respond(opGetIdentity, *identity)
}

// ListIdentities returns every identity of the user, primary first.
func (s *Service) ListIdentities(ctx context.Context, request ListIdentitiesRequest) (IdentityResponse, error) {
	userID, err := ParseUserID(request.UserUID)
	if err != nil {
		return IdentityResponse{}, newServiceError(KindInvalidArgument, opListIdentities, "invalid_user_uid", "", err)
	}
	owned, err := s.store.FindByUser(ctx, userID)
	if err != nil {
		return IdentityResponse{}, s.internal(opListIdentities, "query_failed", err, zap.String("user_id", userID))
	}
	return s.respond(opListIdentities, owned...)
}

// LinkIdentity attaches a provider account to a user. Linking an account that is
// already attached only refreshes its last use.
func (s *Service) LinkIdentity(ctx context.Context, request LinkIdentityRequest) (IdentityResponse, error) {
	provider, err := ProviderFromWire(request.Provider)
	if err != nil {
		return IdentityResponse{}, newServiceError(KindInvalidArgument, opLinkIdentity, "invalid_provider", "", err)
	}
	providerUserID, err := ParseProviderUserID(request.ProviderUserID)
	if err != nil {
		return IdentityResponse{}, newServiceError(KindInvalidArgument, opLinkIdentity, "invalid_provider_user_id", "", err)
	}

	existing, err := s.store.FindByProvider(ctx, provider, providerUserID)
	if err != nil {
		return IdentityResponse{}, s.internal(opLinkIdentity, "lookup_failed", err)
	}
	if existing != nil {
		return s.refreshLink(ctx, *existing)
	}

	if request.UserUID == nil {
		return IdentityResponse{}, newServiceError(KindUnimplemented, opLinkIdentity, "user_required",
			"automatic user creation is not supported; provide user_uid", nil)
	}
	userID, err := ParseUserID(*request.UserUID)
	if err != nil {
		return IdentityResponse{}, newServiceError(KindInvalidArgument, opLinkIdentity, "invalid_user_uid", "", err)
	}

	draft := Draft{
		UserID:            userID,
		Provider:          provider,
		ProviderUserID:    providerUserID,
		ProviderEmail:     optionalString(request.ProviderEmail),
		ProviderUsername:  optionalString(request.ProviderUsername),
		ProviderAvatarURL: optionalString(request.ProviderAvatarURL),
		Metadata:          request.Metadata,
		Verified:          request.Verified,
	}
	if request.TokenExpiresAt != nil {
		expiresAt, err := request.TokenExpiresAt.Time()
		if err != nil {
			return IdentityResponse{}, newServiceError(KindInvalidArgument, opLinkIdentity, "invalid_token_expiry", "", err)
		}
		draft.TokenExpiresAt = &expiresAt
	}
	if draft.AccessTokenEncrypted, err = sealOptional(ctx, s.sealer, request.AccessToken); err != nil {
		return IdentityResponse{}, s.internal(opLinkIdentity, "seal_failed", err)
	}
	if draft.RefreshTokenEncrypted, err = sealOptional(ctx, s.sealer, request.RefreshToken); err != nil {
		return IdentityResponse{}, s.internal(opLinkIdentity, "seal_failed", err)
	}

	created, err := s.store.Create(ctx, draft)
	if errors.Is(err, ErrConflict) {
		winner, lookupErr := s.store.FindByProvider(ctx, provider, providerUserID)
		if lookupErr != nil {
			return IdentityResponse{}, s.internal(opLinkIdentity, "lookup_failed", lookupErr)
		}
		if winner == nil {
			return IdentityResponse{}, s.internal(opLinkIdentity, "conflict_unresolved", err)
		}
		s.logger.Debug("concurrent link resolved as refresh",
			zap.String("identity_id", winner.ID),
			zap.String("provider", provider.String()))
		return s.refreshLink(ctx, *winner)
	}
	if err != nil {
		return IdentityResponse{}, s.internal(opLinkIdentity, "create_failed", err, zap.String("user_id", userID))
	}

	s.logger.Info("identity linked",
		zap.String("identity_id", created.ID),
		zap.String("user_id", created.UserID),
		zap.String("provider", created.Provider.String()),
		zap.Bool("primary", created.IsPrimary))
	return s.respond(opLinkIdentity, created)
}

// UnlinkIdentity removes an identity from its owner. The last identity cannot be
// removed; removing the primary promotes the oldest remaining identity.
func (s *Service) UnlinkIdentity(ctx context.Context, request UnlinkIdentityRequest) (IdentityResponse, error) {
	identityID, userID, err := parseOwnedReference(opUnlinkIdentity, request.IdentityUID, request.UserUID)
	if err != nil {
		return IdentityResponse{}, err
	}

	identity, err := s.ownedIdentity(ctx, opUnlinkIdentity, identityID, userID)
	if err != nil {
		return IdentityResponse{}, err
	}

	owned, err := s.store.CountByUser(ctx, userID)
	if err != nil {
		return IdentityResponse{}, s.internal(opUnlinkIdentity, "count_failed", err, zap.String("user_id", userID))
	}
	if owned <= 1 {
		return IdentityResponse{}, newServiceError(KindFailedPrecondition, opUnlinkIdentity, "last_identity",
			"cannot unlink the last identity of a user", nil)
	}

	replacementID := ""
	if identity.IsPrimary {
		remaining, err := s.store.FindByUser(ctx, userID)
		if err != nil {
			return IdentityResponse{}, s.internal(opUnlinkIdentity, "query_failed", err, zap.String("user_id", userID))
		}
		if replacement := OldestRemaining(remaining, identityID); replacement != nil {
			replacementID = replacement.ID
		}
	}

	err = s.store.Unlink(ctx, identityID, userID, replacementID)
	switch {
	case errors.Is(err, ErrLastIdentity):
		return IdentityResponse{}, newServiceError(KindFailedPrecondition, opUnlinkIdentity, "last_identity",
			"cannot unlink the last identity of a user", err)
	case errors.Is(err, ErrStaleIdentity):
		return IdentityResponse{}, newServiceError(KindNotFound, opUnlinkIdentity, "identity_not_found",
			"identity not found", err)
	case err != nil:
		return IdentityResponse{}, s.internal(opUnlinkIdentity, "unlink_failed", err,
			zap.String("identity_id", identityID), zap.String("user_id", userID))
	}

	s.logger.Info("identity unlinked",
		zap.String("identity_id", identityID),
		zap.String("user_id", userID),
		zap.String("promoted_identity_id", replacementID))
	return IdentityResponse{Identities: []WireIdentity{}}, nil
}

// SetPrimaryIdentity designates the identity as its owner's primary identity.
func (s *Service) SetPrimaryIdentity(ctx context.Context, request SetPrimaryIdentityRequest) (IdentityResponse, error) {
	identityID, userID, err := parseOwnedReference(opSetPrimaryIdentity, request.IdentityUID, request.UserUID)
	if err != nil {
		return IdentityResponse{}, err
	}
	if _, err := s.ownedIdentity(ctx, opSetPrimaryIdentity, identityID, userID); err != nil {
		return IdentityResponse{}, err
	}

	err = s.store.SetPrimary(ctx, identityID, userID)
	if errors.Is(err, ErrStaleIdentity) {
		return IdentityResponse{}, newServiceError(KindNotFound, opSetPrimaryIdentity, "identity_not_found",
			"identity not found", err)
	}
	if err != nil {
		return IdentityResponse{}, s.internal(opSetPrimaryIdentity, "set_primary_failed", err,
			zap.String("identity_id", identityID), zap.String("user_id", userID))
	}

	updated, err := s.store.FindByID(ctx, identityID)
	if err != nil {
		return IdentityResponse{}, s.internal(opSetPrimaryIdentity, "reload_failed", err, zap.String("identity_id", identityID))
	}
	if updated == nil {
		return IdentityResponse{}, s.internal(opSetPrimaryIdentity, "reload_missing", ErrStaleIdentity, zap.String("identity_id", identityID))
	}
	return s.respond(opSetPrimaryIdentity, *updated)
}

func (s *Service) refreshLink(ctx context.Context, existing Identity) (IdentityResponse, error) {
	if err := s.store.TouchLastUsed(ctx, existing.ID); err != nil {
		return IdentityResponse{}, s.internal(opLinkIdentity, "touch_failed", err, zap.String("identity_id", existing.ID))
	}
	refreshed, err := s.store.FindByID(ctx, existing.ID)
	if err != nil {
		return IdentityResponse{}, s.internal(opLinkIdentity, "reload_failed", err, zap.String("identity_id", existing.ID))
	}
	if refreshed == nil {
		return IdentityResponse{}, s.internal(opLinkIdentity, "reload_missing", ErrStaleIdentity, zap.String("identity_id", existing.ID))
	}
	return s.respond(opLinkIdentity, *refreshed)
}

// ownedIdentity loads the identity and checks it belongs to userID.
func (s *Service) ownedIdentity(ctx context.Context, operation, identityID, userID string) (*Identity, error) {
	identity, err := s.store.FindByID(ctx, identityID)
	if err != nil {
		return nil, s.internal(operation, "lookup_failed", err, zap.String("identity_id", identityID))
	}
	if identity == nil {
		return nil, newServiceError(KindNotFound, operation, "identity_not_found", "identity not found", nil)
	}
	if identity.UserID != userID {
		return nil, newServiceError(KindPermissionDenied, operation, "not_owner",
			"identity does not belong to the specified user", nil)
	}
	return identity, nil
}

func (s *Service) respond(operation string, identities ...Identity) (IdentityResponse, error) {
	response := IdentityResponse{Identities: make([]WireIdentity, 0, len(identities))}
	for _, identity := range identities {
		wire, err := ToWire(identity)
		if err != nil {
			return IdentityResponse{}, s.internal(operation, "corrupt_provider", err, zap.String("identity_id", identity.ID))
		}
		response.Identities = append(response.Identities, wire)
	}
	return response, nil
}

func (s *Service) internal(operation, reason string, err error, fields ...zap.Field) error {
	s.logError(operation, reason, err, fields...)
	return newServiceError(KindInternal, operation, reason, "", err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("identity service error", attrs...)
}

func parseOwnedReference(operation, rawIdentityID, rawUserID string) (string, string, error) {
	identityID, err := ParseIdentityID(rawIdentityID)
	if err != nil {
		return "", "", newServiceError(KindInvalidArgument, operation, "invalid_identity_uid", "", err)
	}
	userID, err := ParseUserID(rawUserID)
	if err != nil {
		return "", "", newServiceError(KindInvalidArgument, operation, "invalid_user_uid", "", err)
	}
	return identityID, userID, nil
}
