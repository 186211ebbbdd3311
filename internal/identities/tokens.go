package identities

import "context"

// TokenSealer transforms provider tokens before they are persisted in the
// *_token_encrypted columns.
type TokenSealer interface {
	Seal(ctx context.Context, plaintext string) (string, error)
}

// PlaintextSealer stores tokens unchanged. No cipher or key management has been
// chosen yet, so this is the only sealer shipped; the server warns when it is active.
type PlaintextSealer struct{}

// Seal returns the plaintext as is.
func (PlaintextSealer) Seal(_ context.Context, plaintext string) (string, error) {
	return plaintext, nil
}

func sealOptional(ctx context.Context, sealer TokenSealer, token string) (*string, error) {
	if token == "" {
		return nil, nil
	}
	sealed, err := sealer.Seal(ctx, token)
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}
