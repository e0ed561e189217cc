package accessmatrix

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

// MCPKeyRepository looks up and records usage of an MCP key by the hash
// of its raw bearer secret.
type MCPKeyRepository interface {
	GetBySecretHash(ctx context.Context, hash string) (*domain.MCPKey, error)
	TouchUsage(ctx context.Context, keyID string) error
}

// KeyResolver implements httpmw.KeyResolver against the persistence
// layer, so the HTTP middleware never depends on a database.
type KeyResolver struct {
	keys MCPKeyRepository
}

// NewKeyResolver builds a KeyResolver backed by keys.
func NewKeyResolver(keys MCPKeyRepository) *KeyResolver {
	return &KeyResolver{keys: keys}
}

// HashKey returns the stable lookup hash for a raw bearer secret. Keys
// are stored hashed (spec.md §3); this is the same hash used at issuance.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ResolveKey satisfies httpmw.KeyResolver.
func (r *KeyResolver) ResolveKey(ctx context.Context, rawKey string) (*httpmw.Principal, error) {
	key, err := r.keys.GetBySecretHash(ctx, HashKey(rawKey))
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.Unauthorized, "resolve mcp key", err)
	}
	if key.RevokedAt != nil {
		return nil, trinityerr.New(trinityerr.Unauthorized, "mcp key revoked")
	}

	if err := r.keys.TouchUsage(ctx, key.ID); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "record mcp key usage", err)
	}

	return &httpmw.Principal{
		Kind:         httpmw.PrincipalKey,
		UserID:       key.OwnerUserID,
		KeyID:        key.ID,
		SystemScoped: key.SystemScoped,
	}, nil
}
