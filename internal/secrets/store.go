package secrets

import "context"

// Store abstracts secret storage. Implementations handle
// encryption/decryption internally so callers never see ciphertext or
// nonces. A single writer (the settings owner) is expected; reads are
// unrestricted within the process per spec.md §5's "single writer, many
// readers" ownership rule.
type Store interface {
	// Create stores a new secret (encrypts the value).
	Create(ctx context.Context, secret *SecretWithValue) error

	// Get retrieves secret metadata (without value) by id.
	Get(ctx context.Context, id string) (*Secret, error)

	// GetByEnvKey retrieves secret metadata by env key name.
	GetByEnvKey(ctx context.Context, envKey string) (*Secret, error)

	// Reveal retrieves the decrypted value of a secret by id.
	Reveal(ctx context.Context, id string) (string, error)

	// RevealByEnvKey retrieves the decrypted value by env key name. This
	// is the path the Credential Renderer (C3) uses to resolve bindings.
	RevealByEnvKey(ctx context.Context, envKey string) (string, error)

	// Update updates a secret's value.
	Update(ctx context.Context, id string, req *UpdateSecretRequest) error

	// Delete permanently removes a secret.
	Delete(ctx context.Context, id string) error

	// List returns all secrets without values.
	List(ctx context.Context) ([]*SecretListItem, error)

	// Close releases resources.
	Close() error
}
