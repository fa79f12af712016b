// Package secrets abstracts the platform secret store and adds an in-memory
// TTL cache for resolved values.
package secrets

import "context"

// Provider is a generic secret store. Concrete implementations (AWS, GCP,
// etc.) can satisfy this.
type Provider interface {
	// GetSecret retrieves a secret by key/path and returns a key-value map.
	GetSecret(ctx context.Context, key string) (map[string]string, error)

	// ListSecrets returns the names of all secrets whose name matches the
	// given prefix.
	ListSecrets(ctx context.Context, prefix string) ([]string, error)
}
