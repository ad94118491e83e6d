package config

import "context"

// SecretProvider abstracts the retrieval of secrets referenced from the
// environment. Keys are provider-specific references (file paths for the
// mounted-secret provider).
type SecretProvider interface {
	// GetSecrets resolves every reference it can and returns a map of
	// reference -> plaintext value. References that do not exist are absent
	// from the map rather than reported as an error.
	GetSecrets(ctx context.Context, refs []string) (map[string]string, error)
}
