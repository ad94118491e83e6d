package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// FileProvider resolves secrets mounted as files, such as Docker or
// Kubernetes secrets. Trailing newlines are trimmed from file contents.
type FileProvider struct {
	readFile func(name string) ([]byte, error)
}

// NewFileProvider returns a provider that reads from the local filesystem.
func NewFileProvider() *FileProvider {
	return &FileProvider{readFile: os.ReadFile}
}

// GetSecrets implements SecretProvider.
func (p *FileProvider) GetSecrets(ctx context.Context, refs []string) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := p.readFile(ref)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading secret %s: %w", ref, err)
		}
		out[ref] = strings.TrimRight(string(b), "\r\n")
	}
	return out, nil
}
