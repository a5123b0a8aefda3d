// Package attachment persists message binary parts and correlates them with
// their owning message, rewriting inline references in HTML bodies.
package attachment

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Provider abstracts the blob store attachments are written to.
type Provider interface {
	Put(ctx context.Context, key string, reader io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// FSProvider stores blobs under a root directory on the local filesystem.
type FSProvider struct {
	root string
}

// NewFSProvider creates a filesystem blob provider rooted at root.
func NewFSProvider(root string) (*FSProvider, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSProvider{root: abs}, nil
}

// Put writes data under the given key.
func (p *FSProvider) Put(_ context.Context, key string, reader io.Reader) error {
	dest, err := p.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, reader); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

// Open reads a blob by key.
func (p *FSProvider) Open(_ context.Context, key string) (io.ReadCloser, error) {
	dest, err := p.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Delete removes a blob by key.
func (p *FSProvider) Delete(_ context.Context, key string) error {
	dest, err := p.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (p *FSProvider) path(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("blob key is required")
	}
	dest := filepath.Join(p.root, filepath.FromSlash(key))
	cleaned := filepath.Clean(dest)
	if cleaned != p.root && !strings.HasPrefix(cleaned, p.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("blob key escapes root: %s", key)
	}
	return cleaned, nil
}
