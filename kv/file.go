package kv

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const fileSuffix = ".json"

// FileStore provides a file-based implementation of Store that keeps one file
// per key on disk. Keys are path-escaped into flat file names.
type FileStore struct {
	basePath string
	mu       sync.Mutex // Protects file operations
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a new file-based store rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{basePath: basePath}, nil
}

// Get reads the file for key.
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.filename(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Put writes value through a temporary file and renames it into place.
func (f *FileStore) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(key)
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

// Delete removes the file for key.
func (f *FileStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.filename(key)); err != nil {
		if os.IsNotExist(err) {
			// Already deleted, not an error
			return nil
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Scan lists the directory, decodes file names back into keys and visits the
// ones under prefix in sorted order.
func (f *FileStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	f.mu.Lock()
	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		f.mu.Unlock()
		return fmt.Errorf("failed to list %s: %w", f.basePath, err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	f.mu.Unlock()

	sort.Strings(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, err := f.Get(ctx, key)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

// filename returns the full path for a key's file.
func (f *FileStore) filename(key string) string {
	return filepath.Join(f.basePath, url.PathEscape(key)+fileSuffix)
}
