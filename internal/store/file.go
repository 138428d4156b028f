package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend persists each key as a JSON file under a directory, with an
// optional byte quota over the directory. Missing files read as absent.
type FileBackend struct {
	dir      string
	capacity int
}

// NewFileBackend creates a file backend rooted at dir, creating it as
// needed. A capacity of zero means unbounded.
func NewFileBackend(dir string, capacity int) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir, capacity: capacity}, nil
}

// Get reads the file for key.
func (b *FileBackend) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Set writes the file for key, enforcing the directory quota.
func (b *FileBackend) Set(key string, value []byte) error {
	if b.capacity > 0 {
		used, err := b.usedExcept(key)
		if err != nil {
			return err
		}
		if used+len(key)+len(value) > b.capacity {
			return ErrQuotaExceeded
		}
	}
	return os.WriteFile(b.path(key), value, 0o600)
}

// Delete removes the file for key.
func (b *FileBackend) Delete(key string) error {
	err := os.Remove(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Keys lists stored keys.
func (b *FileBackend) Keys() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	return keys, nil
}

// path maps a key to its file.
func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, key+".json")
}

// usedExcept sums stored bytes, skipping the key about to be rewritten.
func (b *FileBackend) usedExcept(key string) (int, error) {
	keys, err := b.Keys()
	if err != nil {
		return 0, err
	}
	used := 0
	for _, k := range keys {
		if k == key {
			continue
		}
		info, err := os.Stat(b.path(k))
		if err != nil {
			continue
		}
		used += len(k) + int(info.Size())
	}
	return used, nil
}
