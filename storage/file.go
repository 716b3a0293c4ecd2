package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore persists entries as a single JSON object on disk. Every write
// rewrites the file through a temp file and rename.
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string]json.RawMessage
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store requires a path")
	}
	f := &FileStore{path: path, data: make(map[string]json.RawMessage)}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &f.data); err != nil {
			return nil, fmt.Errorf("failed to parse store file %s: %w", path, err)
		}
	}
	return f, nil
}

func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeFileValue(v), nil
}

func (f *FileStore) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = encodeFileValue(value)
	return f.flush()
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.flush()
}

func (f *FileStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			delete(f.data, k)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, f.flush()
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) flush() error {
	raw, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return wrap("flush", f.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return wrap("flush", f.path, err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return wrap("flush", f.path, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return wrap("flush", f.path, err)
	}
	return nil
}

// Valid JSON values other than strings are embedded as-is; anything else is
// stored as a JSON string.
func encodeFileValue(v []byte) json.RawMessage {
	if json.Valid(v) && v[0] != '"' {
		return append(json.RawMessage(nil), v...)
	}
	s, _ := json.Marshal(string(v))
	return s
}

func decodeFileValue(v json.RawMessage) []byte {
	if len(v) > 0 && v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return []byte(s)
		}
	}
	return append([]byte(nil), v...)
}
