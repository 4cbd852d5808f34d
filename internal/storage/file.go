package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// FileStore keeps every key in a single JSON document. Writes go to a temp
// file which is then renamed over the original.
type FileStore struct {
	fs   afero.Fs
	path string

	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewFileStore loads path from fsys, starting empty when it doesn't exist.
func NewFileStore(fsys afero.Fs, path string) (*FileStore, error) {
	s := &FileStore{
		fs:   fsys,
		path: path,
		data: make(map[string]json.RawMessage),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return s, nil
}

func (s *FileStore) load() error {
	raw, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, &s.data)
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return unwrapValue(raw), true, nil
}

func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = wrapValue(value)
	if err := s.saveLocked(); err != nil {
		return fmt.Errorf("failed to set state[%s]: %w", key, err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, k := range keys {
		if _, ok := s.data[k]; ok {
			delete(s.data, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.saveLocked()
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) saveLocked() error {
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return s.fs.Rename(tmp, s.path)
}

// JSON objects and arrays are stored inline so state.json stays readable;
// anything else is stored as a JSON string.
func wrapValue(value []byte) json.RawMessage {
	if len(value) > 0 && (value[0] == '{' || value[0] == '[') && json.Valid(value) {
		return append(json.RawMessage(nil), value...)
	}
	quoted, _ := json.Marshal(string(value))
	return quoted
}

func unwrapValue(raw json.RawMessage) []byte {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	}
	return append([]byte(nil), raw...)
}
