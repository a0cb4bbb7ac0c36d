package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/exp/maps"
)

// File is a KeyValueStore persisted as a single JSON document.
//
// Every write replaces the file atomically (temporary file and rename),
// so a reader never observes a partially written document.
type File struct {
	path string

	mu      sync.RWMutex
	entries map[string]string
}

// OpenFile loads the store at path. A missing file is an empty store.
func OpenFile(path string) (*File, error) {
	f := &File{
		path:    path,
		entries: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return f, nil
	}

	if err := json.Unmarshal(data, &f.entries); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	return f, nil
}

func (f *File) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	value, ok := f.entries[key]

	return value, ok
}

func (f *File) Set(key string, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := maps.Clone(f.entries)
	next[key] = value

	return f.commit(next)
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.entries[key]; !ok {
		return nil
	}

	next := maps.Clone(f.entries)
	delete(next, key)

	return f.commit(next)
}

// commit must be called with mu held.
func (f *File) commit(entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return err
	}

	f.entries = entries

	return nil
}
