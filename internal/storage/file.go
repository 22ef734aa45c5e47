package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/proxy-pool-api/internal/types"
)

// poolFile is the on-disk layout: freshness first, so it reads at a glance
type poolFile struct {
	Freshness Freshness       `json:"freshness"`
	Pool      *types.Snapshot `json:"pool"`
}

// FileStorage keeps the pool in a single JSON document
type FileStorage struct {
	path string
}

func NewFileStorage(path string) (*FileStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	return &FileStorage{path: path}, nil
}

func (f *FileStorage) Save(snapshot *types.Snapshot) error {
	data, err := json.MarshalIndent(poolFile{Freshness: freshnessOf(snapshot), Pool: snapshot}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pool: %w", err)
	}

	// Readers only ever see a complete file
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStorage) Load() (*types.Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}

	var stored poolFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	if stored.Pool == nil {
		return nil, fmt.Errorf("decode %s: no pool section", f.path)
	}

	return loaded("file", stored.Freshness, stored.Pool), nil
}

func (f *FileStorage) Close() error {
	return nil
}
