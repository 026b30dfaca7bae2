// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where assets are stored.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes assets to BaseDir/userID/assetID.
type BlobStore struct {
	baseDir string
}

// New creates a filesystem-backed blob store, verifying the base directory
// exists and is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case err != nil && os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, errors.New("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

func (s *BlobStore) assetPath(userID, assetID string) (string, error) {
	fullPath := filepath.Join(s.baseDir, userID, assetID)

	// Reject ids that would escape the base directory.
	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("asset path escapes base directory: %s/%s", userID, assetID)
	}
	return fullPath, nil
}

// SaveAsset writes the asset bytes to disk.
func (s *BlobStore) SaveAsset(_ context.Context, userID, assetID string, data []byte) error {
	path, err := s.assetPath(userID, assetID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create asset directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write asset file: %w", err)
	}
	return nil
}

// ReadAsset reads the asset bytes from disk.
func (s *BlobStore) ReadAsset(_ context.Context, userID, assetID string) ([]byte, error) {
	path, err := s.assetPath(userID, assetID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset file: %w", err)
	}
	return data, nil
}

// DeleteAsset removes the asset file. Deleting a missing asset is not an
// error, so compensating cleanup stays idempotent.
func (s *BlobStore) DeleteAsset(_ context.Context, userID, assetID string) error {
	path, err := s.assetPath(userID, assetID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete asset file: %w", err)
	}
	return nil
}

// ListAssets returns all asset ids stored for a user.
func (s *BlobStore) ListAssets(_ context.Context, userID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list user assets: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}
