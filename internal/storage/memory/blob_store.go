// Package memory stores blob content in-memory for tests and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// BlobStore keeps assets in a map keyed by userID/assetID.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

func key(userID, assetID string) string {
	return userID + "/" + assetID
}

// SaveAsset stores a copy of the asset bytes.
func (s *BlobStore) SaveAsset(_ context.Context, userID, assetID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key(userID, assetID)] = append([]byte(nil), data...)
	return nil
}

// ReadAsset returns the stored bytes.
func (s *BlobStore) ReadAsset(_ context.Context, userID, assetID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key(userID, assetID)]
	if !ok {
		return nil, fmt.Errorf("asset %s/%s not found", userID, assetID)
	}
	return append([]byte(nil), data...), nil
}

// DeleteAsset removes the stored bytes. Missing assets are ignored.
func (s *BlobStore) DeleteAsset(_ context.Context, userID, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key(userID, assetID))
	return nil
}

// ListAssets returns the asset ids stored for a user, sorted.
func (s *BlobStore) ListAssets(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := userID + "/"
	var ids []string
	for k := range s.data {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			ids = append(ids, k[len(prefix):])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Len reports the number of stored assets across all users.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
