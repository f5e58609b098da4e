// Package telemetrystore keeps the latest telemetry snapshot per asset.
// Slots are independent and last-write-wins, so a single RWMutex over the
// map is enough; no cross-asset ordering is implied.
package telemetrystore

import (
	"sort"
	"sync"

	"github.com/pfriedland/distributed-der/core/model"
)

// Store is the in-memory latest-value telemetry cache.
type Store interface {
	Set(model.Telemetry)
	// Get returns the latest snapshot for the asset. ok is false when the
	// asset has never reported; callers must surface "not found" rather
	// than invent stale data.
	Get(assetID string) (model.Telemetry, bool)
	List() []model.Telemetry
}

// MemoryStore implements Store with a mutex-protected map.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]model.Telemetry
}

// NewMemoryStore creates an empty cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]model.Telemetry{}}
}

func (s *MemoryStore) Set(t model.Telemetry) {
	s.mu.Lock()
	s.data[t.AssetID] = t
	s.mu.Unlock()
}

func (s *MemoryStore) Get(assetID string) (model.Telemetry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.data[assetID]
	return t, ok
}

func (s *MemoryStore) List() []model.Telemetry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.Telemetry, 0, len(s.data))
	for _, t := range s.data {
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].AssetID < res[j].AssetID })
	return res
}
