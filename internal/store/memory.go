package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/bookbridge/readalong/playback"
)

// MemoryStore keeps profiles in memory. It is used when persistence is
// disabled and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string]*playback.CalibrationProfile
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*playback.CalibrationProfile)}
}

func (m *MemoryStore) Load(_ context.Context, key string) (*playback.CalibrationProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profiles[key].Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, p *playback.CalibrationProfile) error {
	if p == nil || p.Key == "" {
		return calibrationError("save", errors.New("profile has no key"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.Key] = p.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, bookID string) ([]*playback.CalibrationProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*playback.CalibrationProfile
	for _, p := range m.profiles {
		if bookID == "" || p.BookID == bookID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
