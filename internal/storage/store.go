package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/coride/internal/models"
)

// ErrNotFound is returned for unknown or expired search ids.
var ErrNotFound = errors.New("search not found")

// SearchStore keeps issued search results until they expire.
type SearchStore interface {
	SaveSearch(ctx context.Context, r models.SearchResult) error
	GetSearch(ctx context.Context, id string) (models.SearchResult, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	searches map[string]models.SearchResult
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{searches: make(map[string]models.SearchResult), now: time.Now}
}

func (m *MemoryStore) SaveSearch(_ context.Context, r models.SearchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches[r.SearchID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetSearch(_ context.Context, id string) (models.SearchResult, error) {
	m.mu.RLock()
	r, ok := m.searches[id]
	m.mu.RUnlock()
	if !ok || r.Expired(m.now()) {
		return models.SearchResult{}, ErrNotFound
	}
	return r.Clone(), nil
}

// Purge drops expired results and returns how many were removed.
func (m *MemoryStore) Purge() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.searches {
		if r.Expired(now) {
			delete(m.searches, id)
			n++
		}
	}
	return n
}

// RunPurger purges expired results every interval until ctx is done.
func (m *MemoryStore) RunPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Purge()
		}
	}
}

// Layered writes to a fast cache and a durable archive and reads from the
// cache first. Either may be nil.
type Layered struct {
	Cache   SearchStore
	Archive SearchStore
}

func (l *Layered) SaveSearch(ctx context.Context, r models.SearchResult) error {
	var errs []error
	for _, s := range []SearchStore{l.Cache, l.Archive} {
		if s == nil {
			continue
		}
		if err := s.SaveSearch(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Layered) GetSearch(ctx context.Context, id string) (models.SearchResult, error) {
	var lastErr error = ErrNotFound
	for _, s := range []SearchStore{l.Cache, l.Archive} {
		if s == nil {
			continue
		}
		r, err := s.GetSearch(ctx, id)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrNotFound) {
			lastErr = err
		}
	}
	return models.SearchResult{}, lastErr
}
