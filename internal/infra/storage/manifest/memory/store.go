package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/harborline/catalog-sync/internal/domain/catalog"
)

var _ catalog.ManifestStore = (*manifestStore)(nil)

// manifestStore is an in-memory implementation of catalog.ManifestStore for
// tests and local runs without a database. Manifests are stored as their
// serialized form so loads return independent copies, matching the isolation
// a real store provides.
type manifestStore struct {
	mu        sync.Mutex
	manifests map[uuid.UUID][]byte
	order     []uuid.UUID
	locked    bool
}

// NewManifestStore creates an empty in-memory manifest store.
func NewManifestStore() *manifestStore {
	return &manifestStore{manifests: make(map[uuid.UUID][]byte)}
}

func (s *manifestStore) Load(_ context.Context, mode catalog.RunMode) (*catalog.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		payload, ok := s.manifests[s.order[i]]
		if !ok {
			continue
		}
		m, err := decode(payload)
		if err != nil {
			return nil, err
		}
		if m.Mode() == mode {
			return m, nil
		}
	}
	return nil, nil
}

func (s *manifestStore) LoadByHandle(_ context.Context, handle uuid.UUID) (*catalog.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, ok := s.manifests[handle]
	if !ok {
		return nil, nil
	}
	return decode(payload)
}

func (s *manifestStore) Save(_ context.Context, m *catalog.Manifest) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.manifests[m.Handle()]; !exists {
		s.order = append(s.order, m.Handle())
	}
	s.manifests[m.Handle()] = payload
	return nil
}

func (s *manifestStore) Clear(_ context.Context, mode catalog.RunMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for handle, payload := range s.manifests {
		m, err := decode(payload)
		if err != nil {
			return err
		}
		if m.Mode() == mode {
			delete(s.manifests, handle)
		}
	}
	return nil
}

func (s *manifestStore) AcquireRunLock(context.Context) (func(ctx context.Context) error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return nil, catalog.ErrRunAlreadyInProgress
	}
	s.locked = true

	return func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.locked = false
		return nil
	}, nil
}

func decode(payload []byte) (*catalog.Manifest, error) {
	m := new(catalog.Manifest)
	if err := json.Unmarshal(payload, m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return m, nil
}
