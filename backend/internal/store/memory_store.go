package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/webodf/Kotype/backend/internal/model"
)

// MemoryStore keeps detached copies of documents in process. It backs the
// server when no MySQL DSN is configured and stands in for MySQL in tests.
type MemoryStore struct {
	mu    sync.Mutex
	docs  map[string]*model.Document
	saves map[string]int
	// FailSave, when set, is returned by Save for the matching id.
	FailSave func(id string) error
}

func NewMemoryStore(docs ...*model.Document) *MemoryStore {
	s := &MemoryStore{
		docs:  make(map[string]*model.Document),
		saves: make(map[string]int),
	}
	for _, d := range docs {
		c, _ := d.Snapshot()
		s.docs[d.ID] = c
	}
	return s
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	c, _ := d.Snapshot()
	return c, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Document, 0, len(s.docs))
	for _, d := range s.docs {
		c, _ := d.Snapshot()
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *model.Document) int { return b.Date.Compare(a.Date) })
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, doc *model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		if err := s.FailSave(doc.ID); err != nil {
			return err
		}
	}
	c, _ := doc.Snapshot()
	s.docs[doc.ID] = c
	s.saves[doc.ID]++
	return nil
}

func (s *MemoryStore) Create(_ context.Context, doc *model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.docs {
		if d.Path == doc.Path {
			return fmt.Errorf("%w: %s", ErrPathTaken, doc.Path)
		}
	}
	c, _ := doc.Snapshot()
	s.docs[doc.ID] = c
	return nil
}

// Saves reports how many times id was written through Save.
func (s *MemoryStore) Saves(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[id]
}
