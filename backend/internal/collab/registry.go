package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/webodf/Kotype/backend/internal/metrics"
	"github.com/webodf/Kotype/backend/internal/model"
	"github.com/webodf/Kotype/backend/internal/store"
)

// Loader returns the canonical live instance of a document.
type Loader interface {
	Load(ctx context.Context, id string) (*model.Document, error)
}

// Registry owns every live session of the process, keyed by document id.
// Sessions are created on first use and live until TeardownAll.
type Registry struct {
	loader Loader
	opts   SessionOptions

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session

	loads singleflight.Group
}

func NewRegistry(loader Loader, opts SessionOptions) *Registry {
	return &Registry{
		loader:   loader,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Resolve finds or creates the session for docID and joins p to it.
func (r *Registry) Resolve(ctx context.Context, docID string, p Peer, reqID string) (*Session, string, error) {
	s, err := r.session(ctx, docID)
	if err != nil {
		return nil, "", err
	}
	memberID, err := s.Join(ctx, p, reqID)
	if errors.Is(err, ErrSessionClosed) {
		return nil, "", ErrRegistryClosed
	}
	if err != nil {
		return nil, "", err
	}
	return s, memberID, nil
}

func (r *Registry) session(ctx context.Context, docID string) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if s, ok := r.sessions[docID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	// concurrent misses share one load; it must outlive any single caller
	lctx := context.WithoutCancel(ctx)
	ch := r.loads.DoChan(docID, func() (any, error) {
		doc, err := r.loader.Load(lctx, docID)
		if err != nil {
			if errors.Is(err, store.ErrDocumentNotFound) {
				return nil, fmt.Errorf("%w: %w", ErrUnknownDocument, err)
			}
			return nil, fmt.Errorf("load document %s: %w", docID, err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return nil, ErrRegistryClosed
		}
		if s, ok := r.sessions[docID]; ok {
			return s, nil
		}
		s := NewSession(doc, r.opts)
		r.sessions[docID] = s
		metrics.SessionsActive.Inc()
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) Lookup(docID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[docID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// TeardownAll closes the registry and destroys every session concurrently.
// Later Resolve calls fail with ErrRegistryClosed.
func (r *Registry) TeardownAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error { return s.Destroy(ctx) })
	}
	err := g.Wait()

	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	metrics.SessionsActive.Sub(float64(len(sessions)))
	return err
}
