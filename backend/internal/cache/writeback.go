package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/webodf/Kotype/backend/internal/metrics"
	"github.com/webodf/Kotype/backend/internal/model"
)

const (
	DefaultFlushInterval    = 5 * time.Second
	DefaultFlushConcurrency = 8
)

type Store interface {
	FindByID(ctx context.Context, id string) (*model.Document, error)
	Save(ctx context.Context, doc *model.Document) error
}

// PersistError reports the first document a flush failed to write.
type PersistError struct {
	DocumentID string
	Err        error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist document %s: %v", e.DocumentID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// WriteBack holds the canonical live instance of every document loaded by
// the process and writes modified ones back to the store on a timer. It
// never evicts.
type WriteBack struct {
	store    Store
	log      *zap.Logger
	interval time.Duration
	limit    int

	mu      sync.Mutex
	objects map[string]*model.Document

	// one flush at a time
	flushMu sync.Mutex

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	stopErr   error
}

type Option func(*WriteBack)

func WithFlushInterval(d time.Duration) Option {
	return func(w *WriteBack) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithFlushConcurrency(n int) Option {
	return func(w *WriteBack) {
		if n > 0 {
			w.limit = n
		}
	}
}

func NewWriteBack(store Store, log *zap.Logger, opts ...Option) *WriteBack {
	w := &WriteBack{
		store:    store,
		log:      log,
		interval: DefaultFlushInterval,
		limit:    DefaultFlushConcurrency,
		objects:  make(map[string]*model.Document),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Track registers doc on first sight and returns the tracked instance for
// its id.
func (w *WriteBack) Track(doc *model.Document) *model.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.objects[doc.ID]; ok {
		return cur
	}
	w.objects[doc.ID] = doc
	return doc
}

func (w *WriteBack) IsTracked(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.objects[id]
	return ok
}

// Forget drops doc if it is the tracked instance.
func (w *WriteBack) Forget(doc *model.Document) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.objects[doc.ID]; ok && cur == doc {
		delete(w.objects, doc.ID)
	}
}

func (w *WriteBack) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.objects)
}

// Load returns the tracked instance, fetching it from the store on a miss.
func (w *WriteBack) Load(ctx context.Context, id string) (*model.Document, error) {
	w.mu.Lock()
	doc, ok := w.objects[id]
	w.mu.Unlock()
	if ok {
		return doc, nil
	}

	doc, err := w.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.Track(doc), nil
}

func (w *WriteBack) dirty() []*model.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*model.Document, 0, len(w.objects))
	for _, d := range w.objects {
		if d.IsModified() {
			out = append(out, d)
		}
	}
	return out
}

// FlushAll persists every modified document concurrently and waits for all
// of them. The first failure is returned as a *PersistError; documents that
// were written stay written and failed ones stay modified.
func (w *WriteBack) FlushAll(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	docs := w.dirty()
	if len(docs) == 0 {
		return nil
	}
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(w.limit)
	for _, d := range docs {
		g.Go(func() error {
			snap, v := d.Snapshot()
			if err := w.store.Save(ctx, snap); err != nil {
				metrics.Flushes.WithLabelValues(metrics.ResultError).Inc()
				w.log.Error("persist document failed",
					zap.String("document", snap.ID), zap.Error(err))
				return &PersistError{DocumentID: snap.ID, Err: err}
			}
			d.MarkSaved(v)
			metrics.Flushes.WithLabelValues(metrics.ResultOK).Inc()
			return nil
		})
	}
	err := g.Wait()
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	w.log.Debug("flush finished", zap.Int("documents", len(docs)), zap.Duration("took", time.Since(start)))
	return err
}

// Start launches the periodic flush. Calling it more than once has no effect.
func (w *WriteBack) Start() {
	w.startOnce.Do(func() {
		select {
		case <-w.stop:
			return
		default:
		}
		w.started.Store(true)
		go w.loop()
	})
}

func (w *WriteBack) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			// failures are logged per document and retried next tick
			_ = w.FlushAll(context.Background())
		}
	}
}

// Shutdown stops the timer, waits for an in-progress tick, then runs the
// final flush and returns its result. Later calls return the same result.
func (w *WriteBack) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() {
		close(w.stop)
		if w.started.Load() {
			<-w.done
		}
		w.stopErr = w.FlushAll(ctx)
		if w.stopErr != nil {
			w.log.Error("final flush failed", zap.Error(w.stopErr))
		}
	})
	return w.stopErr
}
