package index

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/store"
	"github.com/ashita-ai/torii/internal/telemetry"
)

// maxSyncAttempts bounds per-event retries before an event is dropped to
// the dead-letter log. A later write to the same path heals the gap, and a
// full resync catches anything that never gets rewritten.
const maxSyncAttempts = 5

// SyncWorker subscribes to the change bus and converges the vector index
// with the store: creates and updates re-embed when the text blob changed,
// deletes remove the point and the persisted record, toggles only flip the
// enabled flag.
type SyncWorker struct {
	store    *store.Store
	provider Embedder
	idx      Index
	logger   *slog.Logger

	sub       *store.Subscription
	processed atomic.Uint64 // seq of the last fully handled event

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once

	mu      sync.Mutex
	waiters []chan struct{}
}

// Embedder is what the worker needs from the embedding package.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// NewSyncWorker wires a worker over the store's bus. Call Start to begin
// consuming.
func NewSyncWorker(st *store.Store, provider Embedder, idx Index, logger *slog.Logger) *SyncWorker {
	return &SyncWorker{
		store:    st,
		provider: provider,
		idx:      idx,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Rebuild loads every entity of the namespace, re-embedding only those
// whose stored record is missing or stale, and populates the index. Run it
// before Start so searches observe a warm index.
func (w *SyncWorker) Rebuild(ctx context.Context, ns string) error {
	// Load persisted records first so unchanged entities skip the embedder.
	records := make(map[string]model.EmbeddingRecord)
	if err := w.store.ListEmbeddings(ctx, ns, func(rec model.EmbeddingRecord) error {
		records[model.EmbeddingKey(rec.EntityType, rec.EntityPath)] = rec
		return nil
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, typ := range []model.EntityType{model.EntityServer, model.EntityAgent} {
		g.Go(func() error {
			for reg, err := range w.store.Registrables(gctx, ns, typ, store.ListOptions{}) {
				if err != nil {
					return err
				}
				if err := w.indexEntity(gctx, ns, reg, records[model.EmbeddingKey(typ, reg.EntityPath())]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	w.logger.Info("index: rebuild complete", "namespace", ns)
	return nil
}

// Start subscribes to the bus and begins the consume loop. Safe to call
// only once; subsequent calls are no-ops and log a warning.
func (w *SyncWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("index sync: Start called more than once, ignoring")
		return
	}
	w.sub = w.store.Bus().Subscribe(256)
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.consumeLoop(loopCtx)
}

// Drain stops the consume loop, processes buffered events, and blocks until
// done or the context expires.
func (w *SyncWorker) Drain(ctx context.Context) {
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("index sync: drain timed out")
	}
}

// Synced reports whether the worker has processed every event published so
// far. Lag (dropped events) counts as out of sync until a resync clears it.
func (w *SyncWorker) Synced() bool {
	if w.sub != nil && w.sub.Lagged() {
		return false
	}
	return w.processed.Load() >= w.store.Bus().LastSeq()
}

// WaitSynced blocks until the index has caught up with the bus or the
// context expires, and reports which of the two happened. Callers surface
// the false case as a "results may be stale" flag, not an error.
func (w *SyncWorker) WaitSynced(ctx context.Context) bool {
	for {
		if w.Synced() {
			return true
		}
		ch := make(chan struct{})
		w.mu.Lock()
		w.waiters = append(w.waiters, ch)
		w.mu.Unlock()

		if w.Synced() {
			return true
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

func (w *SyncWorker) notifyWaiters() {
	w.mu.Lock()
	waiters := w.waiters
	w.waiters = nil
	w.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (w *SyncWorker) consumeLoop(ctx context.Context) {
	defer w.once.Do(func() { close(w.done) })
	defer w.sub.Close()

	for {
		select {
		case <-ctx.Done():
			// Final drain of whatever is already buffered.
			for {
				select {
				case ev := <-w.sub.C:
					w.handle(context.Background(), ev)
				default:
					return
				}
			}
		case ev := <-w.sub.C:
			w.handle(ctx, ev)
			w.notifyWaiters()
		}
	}
}

func (w *SyncWorker) handle(ctx context.Context, ev model.ChangeEvent) {
	defer func() {
		// Advance the watermark even on failure: a dead-lettered event must
		// not wedge WaitSynced forever.
		w.processed.Store(ev.Seq)
	}()

	if ev.Type != model.EntityServer && ev.Type != model.EntityAgent {
		return
	}

	var err error
	switch ev.Op {
	case model.OpCreated, model.OpUpdated:
		err = w.withRetry(ctx, ev, func(ctx context.Context) error {
			return w.syncUpsert(ctx, ev)
		})
	case model.OpDeleted:
		err = w.withRetry(ctx, ev, func(ctx context.Context) error {
			if err := w.idx.Remove(ctx, ev.Namespace, ev.Type, ev.Path); err != nil {
				return err
			}
			return w.store.DeleteEmbedding(ctx, ev.Namespace, ev.Type, ev.Path)
		})
	case model.OpToggled:
		err = w.withRetry(ctx, ev, func(ctx context.Context) error {
			return w.syncToggle(ctx, ev)
		})
	}
	if err != nil {
		w.logger.Warn("index sync: dead-letter event",
			"seq", ev.Seq,
			"op", ev.Op,
			"type", ev.Type,
			"path", ev.Path,
			"error", err,
		)
	}
}

// withRetry runs fn with exponential backoff. Permanent embedding failures
// stop immediately; everything else retries up to maxSyncAttempts.
func (w *SyncWorker) withRetry(ctx context.Context, ev model.ChangeEvent, fn func(context.Context) error) error {
	operation := func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		var embErr *model.EmbeddingError
		if errors.As(err, &embErr) && !embErr.Transient {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxSyncAttempts),
	)
	return err
}

func (w *SyncWorker) syncUpsert(ctx context.Context, ev model.ChangeEvent) error {
	reg := ev.Snapshot
	if reg == nil {
		var err error
		reg, err = w.store.GetRegistrable(ctx, ev.Namespace, ev.Type, ev.Path)
		if errors.Is(err, model.ErrNotFound) {
			return nil // deleted before we got here
		}
		if err != nil {
			return err
		}
	}

	stored, err := w.store.GetEmbedding(ctx, ev.Namespace, ev.Type, ev.Path)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	return w.indexEntity(ctx, ev.Namespace, reg, stored)
}

// indexEntity upserts one entity into the index, re-embedding only when
// stored.TextBlob no longer matches the entity's current search text.
func (w *SyncWorker) indexEntity(ctx context.Context, ns string, reg model.Registrable, stored model.EmbeddingRecord) error {
	blob := reg.SearchText()

	vector := stored.Vector
	if stored.TextBlob != blob || len(vector) != w.provider.Dimensions() {
		vecs, err := w.provider.EmbedBatch(ctx, []string{blob})
		if err != nil {
			return err
		}
		vector = vecs[0]
		if err := w.store.PutEmbedding(ctx, ns, model.EmbeddingRecord{
			EntityPath: reg.EntityPath(),
			EntityType: reg.EntityKind(),
			Vector:     vector,
			TextBlob:   blob,
			UpdatedAt:  time.Now().UTC(),
		}); err != nil {
			return err
		}
	}

	return w.idx.Upsert(ctx, Entry{
		Namespace: ns,
		Type:      reg.EntityKind(),
		Path:      reg.EntityPath(),
		Vector:    vector,
		Tags:      reg.TagList(),
		Enabled:   reg.Enabled(),
		UpdatedAt: reg.Modified(),
	})
}

func (w *SyncWorker) syncToggle(ctx context.Context, ev model.ChangeEvent) error {
	if ev.Snapshot != nil {
		return w.idx.SetEnabled(ctx, ev.Namespace, ev.Type, ev.Path, ev.Snapshot.Enabled())
	}
	reg, err := w.store.GetRegistrable(ctx, ev.Namespace, ev.Type, ev.Path)
	if errors.Is(err, model.ErrNotFound) {
		return w.idx.Remove(ctx, ev.Namespace, ev.Type, ev.Path)
	}
	if err != nil {
		return err
	}
	return w.idx.SetEnabled(ctx, ev.Namespace, ev.Type, ev.Path, reg.Enabled())
}

// registerMetrics registers an observable OTEL gauge for sync backlog.
func (w *SyncWorker) registerMetrics() {
	meter := telemetry.Meter("torii/index")

	_, _ = meter.Int64ObservableGauge("torii.index.sync_backlog",
		metric.WithDescription("Change events published but not yet applied to the vector index"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			last := w.store.Bus().LastSeq()
			done := w.processed.Load()
			if last > done {
				o.Observe(int64(last - done))
			} else {
				o.Observe(0)
			}
			return nil
		}),
	)
}
