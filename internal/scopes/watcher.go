package scopes

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/store"
)

// Watcher holds the live scope table for a namespace and reloads it when a
// scope record changes. Readers get a consistent snapshot with one atomic
// load; reloads swap the whole table rather than patching it in place.
type Watcher struct {
	store      *store.Store
	namespace  string
	adminScope string
	logger     *slog.Logger

	table atomic.Pointer[Table]

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewWatcher creates a watcher with an empty table. Call Load before
// serving traffic, then Start to follow mutations.
func NewWatcher(st *store.Store, namespace, adminScope string, logger *slog.Logger) *Watcher {
	w := &Watcher{
		store:      st,
		namespace:  namespace,
		adminScope: adminScope,
		logger:     logger,
		done:       make(chan struct{}),
	}
	w.table.Store(NewTable(nil, adminScope))
	return w
}

// Table returns the current snapshot. Always non-nil.
func (w *Watcher) Table() *Table {
	return w.table.Load()
}

// Load fetches all scope records and swaps the snapshot.
func (w *Watcher) Load(ctx context.Context) error {
	records, err := w.store.ListScopes(ctx, w.namespace)
	if err != nil {
		return err
	}
	w.table.Store(NewTable(records, w.adminScope))
	w.logger.Debug("scopes: table loaded", "namespace", w.namespace, "count", len(records))
	return nil
}

// Start subscribes to the change bus and reloads on scope mutations. Safe
// to call only once.
func (w *Watcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("scopes: Start called more than once, ignoring")
		return
	}
	sub := w.store.Bus().Subscribe(32)
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel

	go func() {
		defer w.once.Do(func() { close(w.done) })
		defer sub.Close()
		for {
			select {
			case <-loopCtx.Done():
				return
			case ev := <-sub.C:
				if ev.Type != model.EntityScopeRecord || ev.Namespace != w.namespace {
					continue
				}
				// Full reload instead of patching: scope tables are small
				// and a swap can never leave a half-applied state behind.
				if err := w.Load(loopCtx); err != nil {
					w.logger.Error("scopes: reload failed, keeping previous table",
						"namespace", w.namespace, "error", err)
				}
			}
		}
	}()
}

// Stop terminates the watch loop and waits for it to exit.
func (w *Watcher) Stop(ctx context.Context) {
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("scopes: stop timed out")
	}
}
