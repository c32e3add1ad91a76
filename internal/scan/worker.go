package scan

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/store"
)

// Worker watches the change bus and scans every created or updated entity.
// Scans run inline on the consume loop; the checks are pure string work, so
// a dedicated pool is not worth the moving parts.
type Worker struct {
	store  *store.Store
	ns     string
	logger *slog.Logger

	sub *store.Subscription

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewWorker creates a scan worker for one namespace.
func NewWorker(st *store.Store, ns string, logger *slog.Logger) *Worker {
	return &Worker{
		store:  st,
		ns:     ns,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start subscribes to the change bus and begins consuming.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("scan: Start called more than once, ignoring")
		return
	}
	w.sub = w.store.Bus().Subscribe(64)
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel

	go func() {
		defer w.once.Do(func() { close(w.done) })
		defer w.sub.Close()
		for {
			select {
			case <-loopCtx.Done():
				return
			case ev := <-w.sub.C:
				w.handle(loopCtx, ev)
			}
		}
	}()
}

// Drain stops the consume loop and waits for it to exit.
func (w *Worker) Drain(ctx context.Context) {
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("scan: drain timed out")
	}
}

func (w *Worker) handle(ctx context.Context, ev model.ChangeEvent) {
	if ev.Namespace != w.ns {
		return
	}
	if ev.Type != model.EntityServer && ev.Type != model.EntityAgent {
		return
	}
	if ev.Op != model.OpCreated && ev.Op != model.OpUpdated {
		return
	}

	reg := ev.Snapshot
	if reg == nil {
		var err error
		reg, err = w.store.GetRegistrable(ctx, ev.Namespace, ev.Type, ev.Path)
		if err != nil {
			w.logger.Warn("scan: fetch entity failed", "path", ev.Path, "error", err)
			return
		}
	}
	if _, err := w.Scan(ctx, reg); err != nil {
		w.logger.Warn("scan: scan failed", "path", ev.Path, "error", err)
	}
}

// Scan runs the static checks against one entity and persists the record
// through its lifecycle. Returns the final record.
func (w *Worker) Scan(ctx context.Context, reg model.Registrable) (model.SecurityScanRecord, error) {
	rec := model.SecurityScanRecord{
		ScanID:     uuid.New(),
		EntityPath: reg.EntityPath(),
		EntityType: reg.EntityKind(),
		Status:     model.ScanPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := w.store.PutScan(ctx, w.ns, rec); err != nil {
		return rec, err
	}

	rec.Status = model.ScanRunning
	if err := w.store.PutScan(ctx, w.ns, rec); err != nil {
		return rec, err
	}

	rec.Findings = Inspect(reg)
	rec.Status = Verdict(rec.Findings)
	now := time.Now().UTC()
	rec.ScannedAt = &now

	if err := w.store.PutScan(ctx, w.ns, rec); err != nil {
		// The record is stuck at running; surface it so the caller can
		// decide whether to retry.
		rec.Status = model.ScanError
		return rec, err
	}

	if rec.Status == model.ScanFailed {
		w.logger.Warn("scan: entity failed security scan",
			"path", rec.EntityPath, "type", rec.EntityType, "findings", len(rec.Findings))
	} else {
		w.logger.Debug("scan: entity passed",
			"path", rec.EntityPath, "type", rec.EntityType)
	}
	return rec, nil
}
