package index

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/torii/internal/embedding"
	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/store"
	"github.com/ashita-ai/torii/internal/testutil"
)

// countingEmbedder wraps the local embedder and counts batch calls, so
// tests can assert when re-embedding was skipped.
type countingEmbedder struct {
	inner *embedding.Local
	calls atomic.Int64
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	return c.inner.EmbedBatch(ctx, texts)
}

func (c *countingEmbedder) Dimensions() int { return c.inner.Dimensions() }

func startWorker(t *testing.T) (*SyncWorker, *Memory, *countingEmbedder, *store.Store) {
	t.Helper()

	st := testutil.NewMemoryStore(t, "default", 8)
	emb := &countingEmbedder{inner: embedding.NewLocal(8)}
	idx := NewMemory()
	w := NewSyncWorker(st, emb, idx, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer drainCancel()
		w.Drain(drainCtx)
	})
	return w, idx, emb, st
}

func waitSynced(t *testing.T, w *SyncWorker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, w.WaitSynced(ctx), "index did not catch up in time")
}

func testServer(path, description string) model.Server {
	return model.Server{
		Path:        path,
		Name:        "svc",
		Description: description,
		ProxyURL:    "https://upstream.internal" + path,
		IsEnabled:   true,
	}
}

func TestSyncWorker_CreateBecomesSearchable(t *testing.T) {
	w, idx, emb, fx := startWorker(t)
	ctx := context.Background()

	_, err := fx.CreateServer(ctx, "default", testServer("/github", "github issues"))
	require.NoError(t, err)
	waitSynced(t, w)

	assert.Equal(t, 1, idx.Len())
	assert.EqualValues(t, 1, emb.calls.Load())

	// The embedding record was persisted alongside.
	rec, err := fx.GetEmbedding(ctx, "default", model.EntityServer, "/github")
	require.NoError(t, err)
	assert.Equal(t, testServer("/github", "github issues").SearchText(), rec.TextBlob)
}

func TestSyncWorker_UnchangedTextSkipsReEmbed(t *testing.T) {
	w, _, emb, fx := startWorker(t)
	ctx := context.Background()

	_, err := fx.CreateServer(ctx, "default", testServer("/github", "github issues"))
	require.NoError(t, err)
	waitSynced(t, w)
	require.EqualValues(t, 1, emb.calls.Load())

	// Update a field that does not feed the search text.
	upd := testServer("/github", "github issues")
	upd.ProxyURL = "https://upstream-2.internal/github"
	_, err = fx.UpdateServer(ctx, "default", upd)
	require.NoError(t, err)
	waitSynced(t, w)

	assert.EqualValues(t, 1, emb.calls.Load(), "unchanged blob must not re-embed")

	// Changing the description does re-embed.
	upd.Description = "github issues and releases"
	_, err = fx.UpdateServer(ctx, "default", upd)
	require.NoError(t, err)
	waitSynced(t, w)
	assert.EqualValues(t, 2, emb.calls.Load())
}

func TestSyncWorker_ToggleFlipsFlagWithoutReEmbed(t *testing.T) {
	w, idx, emb, fx := startWorker(t)
	ctx := context.Background()

	_, err := fx.CreateServer(ctx, "default", testServer("/github", "github issues"))
	require.NoError(t, err)
	waitSynced(t, w)
	require.EqualValues(t, 1, emb.calls.Load())

	_, err = fx.ToggleEnabled(ctx, "default", model.EntityServer, "/github", false)
	require.NoError(t, err)
	waitSynced(t, w)

	assert.EqualValues(t, 1, emb.calls.Load())

	rec, err := fx.GetEmbedding(ctx, "default", model.EntityServer, "/github")
	require.NoError(t, err)
	hits, err := idx.Search(ctx, Query{Namespace: "default", Vector: rec.Vector, EnabledOnly: true, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Still discoverable without the enabled filter.
	hits, err = idx.Search(ctx, Query{Namespace: "default", Vector: rec.Vector, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSyncWorker_DeleteRemovesEntryAndRecord(t *testing.T) {
	w, idx, _, fx := startWorker(t)
	ctx := context.Background()

	_, err := fx.CreateServer(ctx, "default", testServer("/github", "github issues"))
	require.NoError(t, err)
	waitSynced(t, w)
	require.Equal(t, 1, idx.Len())

	require.NoError(t, fx.DeleteRegistrable(ctx, "default", model.EntityServer, "/github"))
	waitSynced(t, w)

	assert.Zero(t, idx.Len())
	_, err = fx.GetEmbedding(ctx, "default", model.EntityServer, "/github")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestSyncWorker_RebuildReusesStoredVectors(t *testing.T) {
	st := testutil.NewMemoryStore(t, "default", 8)
	ctx := context.Background()

	// Seed entities and records without a running worker.
	srv, err := st.CreateServer(ctx, "default", testServer("/github", "github issues"))
	require.NoError(t, err)
	local := embedding.NewLocal(8)
	vecs, err := local.EmbedBatch(ctx, []string{srv.SearchText()})
	require.NoError(t, err)
	require.NoError(t, st.PutEmbedding(ctx, "default", model.EmbeddingRecord{
		EntityPath: srv.Path,
		EntityType: model.EntityServer,
		Vector:     vecs[0],
		TextBlob:   srv.SearchText(),
		UpdatedAt:  time.Now().UTC(),
	}))

	// A second entity has no record yet and must be embedded.
	_, err = st.CreateServer(ctx, "default", testServer("/fresh", "no record yet"))
	require.NoError(t, err)

	emb := &countingEmbedder{inner: local}
	idx := NewMemory()
	w := NewSyncWorker(st, emb, idx, testutil.TestLogger())

	require.NoError(t, w.Rebuild(ctx, "default"))

	assert.Equal(t, 2, idx.Len())
	assert.EqualValues(t, 1, emb.calls.Load(), "rebuild must only embed the entity without a fresh record")
}

func TestSyncWorker_SyncedReflectsBacklog(t *testing.T) {
	st := testutil.NewMemoryStore(t, "default", 8)
	emb := &countingEmbedder{inner: embedding.NewLocal(8)}
	w := NewSyncWorker(st, emb, NewMemory(), testutil.TestLogger())

	// Not started: nothing published means synced.
	assert.True(t, w.Synced())

	_, err := st.CreateServer(context.Background(), "default", testServer("/github", "x"))
	require.NoError(t, err)
	assert.False(t, w.Synced())
}

// faultyEmbedder fails transiently for any batch whose text mentions the
// trigger word and delegates everything else to the local embedder.
type faultyEmbedder struct {
	inner    *embedding.Local
	trigger  string
	failures atomic.Int64
}

func (f *faultyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, txt := range texts {
		if strings.Contains(txt, f.trigger) {
			f.failures.Add(1)
			return nil, &model.EmbeddingError{Transient: true, Err: errors.New("provider overloaded")}
		}
	}
	return f.inner.EmbedBatch(ctx, texts)
}

func (f *faultyEmbedder) Dimensions() int { return f.inner.Dimensions() }

func TestSyncWorker_DeadLetterDoesNotBlockLaterEvents(t *testing.T) {
	st := testutil.NewMemoryStore(t, "default", 8)
	emb := &faultyEmbedder{inner: embedding.NewLocal(8), trigger: "poison"}
	idx := NewMemory()
	w := NewSyncWorker(st, emb, idx, testutil.TestLogger())

	runCtx, cancel := context.WithCancel(context.Background())
	w.Start(runCtx)
	t.Cleanup(func() {
		cancel()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer drainCancel()
		w.Drain(drainCtx)
	})
	ctx := context.Background()

	// Every embed attempt for this entity fails transiently, so the event
	// exhausts its retries and is dropped.
	_, err := st.CreateServer(ctx, "default", testServer("/svc/bad", "poison description"))
	require.NoError(t, err)

	// The watermark must advance past the dropped event; a wedged worker
	// would block here until the deadline.
	syncCtx, syncCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer syncCancel()
	require.True(t, w.WaitSynced(syncCtx), "dropped event must not wedge the watermark")

	assert.EqualValues(t, maxSyncAttempts, emb.failures.Load())
	assert.Equal(t, 0, idx.Len(), "failed entity must not be indexed")

	// A later write to a different path still syncs.
	_, err = st.CreateServer(ctx, "default", testServer("/svc/good", "healthy description"))
	require.NoError(t, err)
	syncCtx2, syncCancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer syncCancel2()
	require.True(t, w.WaitSynced(syncCtx2))
	assert.Equal(t, 1, idx.Len())
}
