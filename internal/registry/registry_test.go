package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/torii/internal/embedding"
	"github.com/ashita-ai/torii/internal/index"
	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/scopes"
	"github.com/ashita-ai/torii/internal/store"
	"github.com/ashita-ai/torii/internal/testutil"
)

type staticPolicy struct{ t *scopes.Table }

func (p staticPolicy) Table() *scopes.Table { return p.t }

var (
	adminID      = model.Identity{Subject: "admin", Groups: []string{"mcp-registry-admin"}}
	restrictedID = model.Identity{Subject: "reader", Groups: []string{"mcp-servers-restricted/read"}}
	strangerID   = model.Identity{Subject: "nobody", Groups: []string{"unrelated-group"}}
)

func restrictedPolicy() PolicySource {
	return staticPolicy{t: scopes.NewTable([]model.Scope{
		{
			Name: "mcp-servers-restricted/read",
			Permissions: []model.Permission{
				{Server: "/svc/hello", Methods: []string{"list"}},
			},
		},
	}, "")}
}

type fixture struct {
	reg    *Registry
	store  *store.Store
	sync   *index.SyncWorker
	cancel context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	const dim = 64
	st := testutil.NewMemoryStore(t, "default", dim)
	provider := embedding.NewVerified(embedding.NewLocal(dim))
	idx := index.NewMemory()
	logger := testutil.TestLogger()

	sync := index.NewSyncWorker(st, provider, idx, logger)
	ctx, cancel := context.WithCancel(context.Background())
	sync.Start(ctx)
	t.Cleanup(func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer drainCancel()
		sync.Drain(drainCtx)
		cancel()
	})

	reg := New(st, provider, idx, sync, restrictedPolicy(), logger, Options{SyncWaitMax: 2 * time.Second})
	return &fixture{reg: reg, store: st, sync: sync, cancel: cancel}
}

func helloServer() model.Server {
	return model.Server{
		Path:                "/svc/hello",
		Name:                "hello",
		Description:         "Friendly greeting service.",
		ProxyURL:            "https://hello.internal/svc/hello",
		SupportedTransports: []model.Transport{model.TransportStreamableHTTP},
		IsEnabled:           true,
		Tools: []model.Tool{
			{Name: "echo", Description: "Returns the input unchanged."},
		},
	}
}

func TestRegisterThenSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reg.RegisterServer(ctx, "default", helloServer(), adminID)
	require.NoError(t, err)
	assert.Equal(t, "/svc/hello", created.Path)
	assert.Equal(t, "hello", created.Name)
	require.Len(t, created.Tools, 1)
	assert.Equal(t, "echo", created.Tools[0].Name)
	assert.False(t, created.CreatedAt.IsZero())

	res, err := f.reg.Search(ctx, SearchRequest{
		Namespace:  "default",
		Query:      "hello",
		K:          1,
		WaitSynced: true,
	}, adminID)
	require.NoError(t, err)
	assert.True(t, res.Synced)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "/svc/hello", res.Hits[0].Entity.EntityPath())
	assert.Greater(t, res.Hits[0].Score, float32(0))
}

func TestAuthorizeCall(t *testing.T) {
	f := newFixture(t)

	dec := f.reg.AuthorizeCall(restrictedID, model.Operation{
		ServicePath: "/svc/hello", Method: model.MethodList,
	})
	assert.True(t, dec.Allow)

	dec = f.reg.AuthorizeCall(restrictedID, model.Operation{
		ServicePath: "/svc/hello", Method: model.MethodInvoke, Tool: "echo",
	})
	assert.False(t, dec.Allow)
	assert.Equal(t, model.DenyToolExcluded, dec.Reason)
}

func TestUpdateShiftsSearchScores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reg.RegisterServer(ctx, "default", helloServer(), adminID)
	require.NoError(t, err)

	search := func(q string) float32 {
		res, err := f.reg.Search(ctx, SearchRequest{
			Namespace: "default", Query: q, K: 1, WaitSynced: true,
		}, adminID)
		require.NoError(t, err)
		require.Len(t, res.Hits, 1)
		return res.Hits[0].Score
	}

	greetingBefore := search("friendly greeting")
	weatherBefore := search("weather forecast")

	rec, err := f.store.GetEmbedding(ctx, "default", model.EntityServer, "/svc/hello")
	require.NoError(t, err)
	blobBefore := rec.TextBlob

	updated := created
	updated.Description = "Weather forecast lookups by city."
	_, err = f.reg.UpdateServer(ctx, "default", updated, adminID)
	require.NoError(t, err)

	weatherAfter := search("weather forecast")
	greetingAfter := search("friendly greeting")

	rec, err = f.store.GetEmbedding(ctx, "default", model.EntityServer, "/svc/hello")
	require.NoError(t, err)
	assert.NotEqual(t, blobBefore, rec.TextBlob)
	assert.Greater(t, weatherAfter, weatherBefore)
	assert.Less(t, greetingAfter, greetingBefore)
}

func TestDeleteTearsDownDerivedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.RegisterServer(ctx, "default", helloServer(), adminID)
	require.NoError(t, err)

	sub := f.store.Bus().Subscribe(16)
	defer sub.Close()

	require.NoError(t, f.reg.Delete(ctx, "default", model.EntityServer, "/svc/hello", adminID))

	_, err = f.reg.Get(ctx, "default", model.EntityServer, "/svc/hello", adminID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	var deletes int
	ev := <-sub.C
	if ev.Op == model.OpDeleted {
		deletes++
	}
	select {
	case ev = <-sub.C:
		if ev.Op == model.OpDeleted {
			deletes++
		}
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 1, deletes)

	require.Eventually(t, func() bool {
		_, err := f.store.GetEmbedding(context.Background(), "default", model.EntityServer, "/svc/hello")
		return errors.Is(err, model.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMutationsRequireAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.RegisterServer(ctx, "default", helloServer(), restrictedID)
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.reg.RegisterServer(ctx, "default", helloServer(), adminID)
	require.NoError(t, err)

	_, err = f.reg.UpdateServer(ctx, "default", helloServer(), restrictedID)
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.reg.Toggle(ctx, "default", model.EntityServer, "/svc/hello", false, restrictedID)
	assert.ErrorIs(t, err, model.ErrForbidden)

	err = f.reg.Delete(ctx, "default", model.EntityServer, "/svc/hello", restrictedID)
	assert.ErrorIs(t, err, model.ErrForbidden)

	// The admin path still works end to end.
	state, err := f.reg.Toggle(ctx, "default", model.EntityServer, "/svc/hello", false, adminID)
	require.NoError(t, err)
	assert.False(t, state)
	require.NoError(t, f.reg.Delete(ctx, "default", model.EntityServer, "/svc/hello", adminID))
}

func TestReadFiltering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.RegisterServer(ctx, "default", helloServer(), adminID)
	require.NoError(t, err)
	other := helloServer()
	other.Path = "/svc/other"
	other.Name = "other"
	_, err = f.reg.RegisterServer(ctx, "default", other, adminID)
	require.NoError(t, err)

	// The restricted reader only holds list on /svc/hello.
	got, err := f.reg.Get(ctx, "default", model.EntityServer, "/svc/hello", restrictedID)
	require.NoError(t, err)
	assert.Equal(t, "/svc/hello", got.EntityPath())

	_, err = f.reg.Get(ctx, "default", model.EntityServer, "/svc/other", restrictedID)
	assert.ErrorIs(t, err, model.ErrForbidden)

	var paths []string
	for reg, err := range f.reg.List(ctx, "default", model.EntityServer, store.ListOptions{}, restrictedID) {
		require.NoError(t, err)
		paths = append(paths, reg.EntityPath())
	}
	assert.Equal(t, []string{"/svc/hello"}, paths)

	// A caller with no grants at all sees nothing.
	var count int
	for _, err := range f.reg.List(ctx, "default", model.EntityServer, store.ListOptions{}, strangerID) {
		require.NoError(t, err)
		count++
	}
	assert.Zero(t, count)

	res, err := f.reg.Search(ctx, SearchRequest{
		Namespace: "default", Query: "hello", K: 5, WaitSynced: true,
	}, restrictedID)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "/svc/hello", res.Hits[0].Entity.EntityPath())
}

func TestSearchRankingDeterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, path := range []string{"/svc/a", "/svc/b", "/svc/c"} {
		srv := helloServer()
		srv.Path = path
		srv.Name = "service" + path[len(path)-1:]
		_, err := f.reg.RegisterServer(ctx, "default", srv, adminID)
		require.NoError(t, err)
	}

	first, err := f.reg.Search(ctx, SearchRequest{
		Namespace: "default", Query: "greeting", K: 3, WaitSynced: true,
	}, adminID)
	require.NoError(t, err)
	require.Len(t, first.Hits, 3)

	for range 5 {
		again, err := f.reg.Search(ctx, SearchRequest{
			Namespace: "default", Query: "greeting", K: 3,
		}, adminID)
		require.NoError(t, err)
		require.Len(t, again.Hits, 3)
		for i := range again.Hits {
			assert.Equal(t, first.Hits[i].Entity.EntityPath(), again.Hits[i].Entity.EntityPath())
			assert.Equal(t, first.Hits[i].Score, again.Hits[i].Score)
		}
	}
}

func TestScopeManagementNeedsGlobalAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sc := model.Scope{
		Name: "team-a/read",
		Permissions: []model.Permission{
			{Server: "/svc/hello", Methods: []string{"list"}},
		},
	}

	_, err := f.reg.PutScope(ctx, "default", sc, restrictedID)
	assert.ErrorIs(t, err, model.ErrForbidden)

	stored, err := f.reg.PutScope(ctx, "default", sc, adminID)
	require.NoError(t, err)
	assert.Equal(t, "team-a/read", stored.Name)

	listed, err := f.reg.ListScopes(ctx, "default", adminID)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, f.reg.DeleteScope(ctx, "default", "team-a/read", adminID))
}

func TestSearchEmptyQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Search(context.Background(), SearchRequest{Namespace: "default"}, adminID)
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestPathLockReaping(t *testing.T) {
	l := newPathLocks()
	release := l.lock("a")
	assert.Equal(t, 1, l.size())
	release()
	assert.Zero(t, l.size())
}
