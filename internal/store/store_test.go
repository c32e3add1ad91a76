package store

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/torii/internal/backend/sqlite"
	"github.com/ashita-ai/torii/internal/model"
)

const testNS = "default"

func newTestStore(t *testing.T) *Store {
	t.Helper()

	drv, err := sqlite.New(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Close(context.Background()) })

	s := New(drv, 8, testLogger())
	require.NoError(t, s.EnsureNamespace(context.Background(), testNS))
	return s
}

func sampleServer(path string) model.Server {
	return model.Server{
		Path:        path,
		Name:        "GitHub MCP",
		Description: "Issues and pull requests",
		ProxyURL:    "https://mcp.internal/github",
		Tags:        []string{"github", "vcs"},
		Tools: []model.Tool{
			{Name: "list_issues", Description: "List open issues"},
		},
		IsEnabled: true,
	}
}

func sampleAgent(path string) model.Agent {
	return model.Agent{
		Path:        path,
		Name:        "Triage Agent",
		Description: "Routes support tickets",
		ProxyURL:    "https://a2a.internal/triage",
		Skills: []model.Skill{
			{ID: "triage", Name: "Ticket triage"},
		},
		IsEnabled: true,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestStore_CreateAndGetServer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateServer(ctx, testNS, sampleServer("/github"))
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, model.HealthUnknown, created.Health.State)

	got, err := s.GetServer(ctx, testNS, "/github")
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)
	assert.Equal(t, created.Path, got.Path)
	assert.True(t, got.IsEnabled)
}

func TestStore_CreateDuplicatePathConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateServer(ctx, testNS, sampleServer("/github"))
	require.NoError(t, err)

	_, err = s.CreateServer(ctx, testNS, sampleServer("/github"))
	require.ErrorIs(t, err, model.ErrConflict)
}

func TestStore_ServerAndAgentSharePathWithoutConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateServer(ctx, testNS, sampleServer("/shared"))
	require.NoError(t, err)

	// Same path, different type: distinct keyspaces.
	_, err = s.CreateAgent(ctx, testNS, sampleAgent("/shared"))
	require.NoError(t, err)
}

func TestStore_CreateRejectsInvalidInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := sampleServer("no-leading-slash")
	_, err := s.CreateServer(ctx, testNS, srv)
	require.ErrorIs(t, err, model.ErrInvalid)

	srv = sampleServer("/ok")
	srv.ProxyURL = "ftp://nope"
	_, err = s.CreateServer(ctx, testNS, srv)
	require.ErrorIs(t, err, model.ErrInvalid)
}

func TestStore_UpdatePreservesCreatedAtAndHealth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateServer(ctx, testNS, sampleServer("/github"))
	require.NoError(t, err)

	probe := time.Now().UTC()
	require.NoError(t, s.SetHealth(ctx, testNS, model.EntityServer, "/github", model.Health{
		State:       model.HealthHealthy,
		LastProbeAt: &probe,
	}))

	upd := sampleServer("/github")
	upd.Description = "Issues, pull requests, and releases"
	got, err := s.UpdateServer(ctx, testNS, upd)
	require.NoError(t, err)

	assert.Equal(t, created.CreatedAt, got.CreatedAt)
	assert.Equal(t, model.HealthHealthy, got.Health.State)
	assert.True(t, got.UpdatedAt.After(created.UpdatedAt) || got.UpdatedAt.Equal(created.UpdatedAt))
}

func TestStore_UpdateMissingServerNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpdateServer(context.Background(), testNS, sampleServer("/ghost"))
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_DeleteServer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateServer(ctx, testNS, sampleServer("/github"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteRegistrable(ctx, testNS, model.EntityServer, "/github"))

	_, err = s.GetServer(ctx, testNS, "/github")
	require.ErrorIs(t, err, model.ErrNotFound)

	err = s.DeleteRegistrable(ctx, testNS, model.EntityServer, "/github")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_ToggleEnabledIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateServer(ctx, testNS, sampleServer("/github"))
	require.NoError(t, err)

	sub := s.Bus().Subscribe(8)
	defer sub.Close()

	enabled, err := s.ToggleEnabled(ctx, testNS, model.EntityServer, "/github", false)
	require.NoError(t, err)
	assert.False(t, enabled)

	// Toggling to the current state writes nothing and emits nothing.
	enabled, err = s.ToggleEnabled(ctx, testNS, model.EntityServer, "/github", false)
	require.NoError(t, err)
	assert.False(t, enabled)

	ev := <-sub.C
	assert.Equal(t, model.OpToggled, ev.Op)
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}
}

func TestStore_MutationsEmitChangeEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := s.Bus().Subscribe(8)
	defer sub.Close()

	_, err := s.CreateServer(ctx, testNS, sampleServer("/github"))
	require.NoError(t, err)
	upd := sampleServer("/github")
	upd.Description = "changed"
	_, err = s.UpdateServer(ctx, testNS, upd)
	require.NoError(t, err)
	require.NoError(t, s.DeleteRegistrable(ctx, testNS, model.EntityServer, "/github"))

	ops := []model.ChangeOp{model.OpCreated, model.OpUpdated, model.OpDeleted}
	for _, want := range ops {
		select {
		case ev := <-sub.C:
			assert.Equal(t, want, ev.Op)
			assert.Equal(t, "/github", ev.Path)
			assert.Equal(t, model.EntityServer, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestStore_SetHealthDoesNotTouchUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateServer(ctx, testNS, sampleServer("/github"))
	require.NoError(t, err)

	require.NoError(t, s.SetHealth(ctx, testNS, model.EntityServer, "/github", model.Health{
		State:               model.HealthUnhealthy,
		ConsecutiveFailures: 3,
	}))

	got, err := s.GetServer(ctx, testNS, "/github")
	require.NoError(t, err)
	assert.Equal(t, model.HealthUnhealthy, got.Health.State)
	assert.Equal(t, 3, got.Health.ConsecutiveFailures)
	assert.True(t, got.UpdatedAt.Equal(created.UpdatedAt))
}

func TestStore_RegistrablesOrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"/a", "/b", "/c"} {
		srv := sampleServer(p)
		if p == "/b" {
			srv.Tags = []string{"special"}
			srv.IsEnabled = false
		}
		_, err := s.CreateServer(ctx, testNS, srv)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	var paths []string
	for reg, err := range s.Registrables(ctx, testNS, model.EntityServer, ListOptions{PageSize: 2}) {
		require.NoError(t, err)
		paths = append(paths, reg.EntityPath())
	}
	// updated_at descending: newest registration first.
	assert.Equal(t, []string{"/c", "/b", "/a"}, paths)

	paths = paths[:0]
	for reg, err := range s.Registrables(ctx, testNS, model.EntityServer, ListOptions{EnabledOnly: true}) {
		require.NoError(t, err)
		paths = append(paths, reg.EntityPath())
	}
	assert.Equal(t, []string{"/c", "/a"}, paths)

	tagged, err := s.FindByTag(ctx, testNS, model.EntityServer, "special")
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "/b", tagged[0].EntityPath())
}

func TestStore_ScopeCRUDEmitsEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := s.Bus().Subscribe(8)
	defer sub.Close()

	sc := model.Scope{
		Name: "readers",
		Permissions: []model.Permission{
			{Server: "/github", Methods: []string{string(model.MethodList)}},
		},
	}
	created, err := s.PutScope(ctx, testNS, sc)
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	ev := <-sub.C
	assert.Equal(t, model.EntityScopeRecord, ev.Type)
	assert.Equal(t, model.OpCreated, ev.Op)
	assert.Equal(t, "readers", ev.Path)

	created.Description = "read-only access"
	updated, err := s.PutScope(ctx, testNS, created)
	require.NoError(t, err)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	ev = <-sub.C
	assert.Equal(t, model.OpUpdated, ev.Op)

	all, err := s.ListScopes(ctx, testNS)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "read-only access", all[0].Description)

	require.NoError(t, s.DeleteScope(ctx, testNS, "readers"))
	ev = <-sub.C
	assert.Equal(t, model.OpDeleted, ev.Op)

	_, err = s.GetScope(ctx, testNS, "readers")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_ScanRecordsSurviveEntityDeletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateServer(ctx, testNS, sampleServer("/github"))
	require.NoError(t, err)

	scan := model.SecurityScanRecord{
		ScanID:     uuid.New(),
		EntityPath: "/github",
		EntityType: model.EntityServer,
		Status:     model.ScanPassed,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.PutScan(ctx, testNS, scan))

	require.NoError(t, s.DeleteRegistrable(ctx, testNS, model.EntityServer, "/github"))

	scans, err := s.ScansForEntity(ctx, testNS, "/github")
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, scan.ScanID, scans[0].ScanID)
}

func TestStore_EmbeddingRoundTripAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []model.EmbeddingRecord{
		{EntityPath: "/a", EntityType: model.EntityServer, Vector: []float32{1, 0, 0, 0, 0, 0, 0, 0}, TextBlob: "alpha", UpdatedAt: time.Now().UTC()},
		{EntityPath: "/b", EntityType: model.EntityServer, Vector: []float32{0, 1, 0, 0, 0, 0, 0, 0}, TextBlob: "beta", UpdatedAt: time.Now().UTC()},
	}
	for _, r := range recs {
		require.NoError(t, s.PutEmbedding(ctx, testNS, r))
	}

	got, err := s.GetEmbedding(ctx, testNS, model.EntityServer, "/a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.TextBlob)
	assert.Len(t, got.Vector, 8)

	matches, err := s.VectorSearch(ctx, testNS, []float32{1, 0, 0, 0, 0, 0, 0, 0}, 2, model.EntityServer)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, model.EmbeddingKey(model.EntityServer, "/a"), matches[0].Key)

	require.NoError(t, s.DeleteEmbedding(ctx, testNS, model.EntityServer, "/a"))
	// Deleting a missing record is not an error.
	require.NoError(t, s.DeleteEmbedding(ctx, testNS, model.EntityServer, "/a"))

	var listed []string
	require.NoError(t, s.ListEmbeddings(ctx, testNS, func(r model.EmbeddingRecord) error {
		listed = append(listed, r.EntityPath)
		return nil
	}))
	assert.Equal(t, []string{"/b"}, listed)
}
