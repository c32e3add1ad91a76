package scopes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/testutil"
)

func TestWatcher_ReloadsOnScopeMutation(t *testing.T) {
	st := testutil.NewMemoryStore(t, "default", 8)
	ctx := context.Background()

	w := NewWatcher(st, "default", "", testutil.TestLogger())
	require.NoError(t, w.Load(ctx))
	assert.Zero(t, w.Table().Len())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.Start(runCtx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		w.Stop(stopCtx)
	})

	_, err := st.PutScope(ctx, "default", model.Scope{
		Name: "readers",
		Permissions: []model.Permission{
			{Server: model.Wildcard, Methods: []string{"list"}},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return w.Table().Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	d := w.Table().Evaluate(
		model.Identity{Subject: "u", Groups: []string{"readers"}},
		model.Operation{ServicePath: "/svc/x", Method: model.MethodList},
	)
	assert.True(t, d.Allow)

	require.NoError(t, st.DeleteScope(ctx, "default", "readers"))
	require.Eventually(t, func() bool {
		return w.Table().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresEntityEvents(t *testing.T) {
	st := testutil.NewMemoryStore(t, "default", 8)
	ctx := context.Background()

	// Seed one scope, then load.
	_, err := st.PutScope(ctx, "default", model.Scope{
		Name:        "readers",
		Permissions: []model.Permission{{Server: model.Wildcard, Methods: []string{"list"}}},
	})
	require.NoError(t, err)

	w := NewWatcher(st, "default", "", testutil.TestLogger())
	require.NoError(t, w.Load(ctx))
	require.Equal(t, 1, w.Table().Len())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.Start(runCtx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		w.Stop(stopCtx)
	})

	// Server churn must not disturb the table.
	_, err = st.CreateServer(ctx, "default", model.Server{
		Path: "/svc", Name: "svc", ProxyURL: "https://u.internal/svc", IsEnabled: true,
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, w.Table().Len())
}
