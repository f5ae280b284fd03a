package ddbstate

import (
	"context"
	"testing"
	"time"

	"github.com/acksell/immaterial/dynamodb/provision"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T) *Store {
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	store, err := Open(Options{InMemory: true, Now: clock.now})
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func ordersRecord(tags map[string]string) Record {
	return Record{
		Inputs: provision.Inputs{TableName: "orders", Tags: tags},
		Outputs: provision.Outputs{
			TableName: "orders",
			TableARN:  "arn:aws:dynamodb:us-east-1:123456789012:table/orders",
			PolicyARN: "arn:aws:iam::123456789012:policy/orders_policy",
		},
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	put, err := store.Put(ctx, ordersRecord(map[string]string{"env": "prod"}))
	require.NoError(t, err)
	require.Equal(t, DefaultWorkspace, put.Workspace)
	require.NotEmpty(t, put.RunID)
	require.Equal(t, time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC), put.AppliedAt)

	got, err := store.Get(ctx, "")
	require.NoError(t, err)
	require.Equal(t, put.RunID, got.RunID)
	require.True(t, put.AppliedAt.Equal(got.AppliedAt))
	require.Equal(t, put.Inputs, got.Inputs)
	require.Equal(t, put.Outputs, got.Outputs)
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "staging")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWorkspacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec := ordersRecord(nil)
	rec.Workspace = "staging"
	_, err := store.Put(ctx, rec)
	require.NoError(t, err)

	_, err = store.Get(ctx, DefaultWorkspace)
	require.ErrorIs(t, err, ErrNotFound)

	got, err := store.Get(ctx, "staging")
	require.NoError(t, err)
	require.Equal(t, "orders", got.Outputs.TableName)
}

func TestDeleteKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Put(ctx, ordersRecord(nil))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, ""))

	_, err = store.Get(ctx, "")
	require.ErrorIs(t, err, ErrNotFound)

	history, err := store.History(ctx, "")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestHistoryOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var runIDs []string
	for _, env := range []string{"dev", "staging", "prod"} {
		r, err := store.Put(ctx, ordersRecord(map[string]string{"env": env}))
		require.NoError(t, err)
		runIDs = append(runIDs, r.RunID)
	}

	history, err := store.History(ctx, "")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, r := range history {
		require.Equal(t, runIDs[i], r.RunID)
	}
	require.Equal(t, "prod", history[2].Inputs.Tags["env"])

	current, err := store.Get(ctx, "")
	require.NoError(t, err)
	require.Equal(t, runIDs[2], current.RunID)
}

func TestCanceledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Put(ctx, ordersRecord(nil))
	require.ErrorIs(t, err, context.Canceled)
}
