package engine

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdoc/driftdoc/docpath"
	"github.com/driftdoc/driftdoc/internal/db"
	"github.com/driftdoc/driftdoc/internal/rules"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))

	return New(pool, rules.NewEngine(rules.DefaultRules()), nil), "ws-" + uuid.New().String()
}

func mustPath(t *testing.T, raw string) docpath.Path {
	t.Helper()
	p, err := docpath.Parse(raw)
	require.NoError(t, err)
	return p
}

// A stalled write transaction must block concurrent writers in the same
// workspace until it commits, so versions are assigned in commit order and
// the change stream never develops a gap below an observed high-water mark.
func TestConcurrentWritesCommitInVersionOrder(t *testing.T) {
	e, ws := newTestEngine(t)
	ctx := context.Background()
	auth := rules.AuthContext{UserID: "u1", WorkspaceID: ws}

	tx, err := e.DB.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	docA, _, err := e.applyWrite(ctx, tx, ws, writeOp{
		kind: opSet, path: mustPath(t, "notes/a"), data: map[string]any{"n": 1}, caller: "u1",
	})
	require.NoError(t, err)

	done := make(chan int64, 1)
	go func() {
		doc, _, err := e.Set(ctx, ws, mustPath(t, "notes/b"), map[string]any{"n": 2}, auth, nil)
		if err != nil {
			done <- -1
			return
		}
		done <- doc.Version
	}()

	select {
	case v := <-done:
		t.Fatalf("concurrent write finished with version %d while the first transaction was still open", v)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, tx.Commit(ctx))

	var vB int64
	select {
	case vB = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent write never finished")
	}
	require.Greater(t, vB, docA.Version)

	// The stream replays both events in version order with no gap between
	// commit order and version order.
	changes, err := e.Changes(ctx, ws, 0, auth)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, docA.Version, changes[0].Version)
	assert.Equal(t, vB, changes[1].Version)
}

// Versions inside one batch stay contiguous even while other writers churn.
func TestBatchVersionsContiguousUnderConcurrency(t *testing.T) {
	e, ws := newTestEngine(t)
	ctx := context.Background()
	auth := rules.AuthContext{UserID: "u1", WorkspaceID: ws}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_, _, _ = e.Set(ctx, ws, mustPath(t, "noise/"+strconv.Itoa(i)), map[string]any{"i": i}, auth, nil)
		}
	}()

	ops := []BatchOp{
		{Type: "set", Path: "batch/a", Data: map[string]any{"n": 1}},
		{Type: "set", Path: "batch/b", Data: map[string]any{"n": 2}},
		{Type: "set", Path: "batch/c", Data: map[string]any{"n": 3}},
	}
	final, err := e.Commit(ctx, ws, ops, auth)
	close(stop)
	wg.Wait()
	require.NoError(t, err)

	changes, err := e.Changes(ctx, ws, 0, auth)
	require.NoError(t, err)

	var batchVersions []int64
	for _, ev := range changes {
		if strings.HasPrefix(eventPath(ev), "batch/") {
			batchVersions = append(batchVersions, ev.Version)
		}
	}
	require.Len(t, batchVersions, 3)
	assert.Equal(t, batchVersions[0]+1, batchVersions[1])
	assert.Equal(t, batchVersions[1]+1, batchVersions[2])
	assert.Equal(t, final, batchVersions[2])
}

// Readers past a high-water mark must never miss an event: sync(since=v)
// after observing v returns exactly the writes committed after v.
func TestSyncHighWaterMarkMissesNothing(t *testing.T) {
	e, ws := newTestEngine(t)
	ctx := context.Background()
	auth := rules.AuthContext{UserID: "u1", WorkspaceID: ws}

	docA, _, err := e.Set(ctx, ws, mustPath(t, "notes/a"), map[string]any{"n": 1}, auth, nil)
	require.NoError(t, err)

	changes, err := e.Changes(ctx, ws, docA.Version, auth)
	require.NoError(t, err)
	require.Empty(t, changes)

	docB, _, err := e.Set(ctx, ws, mustPath(t, "notes/b"), map[string]any{"n": 2}, auth, nil)
	require.NoError(t, err)

	changes, err = e.Changes(ctx, ws, docA.Version, auth)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, docB.Version, changes[0].Version)
}
