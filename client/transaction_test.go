package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullJitterBackoffBounds(t *testing.T) {
	b := newFullJitterBackoff()
	limits := []time.Duration{
		100 * time.Millisecond, // attempt 0
		150 * time.Millisecond, // 100 * 1.5
		225 * time.Millisecond, // 100 * 1.5^2
		338 * time.Millisecond,
		507 * time.Millisecond,
	}
	for i, limit := range limits {
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, time.Duration(0), "attempt %d", i)
		assert.LessOrEqual(t, d, limit, "attempt %d", i)
	}

	// The window is clamped at 2s.
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, b.NextBackOff(), 2*time.Second)
	}

	b.Reset()
	assert.LessOrEqual(t, b.NextBackOff(), 100*time.Millisecond)
}

// txServer answers document reads and fails the first n batch commits with a
// version conflict.
func newTxServer(t *testing.T, conflicts int32) (*httptest.Server, *atomic.Int32, *atomic.Value) {
	t.Helper()
	var attempts atomic.Int32
	var lastBatch atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/documents/batch":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			lastBatch.Store(body)
			if attempts.Add(1) <= conflicts {
				writeTestJSON(w, 409, map[string]any{"error": "version conflict"})
				return
			}
			writeTestJSON(w, 200, map[string]any{"success": true, "version": int64(99)})
		case r.Method == http.MethodGet:
			writeTestJSON(w, 200, map[string]any{
				"id": "n1", "path": "notes/n1",
				"data": map[string]any{"count": 3}, "version": int64(7),
			})
		default:
			writeTestJSON(w, 400, map[string]any{"error": "unsupported"})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &attempts, &lastBatch
}

func TestTransactionCommits(t *testing.T) {
	srv, attempts, lastBatch := newTxServer(t, 0)
	c, err := New(Config{Endpoint: srv.URL, UserID: "u1"})
	require.NoError(t, err)
	defer c.Close()

	err = c.RunTransaction(context.Background(), func(tx *Tx) error {
		snap, err := tx.Get(context.Background(), c.Collection("notes").Doc("n1"))
		if err != nil {
			return err
		}
		tx.Update(c.Collection("notes").Doc("n1"), map[string]any{
			"count": snap.Data["count"].(float64) + 1,
		})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), attempts.Load())

	// The staged write carried the read version as its precondition.
	body := lastBatch.Load().(map[string]any)
	ops := body["operations"].([]any)
	require.Len(t, ops, 1)
	op := ops[0].(map[string]any)
	assert.Equal(t, "update", op["type"])
	assert.Equal(t, "notes/n1", op["path"])
	assert.Equal(t, float64(7), op["expectedVersion"])
}

func TestTransactionRetriesOnConflict(t *testing.T) {
	srv, attempts, _ := newTxServer(t, 2)
	c, err := New(Config{Endpoint: srv.URL, UserID: "u1"})
	require.NoError(t, err)
	defer c.Close()

	var runs int
	err = c.RunTransaction(context.Background(), func(tx *Tx) error {
		runs++
		tx.Set(c.Collection("notes").Doc("n1"), map[string]any{"count": 1})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 3, runs, "the whole function re-runs on each retry")
}

func TestTransactionExhaustsRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping backoff exhaustion in short mode")
	}
	srv, attempts, _ := newTxServer(t, 1000)
	c, err := New(Config{Endpoint: srv.URL, UserID: "u1"})
	require.NoError(t, err)
	defer c.Close()

	err = c.RunTransaction(context.Background(), func(tx *Tx) error {
		tx.Set(c.Collection("notes").Doc("n1"), map[string]any{"count": 1})
		return nil
	})
	assert.ErrorIs(t, err, ErrTransactionConflict)
	assert.Equal(t, int32(maxTransactionRetries+1), attempts.Load())
}

func TestTransactionFunctionErrorAborts(t *testing.T) {
	srv, attempts, _ := newTxServer(t, 0)
	c, err := New(Config{Endpoint: srv.URL, UserID: "u1"})
	require.NoError(t, err)
	defer c.Close()

	boom := errors.New("boom")
	err = c.RunTransaction(context.Background(), func(tx *Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, attempts.Load(), "nothing committed")
}

func TestTransactionNoStagedWritesSkipsCommit(t *testing.T) {
	srv, attempts, _ := newTxServer(t, 0)
	c, err := New(Config{Endpoint: srv.URL, UserID: "u1"})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.RunTransaction(context.Background(), func(tx *Tx) error { return nil }))
	assert.Zero(t, attempts.Load())
}

func TestTransactionPermissionDeniedNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		writeTestJSON(w, 403, map[string]any{"error": "permission denied"})
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{Endpoint: srv.URL, UserID: "u1"})
	require.NoError(t, err)
	defer c.Close()

	err = c.RunTransaction(context.Background(), func(tx *Tx) error {
		tx.Set(c.Collection("notes").Doc("n1"), map[string]any{"x": 1})
		return nil
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, int32(1), attempts.Load())
}
