package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxTransactionRetries bounds conflict retries before ErrTransactionConflict.
const maxTransactionRetries = 10

// fullJitterBackoff spreads retries uniformly over a growing window:
// delay = random(0, min(100 * 1.5^attempt, 2000)) ms.
type fullJitterBackoff struct {
	attempt int
	rand    *rand.Rand
}

func newFullJitterBackoff() *fullJitterBackoff {
	return &fullJitterBackoff{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *fullJitterBackoff) NextBackOff() time.Duration {
	ceil := 100 * math.Pow(1.5, float64(b.attempt))
	if ceil > 2000 {
		ceil = 2000
	}
	b.attempt++
	return time.Duration(b.rand.Float64() * ceil * float64(time.Millisecond))
}

func (b *fullJitterBackoff) Reset() { b.attempt = 0 }

// Tx stages reads and writes for one transaction attempt. Reads through the
// handle capture the version they observed; staged writes against a read
// path carry that version as their OCC precondition.
type Tx struct {
	c     *Client
	reads map[string]int64
	ops   []txOp
}

type txOp struct {
	Type            string `json:"type"`
	Path            string `json:"path"`
	Data            any    `json:"data,omitempty"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

// Get reads the document fresh from the server and records its version. The
// cache is never consulted: transactional reads must be authoritative.
func (t *Tx) Get(ctx context.Context, ref *DocumentRef) (*Snapshot, error) {
	if ref.err != nil {
		return nil, ref.err
	}
	route, parentPath := routeFor(ref.path)
	q := t.c.baseQuery()
	if parentPath != "" {
		q.Set("parentPath", parentPath)
	}

	var doc serverDocument
	if err := t.c.do(ctx, http.MethodGet, route, q, nil, &doc); err != nil {
		return nil, err
	}
	t.reads[ref.path.String()] = doc.Version
	return doc.snapshot(), nil
}

func (t *Tx) stage(ref *DocumentRef, opType string, data any) {
	op := txOp{Type: opType, Path: ref.path.String(), Data: data}
	if v, ok := t.reads[op.Path]; ok {
		expected := v
		op.ExpectedVersion = &expected
	}
	t.ops = append(t.ops, op)
}

// Set stages an upsert.
func (t *Tx) Set(ref *DocumentRef, data any) { t.stage(ref, "set", data) }

// Update stages a merge-patch.
func (t *Tx) Update(ref *DocumentRef, patch any) { t.stage(ref, "update", patch) }

// Delete stages a soft delete.
func (t *Tx) Delete(ref *DocumentRef) { t.stage(ref, "delete", nil) }

// RunTransaction invokes fn with a fresh Tx, then commits the staged writes
// as one atomic batch. On a version conflict the whole function re-runs with
// fresh reads, up to maxTransactionRetries times with full-jitter backoff;
// exhaustion returns ErrTransactionConflict. Errors returned by fn and
// non-conflict server errors abort immediately.
func (c *Client) RunTransaction(ctx context.Context, fn func(*Tx) error) error {
	attempt := func() error {
		tx := &Tx{c: c, reads: make(map[string]int64)}
		if err := fn(tx); err != nil {
			return backoff.Permanent(err)
		}
		if len(tx.ops) == 0 {
			return nil
		}

		body := map[string]any{
			"operations":  tx.ops,
			"userId":      c.cfg.UserID,
			"workspaceId": c.cfg.WorkspaceID,
		}
		var out struct {
			Version int64 `json:"version"`
		}
		err := c.do(ctx, http.MethodPost, "/documents/batch", nil, body, &out)
		if err == nil {
			c.observeVersion(out.Version)
			if c.cache != nil {
				// Per-operation versions are not reported for batches; the
				// event replay brings the cache up to date.
				_ = c.Sync(ctx)
			}
			return nil
		}
		if errors.Is(err, ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newFullJitterBackoff(), maxTransactionRetries), ctx)
	if err := backoff.Retry(attempt, b); err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrTransactionConflict
		}
		return err
	}
	return nil
}
