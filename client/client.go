// Package client is the Go SDK for the document server. It offers chained
// collection/document references, an optional durable cache with an offline
// write queue, live subscriptions over the Redis broker, and optimistic
// transactions.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftdoc/driftdoc/docpath"
	"github.com/driftdoc/driftdoc/internal/jsonmerge"
)

const (
	drainInterval = 5 * time.Second
	syncInterval  = 30 * time.Second
)

// Client talks to one workspace of the document server.
type Client struct {
	cfg   Config
	http  *http.Client
	cache *cache        // nil unless persistence is enabled
	redis *redis.Client // nil unless a broker is configured
	log   zerolog.Logger

	mu       sync.Mutex
	lastSeen int64 // highest workspace version observed, for publication dedup

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a client. When persistence is enabled the background drain and
// sync tickers start immediately; Close stops them.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:  cfg,
		http: cfg.HTTPClient,
		log:  log.With().Str("component", "client").Str("workspace", cfg.WorkspaceID).Logger(),
		done: make(chan struct{}),
	}

	if cfg.EnablePersistence {
		store, err := openCache(cfg.CachePath)
		if err != nil {
			return nil, err
		}
		c.cache = store
	}

	if cfg.BrokerAddr != "" {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.BrokerAddr,
			Password: cfg.BrokerPassword,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.redis.Ping(pingCtx).Err(); err != nil {
			// The broker can come up later; go-redis reconnects on its own
			// and periodic sync covers the gap.
			c.log.Warn().Err(err).Str("addr", cfg.BrokerAddr).Msg("broker unreachable, live updates delayed")
		}
		cancel()
	}

	if c.cache != nil {
		c.wg.Add(2)
		go c.loop(drainInterval, c.drainQueue)
		go c.loop(syncInterval, func(ctx context.Context) { _ = c.Sync(ctx) })
	}

	return c, nil
}

// Close stops background work and releases the cache and broker connections.
func (c *Client) Close() error {
	close(c.done)
	c.wg.Wait()
	var firstErr error
	if c.redis != nil {
		firstErr = c.redis.Close()
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) loop(interval time.Duration, fn func(ctx context.Context)) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			fn(ctx)
			cancel()
		}
	}
}

// Collection returns a reference to a root-level collection.
func (c *Client) Collection(name string) *CollectionRef {
	p, err := docpath.Parse(name)
	if err == nil && !p.IsCollection() {
		err = docpath.ErrBadSegment
	}
	return &CollectionRef{c: c, path: p, err: err}
}

// Doc resolves a full document path, round-tripping paths produced by refs.
func (c *Client) Doc(path string) *DocumentRef {
	p, err := docpath.Parse(path)
	if err == nil && !p.IsDocument() {
		err = docpath.ErrBadSegment
	}
	return &DocumentRef{c: c, path: p, err: err}
}

// PendingWrites exposes the offline queue for inspection. A write that keeps
// failing for a non-network reason stays here until cleared.
func (c *Client) PendingWrites(ctx context.Context) ([]PendingWrite, error) {
	if c.cache == nil {
		return nil, nil
	}
	return c.cache.pendingWrites(ctx)
}

// ClearPendingWrite removes one queued entry without replaying it.
func (c *Client) ClearPendingWrite(ctx context.Context, seq int64) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.dequeue(ctx, seq)
}

// HTTP plumbing.

func (c *Client) do(ctx context.Context, method, p string, q url.Values, body, out any) error {
	u := c.cfg.Endpoint + p
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &netError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		ae := &apiError{status: resp.StatusCode, message: e.Error}
		switch resp.StatusCode {
		case http.StatusNotFound:
			ae.kind = ErrNotFound
		case http.StatusForbidden:
			ae.kind = ErrPermissionDenied
		case http.StatusConflict:
			ae.kind = ErrConflict
		}
		return ae
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) baseQuery() url.Values {
	q := url.Values{}
	q.Set("workspaceId", c.cfg.WorkspaceID)
	q.Set("userId", c.cfg.UserID)
	return q
}

func (c *Client) observeVersion(v int64) {
	c.mu.Lock()
	if v > c.lastSeen {
		c.lastSeen = v
	}
	c.mu.Unlock()
}

func (c *Client) seenVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// routeFor splits a document path into the URL route plus the parentPath the
// server expects for nested documents.
func routeFor(p docpath.Path) (route string, parentPath string) {
	segs := p.Segments()
	leaf := strings.Join(segs[len(segs)-2:], "/")
	if len(segs) > 2 {
		parentPath = strings.Join(segs[:len(segs)-2], "/")
	}
	return "/documents/" + leaf, parentPath
}

// Offline queue drain. Entries replay serially in queue order; the first
// failure halts the drain until the next trigger so per-path ordering holds.
func (c *Client) drainQueue(ctx context.Context) {
	entries, err := c.cache.pendingWrites(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to read offline queue")
		return
	}
	for _, w := range entries {
		if err := c.replayWrite(ctx, w); err != nil {
			if !isOffline(err) {
				c.log.Warn().Err(err).Str("path", w.Path).Msg("queued write rejected, leaving in queue")
			}
			return
		}
		if err := c.cache.dequeue(ctx, w.Seq); err != nil {
			c.log.Error().Err(err).Int64("seq", w.Seq).Msg("failed to dequeue replayed write")
			return
		}
	}
}

func (c *Client) replayWrite(ctx context.Context, w PendingWrite) error {
	p, err := docpath.Parse(w.Path)
	if err != nil || !p.IsDocument() {
		// Unreplayable entry; dropping it on the next dequeue is the only
		// way forward.
		c.log.Error().Str("path", w.Path).Msg("malformed queued write")
		return nil
	}
	route, parentPath := routeFor(p)

	var data any
	if len(w.Data) > 0 {
		if err := json.Unmarshal(w.Data, &data); err != nil {
			return err
		}
	}

	body := map[string]any{
		"userId":      c.cfg.UserID,
		"workspaceId": c.cfg.WorkspaceID,
	}
	if parentPath != "" {
		body["parentPath"] = parentPath
	}

	var out struct {
		Version int64 `json:"version"`
	}
	switch w.Type {
	case "set":
		body["data"] = data
		if err := c.do(ctx, http.MethodPut, route, nil, body, &out); err != nil {
			return err
		}
		return c.cacheAck(ctx, w.Path, w.Data, out.Version)
	case "update":
		body["data"] = data
		if err := c.do(ctx, http.MethodPatch, route, nil, body, &out); err != nil {
			return err
		}
		return c.cacheAckPatch(ctx, w.Path, data, out.Version)
	case "delete":
		if err := c.do(ctx, http.MethodDelete, route, nil, body, nil); err != nil {
			return err
		}
		return c.cache.deleteDocument(ctx, w.Path)
	default:
		c.log.Error().Str("type", w.Type).Msg("unknown queued write type")
		return nil
	}
}

// cacheAck replaces an optimistic entry with the server-acknowledged state.
func (c *Client) cacheAck(ctx context.Context, path string, data json.RawMessage, version int64) error {
	c.observeVersion(version)
	if c.cache == nil {
		return nil
	}
	return c.cache.putDocument(ctx, path, data, version, false)
}

func (c *Client) cacheAckPatch(ctx context.Context, path string, patch any, version int64) error {
	c.observeVersion(version)
	if c.cache == nil {
		return nil
	}
	cur, ok, err := c.cache.getDocument(ctx, path)
	if err != nil || !ok {
		return err
	}
	var stored any
	if len(cur.Data) > 0 {
		if err := json.Unmarshal(cur.Data, &stored); err != nil {
			return err
		}
	}
	merged, err := json.Marshal(jsonmerge.Apply(stored, patch))
	if err != nil {
		return err
	}
	return c.cache.putDocument(ctx, path, merged, version, false)
}

// Incremental sync.

type syncEvent struct {
	Version   int64          `json:"version"`
	EventType string         `json:"eventType"`
	Payload   map[string]any `json:"payload"`
}

// Sync pulls all events since the cache's high-water mark and replays them.
// Paths with queued local writes are skipped so optimistic state survives
// until the drain resolves it.
func (c *Client) Sync(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	since, err := c.cache.lastSyncVersion(ctx)
	if err != nil {
		return err
	}

	q := c.baseQuery()
	q.Set("since", strconv.FormatInt(since, 10))
	var out struct {
		Changes []syncEvent `json:"changes"`
	}
	if err := c.do(ctx, http.MethodGet, "/documents/sync", q, nil, &out); err != nil {
		return err
	}

	high := since
	for _, ev := range out.Changes {
		if err := c.applyEvent(ctx, ev); err != nil {
			return err
		}
		if ev.Version > high {
			high = ev.Version
		}
	}
	c.observeVersion(high)
	return c.cache.setLastSyncVersion(ctx, high)
}

func (c *Client) applyEvent(ctx context.Context, ev syncEvent) error {
	path, _ := ev.Payload["path"].(string)
	if path == "" {
		return nil
	}
	queued, err := c.cache.hasQueued(ctx, path)
	if err != nil {
		return err
	}
	if queued {
		return nil
	}

	switch ev.EventType {
	case "INSERT", "SET":
		raw, err := json.Marshal(ev.Payload["data"])
		if err != nil {
			return err
		}
		return c.cache.putDocument(ctx, path, raw, ev.Version, false)
	case "UPDATE":
		cur, ok, err := c.cache.getDocument(ctx, path)
		if err != nil || !ok {
			// A patch for a document the cache never saw cannot be
			// materialized; a later read-through fills it in.
			return err
		}
		var stored any
		if len(cur.Data) > 0 {
			if err := json.Unmarshal(cur.Data, &stored); err != nil {
				return err
			}
		}
		merged, err := json.Marshal(jsonmerge.Apply(stored, ev.Payload["patch"]))
		if err != nil {
			return err
		}
		return c.cache.putDocument(ctx, path, merged, ev.Version, false)
	case "DELETE":
		return c.cache.deleteDocument(ctx, path)
	}
	return nil
}
