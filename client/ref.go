package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/driftdoc/driftdoc/docpath"
	"github.com/driftdoc/driftdoc/internal/jsonmerge"
)

// WriteOptions carries per-write settings.
type WriteOptions struct {
	// ExpectedVersion enables optimistic concurrency: the write fails with
	// ErrConflict unless the document's version matches at commit time.
	ExpectedVersion *int64
}

// ExpectVersion is shorthand for a WriteOptions with an OCC precondition.
func ExpectVersion(v int64) *WriteOptions {
	return &WriteOptions{ExpectedVersion: &v}
}

// CollectionRef addresses a collection. Refs chain:
// c.Collection("users").Doc("u1").Collection("posts").
type CollectionRef struct {
	c    *Client
	path docpath.Path
	err  error
}

// DocumentRef addresses a single document.
type DocumentRef struct {
	c    *Client
	path docpath.Path
	err  error
}

// Path returns the full workspace-scoped path.
func (r *CollectionRef) Path() string { return r.path.String() }

// Path returns the full workspace-scoped path.
func (r *DocumentRef) Path() string { return r.path.String() }

// ID returns the document id segment.
func (r *DocumentRef) ID() string { return r.path.DocID() }

// Doc returns a reference to a document in this collection.
func (r *CollectionRef) Doc(id string) *DocumentRef {
	if r.err != nil {
		return &DocumentRef{c: r.c, err: r.err}
	}
	p, err := r.path.Join(id)
	return &DocumentRef{c: r.c, path: p, err: err}
}

// Collection returns a reference to a sub-collection of this document.
func (r *DocumentRef) Collection(name string) *CollectionRef {
	if r.err != nil {
		return &CollectionRef{c: r.c, err: r.err}
	}
	p, err := r.path.Join(name)
	return &CollectionRef{c: r.c, path: p, err: err}
}

// routeForCollection splits a collection path into the URL route and the
// parentPath body field for nested collections.
func routeForCollection(p docpath.Path) (route string, parentPath string) {
	segs := p.Segments()
	if len(segs) > 1 {
		parentPath = strings.Join(segs[:len(segs)-1], "/")
	}
	return "/documents/" + segs[len(segs)-1], parentPath
}

// Add creates a document with a server-assigned id. When the server is
// unreachable and persistence is on, an id is generated locally and the write
// is queued as an upsert of that id.
func (r *CollectionRef) Add(ctx context.Context, data any) (*DocumentRef, int64, error) {
	if r.err != nil {
		return nil, 0, r.err
	}
	route, parentPath := routeForCollection(r.path)

	body := map[string]any{
		"data":        data,
		"userId":      r.c.cfg.UserID,
		"workspaceId": r.c.cfg.WorkspaceID,
	}
	if parentPath != "" {
		body["parentPath"] = parentPath
	}

	var out struct {
		ID      string `json:"id"`
		Path    string `json:"path"`
		Version int64  `json:"version"`
	}
	err := r.c.do(ctx, http.MethodPost, route, nil, body, &out)
	if err == nil {
		raw, mErr := json.Marshal(data)
		if mErr != nil {
			return nil, 0, mErr
		}
		if cErr := r.c.cacheAck(ctx, out.Path, raw, out.Version); cErr != nil {
			return nil, 0, cErr
		}
		return r.Doc(out.ID), out.Version, nil
	}
	if !isOffline(err) || r.c.cache == nil {
		return nil, 0, err
	}

	// Offline: pick the id here and queue the write as a set so the id is
	// stable once the queue drains.
	doc := r.Doc(uuid.New().String())
	v, qErr := doc.queueAndAttempt(ctx, "set", data, nil, false)
	if qErr != nil {
		return nil, 0, qErr
	}
	return doc, v, nil
}

// Documents lists the live documents one level below this collection,
// falling back to the cache when the server is unreachable.
func (r *CollectionRef) Documents(ctx context.Context) ([]*Snapshot, error) {
	if r.err != nil {
		return nil, r.err
	}
	route, parentPath := routeForCollection(r.path)
	q := r.c.baseQuery()
	if parentPath != "" {
		q.Set("parentPath", parentPath)
	}

	var docs []serverDocument
	err := r.c.do(ctx, http.MethodGet, route, q, nil, &docs)
	if err == nil {
		out := make([]*Snapshot, 0, len(docs))
		for _, d := range docs {
			out = append(out, d.snapshot())
			if cErr := r.c.cacheAck(ctx, d.Path, d.Data, d.Version); cErr != nil {
				return nil, cErr
			}
		}
		return out, nil
	}
	if !isOffline(err) || r.c.cache == nil {
		return nil, err
	}
	return r.c.cachedCollection(ctx, r.path.String())
}

// serverDocument mirrors the server's document JSON.
type serverDocument struct {
	ID      string          `json:"id"`
	Path    string          `json:"path"`
	Data    json.RawMessage `json:"data"`
	Version int64           `json:"version"`
}

func (d serverDocument) snapshot() *Snapshot {
	snap := &Snapshot{ID: d.ID, Path: d.Path, Version: d.Version}
	if len(d.Data) > 0 {
		_ = json.Unmarshal(d.Data, &snap.Data)
	}
	return snap
}

func (c *Client) cachedCollection(ctx context.Context, collectionPath string) ([]*Snapshot, error) {
	docs, err := c.cache.listCollection(ctx, collectionPath)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(docs))
	for _, d := range docs {
		snap, err := c.cachedSnapshot(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (c *Client) cachedSnapshot(ctx context.Context, d cachedDoc) (*Snapshot, error) {
	queued, err := c.cache.hasQueued(ctx, d.Path)
	if err != nil {
		return nil, err
	}
	p, _ := docpath.Parse(d.Path)
	snap := &Snapshot{
		ID:      p.DocID(),
		Path:    d.Path,
		Version: d.Version,
		Metadata: SnapshotMetadata{
			FromCache:        true,
			HasPendingWrites: queued || d.Version == PendingVersion,
		},
	}
	if len(d.Data) > 0 {
		if err := json.Unmarshal(d.Data, &snap.Data); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// Get reads the document, preferring the server and falling back to the
// cache on network failure.
func (r *DocumentRef) Get(ctx context.Context) (*Snapshot, error) {
	if r.err != nil {
		return nil, r.err
	}
	route, parentPath := routeFor(r.path)
	q := r.c.baseQuery()
	if parentPath != "" {
		q.Set("parentPath", parentPath)
	}

	var doc serverDocument
	err := r.c.do(ctx, http.MethodGet, route, q, nil, &doc)
	if err == nil {
		if cErr := r.c.cacheAck(ctx, doc.Path, doc.Data, doc.Version); cErr != nil {
			return nil, cErr
		}
		return doc.snapshot(), nil
	}
	if !isOffline(err) || r.c.cache == nil {
		return nil, err
	}
	cur, ok, cErr := r.c.cache.getDocument(ctx, r.path.String())
	if cErr != nil {
		return nil, cErr
	}
	if !ok {
		return nil, err
	}
	return r.c.cachedSnapshot(ctx, cur)
}

// Set upserts the document. With persistence the cache is updated
// optimistically first and the write survives network failure in the queue.
func (r *DocumentRef) Set(ctx context.Context, data any, opts *WriteOptions) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	return r.queueAndAttempt(ctx, "set", data, opts, true)
}

// Update merge-patches the document.
func (r *DocumentRef) Update(ctx context.Context, patch any, opts *WriteOptions) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	return r.queueAndAttempt(ctx, "update", patch, opts, true)
}

// Delete soft-deletes the document.
func (r *DocumentRef) Delete(ctx context.Context, opts *WriteOptions) error {
	if r.err != nil {
		return r.err
	}
	_, err := r.queueAndAttempt(ctx, "delete", nil, opts, true)
	return err
}

// queueAndAttempt implements the optimistic write rule: update the cache
// with the pending sentinel, queue the operation, then try the network. A
// network failure leaves the queued entry for the drain; a server rejection
// rolls the optimistic state back and surfaces the error.
func (r *DocumentRef) queueAndAttempt(ctx context.Context, opType string, data any, opts *WriteOptions, attempt bool) (int64, error) {
	pathStr := r.path.String()
	c := r.c

	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return 0, err
		}
	}

	var seq int64
	var prior *cachedDoc
	if c.cache != nil {
		cur, ok, err := c.cache.getDocument(ctx, pathStr)
		if err != nil {
			return 0, err
		}
		if ok {
			prior = &cur
		}

		switch opType {
		case "set":
			if err := c.cache.putDocument(ctx, pathStr, raw, PendingVersion, true); err != nil {
				return 0, err
			}
		case "update":
			var stored any
			if prior != nil && len(prior.Data) > 0 {
				if err := json.Unmarshal(prior.Data, &stored); err != nil {
					return 0, err
				}
			}
			var patch any
			if err := json.Unmarshal(raw, &patch); err != nil {
				return 0, err
			}
			merged, err := json.Marshal(jsonmerge.Apply(stored, patch))
			if err != nil {
				return 0, err
			}
			if err := c.cache.putDocument(ctx, pathStr, merged, PendingVersion, true); err != nil {
				return 0, err
			}
		case "delete":
			if err := c.cache.deleteDocument(ctx, pathStr); err != nil {
				return 0, err
			}
		}

		_, qParent := routeFor(r.path)
		seq, _ = c.cache.enqueue(ctx, PendingWrite{
			Type:           opType,
			Path:           pathStr,
			Data:           raw,
			CollectionName: r.path.CollectionName(),
			ParentPath:     qParent,
		})
	}

	if !attempt {
		return PendingVersion, nil
	}

	version, err := r.attemptWrite(ctx, opType, data, opts)
	switch {
	case err == nil:
		if c.cache != nil {
			_ = c.cache.dequeue(ctx, seq)
			switch opType {
			case "set":
				if err := c.cacheAck(ctx, pathStr, raw, version); err != nil {
					return 0, err
				}
			case "update":
				var patch any
				_ = json.Unmarshal(raw, &patch)
				if err := c.cacheAckPatch(ctx, pathStr, patch, version); err != nil {
					return 0, err
				}
			case "delete":
				c.observeVersion(version)
			}
		} else {
			c.observeVersion(version)
		}
		return version, nil
	case isOffline(err) && c.cache != nil:
		// Queued; the drain converges the cache later.
		return PendingVersion, nil
	default:
		if c.cache != nil {
			_ = c.cache.dequeue(ctx, seq)
			if prior != nil {
				_ = c.cache.putDocument(ctx, pathStr, prior.Data, prior.Version, prior.Pending)
			} else {
				_ = c.cache.deleteDocument(ctx, pathStr)
			}
		}
		return 0, err
	}
}

func (r *DocumentRef) attemptWrite(ctx context.Context, opType string, data any, opts *WriteOptions) (int64, error) {
	route, parentPath := routeFor(r.path)
	body := map[string]any{
		"userId":      r.c.cfg.UserID,
		"workspaceId": r.c.cfg.WorkspaceID,
	}
	if parentPath != "" {
		body["parentPath"] = parentPath
	}
	if opts != nil && opts.ExpectedVersion != nil {
		body["expectedVersion"] = *opts.ExpectedVersion
	}

	var out struct {
		Version int64 `json:"version"`
	}
	switch opType {
	case "set":
		body["data"] = data
		if err := r.c.do(ctx, http.MethodPut, route, nil, body, &out); err != nil {
			return 0, err
		}
	case "update":
		body["data"] = data
		if err := r.c.do(ctx, http.MethodPatch, route, nil, body, &out); err != nil {
			return 0, err
		}
	case "delete":
		if err := r.c.do(ctx, http.MethodDelete, route, nil, body, nil); err != nil {
			return 0, err
		}
	}
	return out.Version, nil
}
