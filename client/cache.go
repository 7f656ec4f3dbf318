package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	_ "modernc.org/sqlite"
)

// PendingVersion is the sentinel stored for an optimistic write that has not
// yet received a server-assigned version.
const PendingVersion = -1

const cacheSchema = `
CREATE TABLE IF NOT EXISTS documents (
	path    TEXT PRIMARY KEY,
	data    TEXT,
	version INTEGER NOT NULL,
	pending INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS queue (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	op_type         TEXT NOT NULL,
	path            TEXT NOT NULL,
	data            TEXT,
	collection_name TEXT NOT NULL DEFAULT '',
	parent_path     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// cache is the durable sqlite-backed document cache and outbound queue.
type cache struct {
	db *sql.DB
}

type cachedDoc struct {
	Path    string
	Data    json.RawMessage
	Version int64
	Pending bool
}

// PendingWrite is one queued offline operation, exposed for inspection.
type PendingWrite struct {
	Seq            int64           `json:"seq"`
	Type           string          `json:"type"`
	Path           string          `json:"path"`
	Data           json.RawMessage `json:"data,omitempty"`
	CollectionName string          `json:"collectionName"`
	ParentPath     string          `json:"parentPath,omitempty"`
}

func openCache(path string) (*cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The cooperative client never issues concurrent writes, and sqlite
	// locks the file anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &cache{db: db}, nil
}

func (c *cache) Close() error { return c.db.Close() }

func (c *cache) putDocument(ctx context.Context, path string, data json.RawMessage, version int64, pending bool) error {
	p := 0
	if pending {
		p = 1
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (path, data, version, pending) VALUES (?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET data = excluded.data, version = excluded.version, pending = excluded.pending
	`, path, string(data), version, p)
	return err
}

func (c *cache) getDocument(ctx context.Context, path string) (cachedDoc, bool, error) {
	var doc cachedDoc
	var data string
	var pending int
	err := c.db.QueryRowContext(ctx,
		`SELECT path, data, version, pending FROM documents WHERE path = ?`, path).
		Scan(&doc.Path, &data, &doc.Version, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return cachedDoc{}, false, nil
	}
	if err != nil {
		return cachedDoc{}, false, err
	}
	doc.Data = json.RawMessage(data)
	doc.Pending = pending != 0
	return doc, true, nil
}

func (c *cache) deleteDocument(ctx context.Context, path string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path)
	return err
}

// escapeLike escapes LIKE metacharacters in a literal path prefix, matching
// the server's escaping so "t_sks" never matches "tasks" documents.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// listCollection returns cached documents exactly one level below
// collectionPath, mirroring the server's one-level listing rule.
func (c *cache) listCollection(ctx context.Context, collectionPath string) ([]cachedDoc, error) {
	prefix := escapeLike(collectionPath)
	rows, err := c.db.QueryContext(ctx, `
		SELECT path, data, version, pending FROM documents
		WHERE path LIKE ? || '/%' ESCAPE '\' AND path NOT LIKE ? || '/%/%' ESCAPE '\'
		ORDER BY path
	`, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cachedDoc
	for rows.Next() {
		var doc cachedDoc
		var data string
		var pending int
		if err := rows.Scan(&doc.Path, &data, &doc.Version, &pending); err != nil {
			return nil, err
		}
		doc.Data = json.RawMessage(data)
		doc.Pending = pending != 0
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (c *cache) enqueue(ctx context.Context, w PendingWrite) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO queue (op_type, path, data, collection_name, parent_path)
		VALUES (?, ?, ?, ?, ?)
	`, w.Type, w.Path, string(w.Data), w.CollectionName, w.ParentPath)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (c *cache) dequeue(ctx context.Context, seq int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM queue WHERE seq = ?`, seq)
	return err
}

func (c *cache) pendingWrites(ctx context.Context) ([]PendingWrite, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT seq, op_type, path, data, collection_name, parent_path
		FROM queue ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingWrite
	for rows.Next() {
		var w PendingWrite
		var data string
		if err := rows.Scan(&w.Seq, &w.Type, &w.Path, &data, &w.CollectionName, &w.ParentPath); err != nil {
			return nil, err
		}
		if data != "" {
			w.Data = json.RawMessage(data)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// hasQueued reports whether any queued write targets path. Cached reads for
// such paths carry has_pending_writes.
func (c *cache) hasQueued(ctx context.Context, path string) (bool, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE path = ?`, path).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// lastSyncVersion reads the high-water mark of replayed events.
func (c *cache) lastSyncVersion(ctx context.Context) (int64, error) {
	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'last_sync_version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int64
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (c *cache) setLastSyncVersion(ctx context.Context, v int64) error {
	raw, _ := json.Marshal(v)
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('last_sync_version', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, string(raw))
	return err
}
