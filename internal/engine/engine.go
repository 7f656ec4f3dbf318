// Package engine implements the document engine: CRUD, optimistic
// concurrency, atomic batches, queries, and the incremental change stream.
// The event append and the document mutation for one operation execute in a
// single transaction; the event's assigned row id becomes the document's
// version, which is read back explicitly and bound into the document write.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/driftdoc/driftdoc/docpath"
	"github.com/driftdoc/driftdoc/internal/jsonmerge"
	"github.com/driftdoc/driftdoc/internal/rules"
)

// Publisher dispatches change publications after a commit. Publishing is
// best-effort: failures are logged by the implementation and never roll
// back a committed write.
type Publisher interface {
	Publish(ctx context.Context, pubs []Publication)
}

// Engine coordinates the rules engine, the storage layer, and the event bus.
type Engine struct {
	DB    *pgxpool.Pool
	Rules *rules.Engine
	Bus   Publisher
}

// New creates a document engine. Bus may be nil when no broker is configured.
func New(db *pgxpool.Pool, ruleEngine *rules.Engine, bus Publisher) *Engine {
	return &Engine{DB: db, Rules: ruleEngine, Bus: bus}
}

// BatchOp is one operation inside an atomic batch.
type BatchOp struct {
	Type            string `json:"type"` // "set", "update", "delete"
	Path            string `json:"path"`
	Data            any    `json:"data,omitempty"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

// jsonValue marshals a Go value for a $n::jsonb parameter.
func jsonValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func (e *Engine) authorize(path string, op rules.Operation, auth rules.AuthContext) error {
	if e.Rules.Authorize(path, op, auth) {
		return nil
	}
	return &PermissionDeniedError{Path: path, Operation: string(op)}
}

// Create inserts a new document with a generated id under collectionPath.
func (e *Engine) Create(ctx context.Context, workspaceID string, collectionPath docpath.Path, data any, auth rules.AuthContext) (*Document, error) {
	if !collectionPath.IsCollection() {
		return nil, &MalformedRequestError{Reason: "create target must be a collection path"}
	}
	id := uuid.New().String()
	path, err := collectionPath.Join(id)
	if err != nil {
		return nil, &MalformedRequestError{Reason: err.Error()}
	}
	if err := e.authorize(path.String(), rules.OpWrite, auth); err != nil {
		return nil, err
	}

	var doc *Document
	var pub Publication
	err = pgx.BeginFunc(ctx, e.DB, func(tx pgx.Tx) error {
		var txErr error
		doc, pub, txErr = e.applyWrite(ctx, tx, workspaceID, writeOp{
			kind: opCreate, path: path, data: data, caller: auth.UserID,
		})
		return txErr
	})
	if err != nil {
		return nil, err
	}
	e.dispatch(ctx, []Publication{pub})
	return doc, nil
}

// Set upserts the document at path. When the document exists and expected
// is non-nil, a mismatch fails with VersionConflictError. A set on a
// tombstoned id resurrects it. The second return reports whether the call
// created the document.
func (e *Engine) Set(ctx context.Context, workspaceID string, path docpath.Path, data any, auth rules.AuthContext, expected *int64) (*Document, bool, error) {
	if !path.IsDocument() {
		return nil, false, &MalformedRequestError{Reason: "set target must be a document path"}
	}
	if err := e.authorize(path.String(), rules.OpWrite, auth); err != nil {
		return nil, false, err
	}

	var doc *Document
	var pub Publication
	err := pgx.BeginFunc(ctx, e.DB, func(tx pgx.Tx) error {
		var txErr error
		doc, pub, txErr = e.applyWrite(ctx, tx, workspaceID, writeOp{
			kind: opSet, path: path, data: data, expected: expected, caller: auth.UserID,
		})
		return txErr
	})
	if err != nil {
		return nil, false, err
	}
	e.dispatch(ctx, []Publication{pub})
	return doc, pub.Type == PubCreated, nil
}

// Update merge-patches the document at path. Missing or tombstoned targets
// fail with ErrNotFound.
func (e *Engine) Update(ctx context.Context, workspaceID string, path docpath.Path, patch any, auth rules.AuthContext, expected *int64) (*Document, error) {
	if !path.IsDocument() {
		return nil, &MalformedRequestError{Reason: "update target must be a document path"}
	}
	if err := e.authorize(path.String(), rules.OpWrite, auth); err != nil {
		return nil, err
	}

	var doc *Document
	var pub Publication
	err := pgx.BeginFunc(ctx, e.DB, func(tx pgx.Tx) error {
		var txErr error
		doc, pub, txErr = e.applyWrite(ctx, tx, workspaceID, writeOp{
			kind: opUpdate, path: path, data: patch, expected: expected, caller: auth.UserID,
		})
		return txErr
	})
	if err != nil {
		return nil, err
	}
	e.dispatch(ctx, []Publication{pub})
	return doc, nil
}

// Delete soft-deletes the document at path and returns the tombstone's
// version.
func (e *Engine) Delete(ctx context.Context, workspaceID string, path docpath.Path, auth rules.AuthContext, expected *int64) (int64, error) {
	if !path.IsDocument() {
		return 0, &MalformedRequestError{Reason: "delete target must be a document path"}
	}
	if err := e.authorize(path.String(), rules.OpDelete, auth); err != nil {
		return 0, err
	}

	var pub Publication
	err := pgx.BeginFunc(ctx, e.DB, func(tx pgx.Tx) error {
		var txErr error
		_, pub, txErr = e.applyWrite(ctx, tx, workspaceID, writeOp{
			kind: opDelete, path: path, expected: expected, caller: auth.UserID,
		})
		return txErr
	})
	if err != nil {
		return 0, err
	}
	e.dispatch(ctx, []Publication{pub})
	return pub.Version, nil
}

// Get returns the live document at path, or ErrNotFound for absent and
// tombstoned ids.
func (e *Engine) Get(ctx context.Context, workspaceID string, path docpath.Path, auth rules.AuthContext) (*Document, error) {
	if !path.IsDocument() {
		return nil, &MalformedRequestError{Reason: "get target must be a document path"}
	}
	if err := e.authorize(path.String(), rules.OpRead, auth); err != nil {
		return nil, err
	}

	row := e.DB.QueryRow(ctx, `
		SELECT id, workspace_id, collection_name, path, owner_id, data, version, created_at, updated_at
		FROM documents
		WHERE workspace_id = $1 AND path = $2 AND deleted_at IS NULL
	`, workspaceID, path.String())

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return doc, nil
}

// List returns all live documents exactly one level below collectionPath.
// Sub-collection documents are not descended into.
func (e *Engine) List(ctx context.Context, workspaceID string, collectionPath docpath.Path, auth rules.AuthContext) ([]*Document, error) {
	if !collectionPath.IsCollection() {
		return nil, &MalformedRequestError{Reason: "list target must be a collection path"}
	}
	if err := e.authorize(collectionPath.String(), rules.OpRead, auth); err != nil {
		return nil, err
	}

	rows, err := e.DB.Query(ctx, `
		SELECT id, workspace_id, collection_name, path, owner_id, data, version, created_at, updated_at
		FROM documents
		WHERE workspace_id = $1
		  AND deleted_at IS NULL
		  AND path LIKE $2 || '/%'
		  AND path NOT LIKE $2 || '/%/%'
		ORDER BY version
	`, workspaceID, escapeLike(collectionPath.String()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDocuments(rows)
}

// Query runs a filter/order/limit read over one collection level.
func (e *Engine) Query(ctx context.Context, workspaceID string, q Query, auth rules.AuthContext) ([]*Document, error) {
	cp, err := docpath.Parse(q.CollectionPath)
	if err != nil || !cp.IsCollection() {
		return nil, &MalformedRequestError{Reason: "query target must be a collection path"}
	}
	if err := e.authorize(cp.String(), rules.OpRead, auth); err != nil {
		return nil, err
	}

	sql, args := compileQuery(q)
	args[0] = workspaceID

	rows, err := e.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDocuments(rows)
}

// Commit applies an ordered batch atomically. Any failure rolls back every
// operation. On success the largest assigned version is returned and
// publications are dispatched in batch order.
func (e *Engine) Commit(ctx context.Context, workspaceID string, ops []BatchOp, auth rules.AuthContext) (int64, error) {
	if len(ops) == 0 {
		return 0, &MalformedRequestError{Reason: "empty batch"}
	}

	writes := make([]writeOp, 0, len(ops))
	for _, op := range ops {
		p, err := docpath.Parse(op.Path)
		if err != nil || !p.IsDocument() {
			return 0, &MalformedRequestError{Reason: "batch operation path must name a document: " + op.Path}
		}
		w := writeOp{path: p, data: op.Data, expected: op.ExpectedVersion, caller: auth.UserID}
		ruleOp := rules.OpWrite
		switch op.Type {
		case "set":
			w.kind = opSet
		case "update":
			w.kind = opUpdate
		case "delete":
			w.kind = opDelete
			ruleOp = rules.OpDelete
		default:
			return 0, &MalformedRequestError{Reason: "unknown batch operation type: " + op.Type}
		}
		if err := e.authorize(p.String(), ruleOp, auth); err != nil {
			return 0, err
		}
		writes = append(writes, w)
	}

	var pubs []Publication
	var finalVersion int64
	err := pgx.BeginFunc(ctx, e.DB, func(tx pgx.Tx) error {
		pubs = pubs[:0]
		for _, w := range writes {
			_, pub, err := e.applyWrite(ctx, tx, workspaceID, w)
			if err != nil {
				return err
			}
			pubs = append(pubs, pub)
			finalVersion = pub.Version
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.dispatch(ctx, pubs)
	return finalVersion, nil
}

// Changes returns the events in the workspace with version > since, in
// version order. The payload of each event embeds the document path so a
// client can replay the stream against its cache. Events whose document
// path the caller is not allowed to read are filtered out.
func (e *Engine) Changes(ctx context.Context, workspaceID string, since int64, auth rules.AuthContext) ([]Event, error) {
	rows, err := e.DB.Query(ctx, `
		SELECT version, id, doc_id, workspace_id, event_type, payload, created_at
		FROM events
		WHERE workspace_id = $1 AND version > $2
		ORDER BY version
	`, workspaceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		var et string
		if err := rows.Scan(&ev.Version, &ev.ID, &ev.DocID, &ev.WorkspaceID, &et, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.EventType = EventType(et)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, err
			}
		}
		if p := eventPath(ev); p == "" || !e.Rules.Authorize(p, rules.OpRead, auth) {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// eventPath extracts the document path an event's payload refers to.
func eventPath(ev Event) string {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := payload["path"].(string)
	return s
}

// Internal write machinery.

type writeKind int

const (
	opCreate writeKind = iota
	opSet
	opUpdate
	opDelete
)

type writeOp struct {
	kind     writeKind
	path     docpath.Path
	data     any
	expected *int64
	caller   string
}

// applyWrite performs one operation inside tx: read current state, check the
// OCC precondition, append the event, and bind the event's assigned version
// into the document row.
func (e *Engine) applyWrite(ctx context.Context, tx pgx.Tx, workspaceID string, op writeOp) (*Document, Publication, error) {
	pathStr := op.path.String()

	// Writers in a workspace serialize on an advisory lock held to commit.
	// The sequence behind the events table is non-transactional, so without
	// this a stalled transaction could commit a lower version after a later
	// one was already observed, and sync consumers past that high-water mark
	// would never see it. The lock also keeps batch versions contiguous.
	// Re-acquiring inside the same transaction (batches) is a no-op.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1)::bigint)`, workspaceID); err != nil {
		return nil, Publication{}, err
	}

	var curID string
	var curOwner string
	var curData []byte
	var curVersion int64
	var curDeleted *time.Time
	err := tx.QueryRow(ctx, `
		SELECT id, owner_id, data, version, deleted_at
		FROM documents
		WHERE workspace_id = $1 AND path = $2
		FOR UPDATE
	`, workspaceID, pathStr).Scan(&curID, &curOwner, &curData, &curVersion, &curDeleted)

	exists := true
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, Publication{}, err
		}
		exists = false
	}
	live := exists && curDeleted == nil

	// The precondition is evaluated against the authoritative version at
	// commit time; omitted expected_version disables OCC for the call.
	if op.expected != nil && exists && *op.expected != curVersion {
		return nil, Publication{}, &VersionConflictError{Path: pathStr, Expected: *op.expected, Actual: curVersion}
	}

	docID := op.path.DocID()
	owner := op.caller
	if exists {
		docID = curID
		owner = curOwner
	}

	var eventType EventType
	var eventPayload map[string]any
	var newData any
	pubType := PubUpdated

	switch op.kind {
	case opCreate:
		eventType = EventInsert
		newData = op.data
		eventPayload = map[string]any{"path": pathStr, "data": op.data}
		pubType = PubCreated
	case opSet:
		eventType = EventSet
		newData = op.data
		eventPayload = map[string]any{"path": pathStr, "data": op.data}
		if !live {
			pubType = PubCreated
		}
	case opUpdate:
		if !live {
			return nil, Publication{}, ErrNotFound
		}
		var stored any
		if len(curData) > 0 {
			if err := json.Unmarshal(curData, &stored); err != nil {
				return nil, Publication{}, err
			}
		}
		newData = jsonmerge.Apply(stored, op.data)
		eventType = EventUpdate
		eventPayload = map[string]any{"path": pathStr, "patch": op.data}
	case opDelete:
		if !live {
			return nil, Publication{}, ErrNotFound
		}
		eventType = EventDelete
		eventPayload = map[string]any{"path": pathStr}
		pubType = PubDeleted
	}

	// Append the event first; its auto-assigned row id is the version.
	var version int64
	eventID := uuid.New().String()
	if err := tx.QueryRow(ctx, `
		INSERT INTO events (id, doc_id, workspace_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		RETURNING version
	`, eventID, docID, workspaceID, string(eventType), jsonValue(eventPayload)).Scan(&version); err != nil {
		return nil, Publication{}, err
	}

	now := time.Now().UTC()
	if op.kind == opDelete {
		if _, err := tx.Exec(ctx, `
			UPDATE documents
			SET version = $3, deleted_at = now(), updated_at = now()
			WHERE workspace_id = $1 AND path = $2
		`, workspaceID, pathStr, version); err != nil {
			return nil, Publication{}, err
		}
		return nil, Publication{Type: PubDeleted, ID: docID, Path: pathStr, Version: version}, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO documents (id, workspace_id, collection_name, path, owner_id, data, version)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		ON CONFLICT (workspace_id, path) DO UPDATE SET
			data       = EXCLUDED.data,
			version    = EXCLUDED.version,
			deleted_at = NULL,
			updated_at = now()
	`, docID, workspaceID, op.path.CollectionName(), pathStr, owner, jsonValue(newData), version); err != nil {
		return nil, Publication{}, err
	}

	doc := &Document{
		ID:             docID,
		WorkspaceID:    workspaceID,
		CollectionName: op.path.CollectionName(),
		Path:           pathStr,
		OwnerID:        owner,
		Data:           newData,
		Version:        version,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	pub := Publication{Type: pubType, ID: docID, Path: pathStr, Version: version, Data: newData}
	return doc, pub, nil
}

// dispatch sends publications after commit. Best-effort: the bus logs its
// own failures, and a missing bus simply drops them (periodic client sync
// reconciles).
func (e *Engine) dispatch(ctx context.Context, pubs []Publication) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(ctx, pubs)
	log.Debug().Int("count", len(pubs)).Msg("publications dispatched")
}

// Row scanning helpers shared by Get, List, and Query.

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var data []byte
	if err := row.Scan(&doc.ID, &doc.WorkspaceID, &doc.CollectionName, &doc.Path, &doc.OwnerID,
		&data, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc.Data); err != nil {
			return nil, err
		}
	}
	return &doc, nil
}

func collectDocuments(rows pgx.Rows) ([]*Document, error) {
	docs := make([]*Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
