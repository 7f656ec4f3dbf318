package engine

import (
	"errors"
	"fmt"
	"time"
)

// EventType identifies the kind of write recorded in the event log.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventSet    EventType = "SET"
	EventDelete EventType = "DELETE"
)

// Document is a stored JSON value addressed by a workspace-scoped path.
type Document struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspaceId"`
	CollectionName string     `json:"collectionName"`
	Path           string     `json:"path"`
	OwnerID        string     `json:"ownerId"`
	Data           any        `json:"data"`
	Version        int64      `json:"version"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Event is one append-only record of a mutation. Version is the BIGSERIAL
// row id, the authoritative version for the workspace.
type Event struct {
	Version     int64     `json:"version"`
	ID          string    `json:"id"`
	DocID       string    `json:"docId"`
	WorkspaceID string    `json:"workspaceId"`
	EventType   EventType `json:"eventType"`
	Payload     any       `json:"payload"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PublicationType classifies a change publication on the broker.
type PublicationType string

const (
	PubCreated PublicationType = "CREATED"
	PubUpdated PublicationType = "UPDATED"
	PubDeleted PublicationType = "DELETED"
)

// Publication is the message broadcast on the collection and document
// channels after a committed mutation. Data carries the full post-state for
// CREATED and UPDATED and is omitted for DELETED.
type Publication struct {
	Type    PublicationType `json:"type"`
	ID      string          `json:"id"`
	Path    string          `json:"path"`
	Version int64           `json:"version"`
	Data    any             `json:"data,omitempty"`
}

// ErrNotFound is returned for reads and patches of absent or tombstoned
// documents.
var ErrNotFound = errors.New("document not found")

// VersionConflictError indicates an expected_version precondition failed.
type VersionConflictError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, actual %d", e.Path, e.Expected, e.Actual)
}

// PermissionDeniedError indicates the rules engine denied the operation.
// Evaluator failures are collapsed into this same error.
type PermissionDeniedError struct {
	Path      string
	Operation string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s on %s", e.Operation, e.Path)
}

// MalformedRequestError indicates a bad path, bad payload, or bad batch.
type MalformedRequestError struct {
	Reason string
}

func (e *MalformedRequestError) Error() string {
	return "malformed request: " + e.Reason
}
