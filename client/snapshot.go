package client

// SnapshotMetadata describes where a snapshot's value came from.
type SnapshotMetadata struct {
	// FromCache is set when the value was served from the local cache
	// because the server was unreachable.
	FromCache bool `json:"fromCache"`
	// HasPendingWrites is set when the value reflects a queued write the
	// server has not acknowledged.
	HasPendingWrites bool `json:"hasPendingWrites"`
}

// Snapshot is one observed document state.
type Snapshot struct {
	ID       string           `json:"id"`
	Path     string           `json:"path"`
	Data     map[string]any   `json:"data"`
	Version  int64            `json:"version"`
	Metadata SnapshotMetadata `json:"metadata"`
}
