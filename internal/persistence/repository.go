package persistence

import (
	"context"

	"grid-scanner-go/internal/models"
)

// SnapshotRepository defines the interface for exporting scan snapshots.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application. Snapshots are a write-only report:
// nothing reads them back into a running scanner.
type SnapshotRepository interface {
	// SaveSnapshot stores one snapshot under the current session.
	SaveSnapshot(snap *models.Snapshot) error

	// LoadLatestSnapshot loads the newest snapshot of the current session.
	// If none is found, it should return (nil, nil).
	LoadLatestSnapshot() (*models.Snapshot, error)

	// ListSessions returns every session id in the store, oldest first.
	ListSessions() ([]string, error)

	// Publish makes the repository usable as a scanner snapshot sink.
	Publish(ctx context.Context, snap models.Snapshot) error

	// Close gracefully closes the connection to the database.
	Close() error
}
