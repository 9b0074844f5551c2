// Package engine implements guest-to-account migration and ongoing
// bidirectional synchronization between the on-device cache and the cloud
// store. It compares owner-scoped records by content fingerprint, resolves
// conflicts per entity type, and dispatches mutations to the appropriate
// adapter.
//
// The package contains three main components:
//
//   - [Migrator] runs the one-time guest-to-account migration.
//   - [Reconciler] performs a single symmetric reconciliation pass.
//   - [Scheduler] runs periodic passes with per-account coalescing.
//
// Construct all three together with [New] so they share the per-account
// locks that keep migration and sync passes mutually exclusive.
package engine

import (
	"context"

	"github.com/akilhane/studysync/internal/model"
	"github.com/akilhane/studysync/internal/notify"
)

// LocalStore provides read/write access to the on-device cache.
// Implemented by [localcache.Store].
//
// List additionally returns the number of rows that could not be decoded;
// callers count those as failures and continue.
type LocalStore interface {
	List(ctx context.Context, t model.EntityType, ownerID string) ([]model.Record, int, error)
	Put(ctx context.Context, t model.EntityType, rec model.Record) error
	Delete(ctx context.Context, t model.EntityType, id string) error
	ReassignOwner(ctx context.Context, t model.EntityType, fromID, toID string) (int, error)
	Counts(ctx context.Context, ownerID string) (map[model.EntityType]int, error)
	SaveSnapshot(ctx context.Context, ownerID string) (string, error)
}

// RemoteStore provides read/write access to the cloud store.
// Implemented by [remotestore.Client].
type RemoteStore interface {
	List(ctx context.Context, t model.EntityType, ownerID string) ([]model.Record, error)
	Create(ctx context.Context, t model.EntityType, rec model.Record) (model.Record, error)
	Update(ctx context.Context, t model.EntityType, id string, rec model.Record) error
	Delete(ctx context.Context, t model.EntityType, id string) error
}

// Notifier receives change events after a pass that mutated data.
// Implemented by [notify.Hub].
type Notifier interface {
	Publish(ev notify.Event)
}
