package offline

import (
	"context"
	"time"
)

//go:generate mockgen -source=repo.go -destination=repo_mock.go -package=offline

// Repo is a durable store for pending mutations (offlineData) and local records (fitnessData).
// IDs are assigned by the store and strictly increase in insertion order.
type Repo interface {
	AddMutation(ctx context.Context, mutation PendingMutation) (int64, error)
	ListMutations(ctx context.Context) ([]PendingMutation, error)
	MutationsBetween(ctx context.Context, from, to time.Time) ([]PendingMutation, error)
	PendingCount(ctx context.Context) (int, error)
	// DeleteMutation is idempotent, deleting a missing id returns nil.
	DeleteMutation(ctx context.Context, id int64) error
	// ClaimMutation takes a lease on the mutation for claimant. Returns false if
	// another claimant holds an unexpired lease or the mutation is gone.
	ClaimMutation(ctx context.Context, id int64, claimant string, lease time.Duration) (bool, error)
	ReleaseMutation(ctx context.Context, id int64, claimant string) error

	AddRecord(ctx context.Context, record LocalRecord) (int64, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]LocalRecord, error)

	Close() error
}
