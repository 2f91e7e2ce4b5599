package store

import (
	"context"
	"time"
)

// NodeRepository defines known-node storage operations.
type NodeRepository interface {
	Upsert(ctx context.Context, rec NodeRecord) error
	List(ctx context.Context) ([]NodeRecord, error)
	Get(ctx context.Context, id string) (NodeRecord, error)
	Delete(ctx context.Context, id string) error
	MarkSeen(ctx context.Context, id string, at time.Time) error
}

var _ NodeRepository = (*NodeStore)(nil)
