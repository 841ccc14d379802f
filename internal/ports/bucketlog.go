package ports

import (
	"context"

	"github.com/alejandrodnm/exitbot/internal/domain"
)

// BucketLog is the durable record of resolved buckets. Save rewrites the whole
// snapshot; Load returns every row previously saved, any instrument.
type BucketLog interface {
	Load(ctx context.Context) ([]domain.ClosedBucketRecord, error)
	Save(ctx context.Context, records []domain.ClosedBucketRecord) error
}

// BucketJournal is an append-only secondary record of resolutions, used for
// reporting. Failures never block the bucket loop.
type BucketJournal interface {
	SaveClosedBucket(ctx context.Context, rec domain.ClosedBucketRecord) error
}

// TickStore persists raw quote history in batches.
type TickStore interface {
	SaveTicks(ctx context.Context, quotes []domain.Quote) error
}
